// Copyright 2025 RecallSync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Register locally stored blobs that the catalog is missing",
	Long: `Walk the local content store and register every blob the catalog
does not know about yet: metadata plus a presence row for this device.

Useful after restoring the blob directory from a backup, or after an
interrupted ingest. Rows that fail are skipped and counted; the run
never stops at the first bad blob.`,
	RunE: runBackfill,
}

func init() {
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Coord.Backfill(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Backfill: %d total, %d synced, %d failed\n", report.Total, report.Synced, report.Failed)
	return nil
}
