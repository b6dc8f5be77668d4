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

var scanAsDefault bool

var scanCmd = &cobra.Command{
	Use:   "scan <folder>",
	Short: "Scan a folder and register it as a source",
	Long: `Scan a folder and register it as a blob source for this device.

Folders within the scan limits (see settings: scan_max_files,
scan_max_depth) are ingested immediately. Larger or deeper folders are
registered disabled and need explicit approval:

  recallsync sources approve <source-id>

Duplicate files found during the scan are reported; resolve them with
'recallsync resolve'.

Examples:
  recallsync scan ~/Documents/papers
  recallsync scan ~/inbox --default`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanAsDefault, "default", false, "make this the default source for new blobs")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	source, result, err := app.Scanner.Register(cmd.Context(), args[0], scanAsDefault)
	if err != nil {
		return err
	}

	fmt.Printf("Scanned %s: %d files, depth %d\n", result.Root, result.FileCount, result.MaxDepthObserved)
	if result.Breached() {
		fmt.Printf("Folder exceeds scan limits (files: %v, depth: %v) and was not ingested.\n",
			result.FileLimitBreached, result.DepthLimitBreached)
		fmt.Printf("Approve it with: recallsync sources approve %s\n", source.ID)
		return nil
	}

	fmt.Printf("Ingested %d files into source %s\n", len(result.Files), source.ID)
	if len(result.Duplicates) > 0 {
		fmt.Printf("%d duplicate group(s) found. Review with: recallsync resolve %s\n",
			len(result.Duplicates), result.Root)
	}
	return nil
}
