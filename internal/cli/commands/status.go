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

	"recallsync/internal/device"
	"recallsync/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show device, queue, and blob status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()
	ctx := cmd.Context()

	fmt.Printf("Device:   %s", app.Identity.DeviceID)
	if app.Identity.Name != "" {
		fmt.Printf(" (%s)", app.Identity.Name)
	}
	fmt.Println()
	fmt.Printf("Server:   %s\n", app.Settings.ServerURL)
	fmt.Printf("Catalog:  %s\n", device.CatalogPath())

	counts, err := app.DB.CountMutationsByStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Queue:    %d pending, %d sent, %d confirmed, %d error\n",
		counts[storage.StatusPending], counts[storage.StatusSent],
		counts[storage.StatusConfirmed], counts[storage.StatusError])

	entries, err := app.DB.ListAllOverlay(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Overlay:  %d pending entr%s\n", len(entries), pluralY(len(entries)))

	report, err := app.Coord.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Blobs:    %d total, %d healthy, %d missing, %d modified, %d relocated\n",
		report.TotalBlobs, report.Healthy, report.Missing, report.Modified, report.Relocated)

	sources, err := app.DB.ListFolderSources(ctx, app.Identity.DeviceID)
	if err != nil {
		return err
	}
	pending := 0
	for _, s := range sources {
		if s.ManualOverride {
			pending++
		}
	}
	fmt.Printf("Sources:  %d registered", len(sources))
	if pending > 0 {
		fmt.Printf(", %d awaiting approval", pending)
	}
	fmt.Println()
	return nil
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
