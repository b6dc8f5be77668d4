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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var syncOnce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the sync engine",
	Long: `Run the sync engine: the flush worker pushes buffered local writes
to the server on a fixed interval, background pulls refresh the snapshot,
and the reconciler retires confirmed entries.

Runs until interrupted. Use --once for a single foreground cycle
(flush, pull, reconcile) that exits when done.

Examples:
  # Run in the foreground until Ctrl-C
  recallsync sync

  # One full cycle, e.g. from a cron job
  recallsync sync --once`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "run a single sync cycle and exit")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := context.Background()

	if syncOnce {
		if err := app.Worker.SyncOnce(ctx); err != nil {
			return fmt.Errorf("sync cycle failed: %w", err)
		}
		fmt.Println("Sync cycle complete")
		return nil
	}

	app.Reconciler.Start()
	defer app.Reconciler.Stop()
	app.Worker.Start(ctx)
	defer app.Worker.Stop()

	fmt.Printf("Syncing to %s (device %s). Press Ctrl-C to stop.\n",
		app.Settings.ServerURL, app.Identity.DeviceID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Stopping...")
	return nil
}
