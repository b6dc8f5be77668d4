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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var blobsCmd = &cobra.Command{
	Use:   "blobs",
	Short: "Inspect and manage coordinated blobs",
	Long: `Inspect and manage the blobs coordinated by this device.

Subcommands:
  ls      List all blobs in the catalog
  stat    Show metadata and local presence for one digest
  rm      Remove a blob from coordination
  rename  Change a blob's display filename
  stats   Show health totals for this device
  check   Verify every local copy and record its health`,
}

var blobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List all blobs in the catalog",
	RunE:  runBlobsLs,
}

var blobsStatCmd = &cobra.Command{
	Use:   "stat <digest>",
	Short: "Show metadata and local presence for one digest",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlobsStat,
}

var blobsRmPurge bool

var blobsRmCmd = &cobra.Command{
	Use:   "rm <digest>",
	Short: "Remove a blob from coordination",
	Long: `Remove a blob from coordination: presence rows and metadata. The
locally stored bytes are kept unless --purge is given; files in scanned
folders are never touched either way.`,
	Args: cobra.ExactArgs(1),
	RunE: runBlobsRm,
}

var blobsRenameCmd = &cobra.Command{
	Use:   "rename <digest> <filename>",
	Short: "Change a blob's display filename",
	Args:  cobra.ExactArgs(2),
	RunE:  runBlobsRename,
}

var blobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show health totals for this device",
	RunE:  runBlobsStats,
}

var blobsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify every local copy and record its health",
	RunE:  runBlobsCheck,
}

func init() {
	blobsRmCmd.Flags().BoolVar(&blobsRmPurge, "purge", false, "also delete the locally stored bytes")
	blobsCmd.AddCommand(blobsLsCmd, blobsStatCmd, blobsRmCmd, blobsRenameCmd, blobsStatsCmd, blobsCheckCmd)
	rootCmd.AddCommand(blobsCmd)
}

func runBlobsLs(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	metas, err := app.DB.ListBlobMeta(cmd.Context())
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Println("No blobs in catalog")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DIGEST\tSIZE\tMIME\tFILENAME")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", m.Digest[:12], m.Size, m.Mime, m.Filename)
	}
	return w.Flush()
}

func runBlobsStat(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	meta, err := app.DB.GetBlobMeta(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Digest:   %s\n", meta.Digest)
	fmt.Printf("Size:     %d bytes\n", meta.Size)
	fmt.Printf("MIME:     %s\n", meta.Mime)
	fmt.Printf("Filename: %s\n", meta.Filename)
	fmt.Printf("Created:  %s\n", time.Unix(meta.CreatedAt, 0).Format(time.RFC3339))

	pres, err := app.DB.GetPresence(cmd.Context(), app.Identity.DeviceID, meta.Digest)
	if err != nil {
		fmt.Println("Presence: not on this device")
		return nil
	}
	fmt.Printf("Presence: %s", pres.Health)
	if pres.LocalPath != "" {
		fmt.Printf(" at %s", pres.LocalPath)
	}
	fmt.Println()
	return nil
}

func runBlobsRm(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Coord.DeleteBlob(cmd.Context(), args[0]); err != nil {
		return err
	}
	if blobsRmPurge {
		if err := app.Coord.PurgeBytes(args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s and purged local bytes\n", args[0])
		return nil
	}
	fmt.Printf("Removed %s (local bytes kept)\n", args[0])
	return nil
}

func runBlobsRename(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Coord.Rename(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Renamed %s to %s\n", args[0], args[1])
	return nil
}

func runBlobsStats(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Coord.Stats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Total blobs: %d (%d bytes)\n", report.TotalBlobs, report.TotalSize)
	fmt.Printf("Healthy:     %d\n", report.Healthy)
	fmt.Printf("Missing:     %d\n", report.Missing)
	fmt.Printf("Modified:    %d\n", report.Modified)
	fmt.Printf("Relocated:   %d\n", report.Relocated)
	return nil
}

func runBlobsCheck(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	counts, err := app.Coord.CheckHealth(cmd.Context())
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		fmt.Println("No local copies to verify")
		return nil
	}
	for health, n := range counts {
		fmt.Printf("%-10s %d\n", health, n)
	}
	return nil
}
