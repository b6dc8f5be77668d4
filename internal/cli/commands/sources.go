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

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage folder sources",
	Long: `Manage the folders this device scans for blobs.

Subcommands:
  ls       List registered sources
  approve  Approve and ingest a source that exceeded scan limits
  default  Make a source the default for new blobs`,
}

var sourcesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered sources",
	RunE:  runSourcesLs,
}

var sourcesApproveCmd = &cobra.Command{
	Use:   "approve <source-id>",
	Short: "Approve and ingest a source that exceeded scan limits",
	Long: `Approve a folder that was too large or too deep for the automatic
scan. Approval re-scans without limits, ingests every file, and clears
the manual-review flag.`,
	Args: cobra.ExactArgs(1),
	RunE: runSourcesApprove,
}

var sourcesDefaultCmd = &cobra.Command{
	Use:   "default <source-id>",
	Short: "Make a source the default for new blobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourcesDefault,
}

func init() {
	sourcesCmd.AddCommand(sourcesLsCmd, sourcesApproveCmd, sourcesDefaultCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func runSourcesLs(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	sources, err := app.DB.ListFolderSources(cmd.Context(), app.Identity.DeviceID)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Println("No folder sources registered")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tSTATUS\tFILES\tDEFAULT\tREVIEW")
	for _, s := range sources {
		review := ""
		if s.ManualOverride {
			review = "required"
		}
		def := ""
		if s.IsDefault {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", s.ID, s.Path, s.Status, s.FileCount, def, review)
	}
	return w.Flush()
}

func runSourcesApprove(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.Scanner.ManualSync(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Approved: ingested %d files\n", len(result.Files))
	if len(result.Duplicates) > 0 {
		fmt.Printf("%d duplicate group(s) found. Review with: recallsync resolve %s\n",
			len(result.Duplicates), result.Root)
	}
	return nil
}

func runSourcesDefault(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.DB.SetDefaultSource(cmd.Context(), app.Identity.DeviceID, args[0]); err != nil {
		return err
	}
	fmt.Printf("Default source set to %s\n", args[0])
	return nil
}
