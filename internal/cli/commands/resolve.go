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
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"recallsync/internal/blob"
)

var resolveAuto bool

var resolveCmd = &cobra.Command{
	Use:   "resolve <folder>",
	Short: "Resolve duplicate files found in a folder",
	Long: `Re-scan a folder and walk its duplicate groups one at a time. For
each group, pick which copy stays coordinated; the others are simply
excluded. No file is ever deleted from disk.

The first copy of each group is the default. With --auto every group is
resolved to its default without prompting.

Examples:
  recallsync resolve ~/Documents/papers
  recallsync resolve ~/Documents/papers --auto`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveAuto, "auto", false, "resolve every group to its default without prompting")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()
	ctx := cmd.Context()

	result, err := app.Scanner.Scan(ctx, args[0])
	if err != nil {
		return err
	}
	if len(result.Duplicates) == 0 {
		fmt.Println("No duplicates found")
		return nil
	}

	session := blob.NewSession(app.Coord, result.Duplicates)

	if resolveAuto {
		resolutions, err := session.Finish(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Auto-resolved %d group(s)\n", len(resolutions))
		return nil
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		group, ok := session.Current()
		if !ok {
			break
		}
		fmt.Printf("\nDuplicate group %s", group.Digest[:12])
		if group.IsExisting {
			fmt.Print(" (already tracked)")
		}
		fmt.Println(":")
		for i, f := range group.Files {
			marker := " "
			if i == 0 {
				marker = "*"
			}
			fmt.Printf("  %s %d) %s (%s, %d bytes)\n", marker, i+1, f.Path, f.Filename, f.Size)
		}
		fmt.Print("Keep which copy? [1] (q to finish early): ")

		line, err := reader.ReadString('\n')
		if err != nil {
			// Stdin closed: fall back to defaults for the rest.
			break
		}
		line = strings.TrimSpace(line)
		if line == "q" {
			break
		}
		if line != "" {
			idx, err := strconv.Atoi(line)
			if err != nil || idx < 1 || idx > len(group.Files) {
				fmt.Println("Invalid choice")
				continue
			}
			if err := session.Select(group.Files[idx-1].Path); err != nil {
				return err
			}
		}
		if err := session.Confirm(); err != nil {
			return err
		}
	}

	resolutions, err := session.Finish(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Resolved %d group(s)\n", len(resolutions))
	return nil
}
