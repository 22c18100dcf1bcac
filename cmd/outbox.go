/*
Copyright 2025 GrowSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/verdantlabs/growsync"
)

// outboxCommands defines the "outbox" command group for inspecting and
// nudging the local queue from the shell.
func outboxCommands(g *syncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "inspect and manage the local outbox queue",
	}

	cmd.AddCommand(outboxListCommand(g))
	cmd.AddCommand(outboxRetryCommand(g))
	cmd.AddCommand(outboxCancelCommand(g))
	cmd.AddCommand(outboxDrainCommand(g))

	return cmd
}

func outboxListCommand(g *syncInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list live outbox entries and their delivery state",
		Run: func(cmd *cobra.Command, args []string) {
			views, err := g.sync.Entries(context.Background())
			if err != nil {
				log.Fatalf("could not list outbox entries: %v", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ENTRY\tOPERATION\tSTREAM\tSTATUS\tRETRIES\tLAST ERROR")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					v.EntryID, v.Operation, v.Stream, v.Status, v.Retries, v.LastError)
			}
			if err := w.Flush(); err != nil {
				log.Fatal(err)
			}
		},
	}
}

func outboxRetryCommand(g *syncInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <entry-id>",
		Short: "requeue a failed or dead entry for another delivery attempt",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := g.sync.RetryEntry(context.Background(), args[0]); err != nil {
				log.Fatalf("could not retry entry %s: %v", args[0], err)
			}
			fmt.Printf("entry %s requeued\n", args[0])
		},
	}
}

func outboxCancelCommand(g *syncInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <entry-id>",
		Short: "drop an entry that has not delivered and mark its entity stale",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := g.sync.CancelEntry(context.Background(), args[0]); err != nil {
				log.Fatalf("could not cancel entry %s: %v", args[0], err)
			}
			fmt.Printf("entry %s cancelled\n", args[0])
		},
	}
}

func outboxDrainCommand(g *syncInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "run one drain pass over due entries and exit",
		Run: func(cmd *cobra.Command, args []string) {
			processor := growsync.NewProcessor(g.sync)
			attempted := processor.DrainOnce(context.Background())
			fmt.Printf("attempted %d entries\n", attempted)
		},
	}
}
