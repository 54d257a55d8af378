package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List render nodes known to the farm",
	RunE:  runNodesList,
}

var nodesAddCmd = &cobra.Command{
	Use:   "add HOST:PORT",
	Short: "Add a render node that does not send beacons",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().AddNode(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Node %s added\n", args[0])
		return nil
	},
}

func init() {
	nodesCmd.AddCommand(nodesAddCmd)
}

func runNodesList(cmd *cobra.Command, args []string) error {
	nodes, err := newClient().ListNodes(context.Background())
	if err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(nodes)
	}
	if len(nodes) == 0 {
		fmt.Println("No nodes discovered")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Node", "State", "Discovery", "Job", "Last Contact", "Error")
	for _, n := range nodes {
		table.Append(
			n.Key.String(),
			string(n.State),
			string(n.DiscoveryType),
			shortID(n.JobID),
			fmt.Sprintf("%s ago", time.Since(n.LastContact).Round(time.Second)),
			n.LastError,
		)
	}
	table.Render()

	fmt.Printf("\nTotal nodes: %d\n", len(nodes))
	return nil
}
