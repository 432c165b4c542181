package main

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/NavarchProject/intervalcheck/pkg/monitor"
)

func checksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checks",
		Short: "List the built-in checks",
		Long:  `List the check names that may appear in IC_CALLBACKS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeChecks(cmd.OutOrStdout(), monitor.Checks())
		},
	}
}

func writeChecks(w io.Writer, infos []monitor.CheckInfo) error {
	table := tablewriter.NewWriter(w)
	table.Header("Name", "Guarded", "Description")
	for _, info := range infos {
		if err := table.Append([]string{info.Name, strconv.FormatBool(info.Guarded), info.Description}); err != nil {
			return err
		}
	}
	return table.Render()
}
