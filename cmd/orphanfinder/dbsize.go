package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dbSizeFlags struct {
	clientConfig
}

var dbSizeCmd = &cobra.Command{
	Use:   "db-size",
	Short: "Show row counts and sizes of the recorder tables",
	RunE:  runDBSize,
}

func init() {
	rootCmd.AddCommand(dbSizeCmd)

	addClientFlags(dbSizeCmd, &dbSizeFlags.clientConfig)
}

func runDBSize(cmd *cobra.Command, args []string) error {
	c, err := dbSizeFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.DatabaseSize(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("%-22s  %12s  %10s\n", "TABLE", "ROWS", "SIZE")
	fmt.Printf("%-22s  %12d  %10s\n", "states", resp.States, formatBytes(resp.StatesSize))
	fmt.Printf("%-22s  %12d  %10s\n", "statistics", resp.Statistics, formatBytes(resp.StatisticsSize))
	fmt.Printf("%-22s  %12d  %10s\n", "statistics_short_term", resp.StatisticsShortTerm, formatBytes(resp.StatisticsShortTermSize))
	fmt.Printf("%-22s  %12d  %10s\n", "other (estimate)", resp.Other, formatBytes(resp.OtherSize))
	return nil
}
