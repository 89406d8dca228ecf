package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var histogramFlags struct {
	clientConfig
	hours int
}

var histogramCmd = &cobra.Command{
	Use:   "histogram <entity_id>",
	Short: "Show hourly state writes for an entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistogram,
}

func init() {
	rootCmd.AddCommand(histogramCmd)

	addClientFlags(histogramCmd, &histogramFlags.clientConfig)
	histogramCmd.Flags().IntVar(&histogramFlags.hours, "hours", 24, "window in hours: 24, 48 or 168")
}

func runHistogram(cmd *cobra.Command, args []string) error {
	c, err := histogramFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.Histogram(cmd.Context(), args[0], histogramFlags.hours)
	if err != nil {
		return err
	}

	var peak int64
	for _, n := range resp.Counts {
		peak = max(peak, n)
	}

	fmt.Printf("%s: %d messages in the last %d hours\n\n", resp.EntityID, resp.TotalMessages, resp.TimeRangeHours)
	for i, n := range resp.Counts {
		ago := len(resp.Counts) - i
		bar := ""
		if peak > 0 {
			bar = strings.Repeat("#", int(n*40/peak))
		}
		fmt.Printf("-%3dh  %6d  %s\n", ago, n, bar)
	}
	return nil
}
