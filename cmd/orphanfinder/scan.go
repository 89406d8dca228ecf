package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rsclarke/orphanfinder/internal/api"
	"github.com/rsclarke/orphanfinder/internal/models"
)

var scanFlags struct {
	clientConfig
	jsonOutput bool
	all        bool
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a full scan and list orphaned entities",
	Long: `Run every scan stage against the server and print the entities that are
no longer part of the live system, with a summary of the whole database.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	addClientFlags(scanCmd, &scanFlags.clientConfig)
	scanCmd.Flags().BoolVar(&scanFlags.jsonOutput, "json", false, "print the raw overview as JSON")
	scanCmd.Flags().BoolVar(&scanFlags.all, "all", false, "list every entity, not only orphans")
}

var stageNames = [...]string{
	"initialize",
	"states_meta",
	"states",
	"statistics_meta",
	"statistics_short_term",
	"statistics",
	"enrich",
	"deleted storage",
}

func runScan(cmd *cobra.Command, args []string) error {
	c, err := scanFlags.newClient()
	if err != nil {
		return err
	}

	overview, err := c.Scan(cmd.Context(), func(step int, resp *api.StepResponse) {
		if scanFlags.jsonOutput {
			return
		}
		fmt.Fprintf(os.Stderr, "[%d/%d] %-22s %s\n", step, api.FinalStep, stageNames[step], stepDetail(resp))
	})
	if err != nil {
		return err
	}

	if scanFlags.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(overview)
	}

	entities := overview.Entities
	if !scanFlags.all {
		entities = orphans(entities)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].EntityID < entities[j].EntityID })

	if len(entities) == 0 {
		fmt.Println("No orphaned entities found.")
	} else {
		fmt.Printf("%-40s  %-17s  %-15s  %-11s  %10s  %10s\n", "ENTITY", "ORIGIN", "REGISTRY", "STATE", "STATES", "STATS")
		for _, e := range entities {
			fmt.Printf("%-40s  %-17s  %-15s  %-11s  %10d  %10d\n",
				e.EntityID, originOf(e), e.RegistryStatus, e.StateStatus,
				e.StatesCount, e.StatsShortCount+e.StatsLongCount)
		}
	}

	s := overview.Summary
	fmt.Println()
	fmt.Printf("Entities:               %d\n", s.TotalEntities)
	fmt.Printf("In registry:            %d (%d disabled)\n", s.InEntityRegistry, s.RegistryDisabled)
	fmt.Printf("Deleted from registry:  %d\n", s.DeletedFromRegistry)
	fmt.Printf("Orphaned states_meta:   %d\n", s.OrphanedStatesMeta)
	fmt.Printf("Orphaned stats meta:    %d\n", s.OrphanedStatisticsMeta)
	fmt.Printf("Deleted entity storage: %s\n", formatBytes(s.DeletedStorageBytes))
	fmt.Printf("Disabled storage:       %s\n", formatBytes(s.DisabledStorageBytes))
	return nil
}

func stepDetail(resp *api.StepResponse) string {
	switch {
	case resp.SessionID != "":
		return "session " + resp.SessionID
	case resp.EntitiesFound != nil:
		return fmt.Sprintf("%d entities", *resp.EntitiesFound)
	case resp.TotalEntities != nil:
		return fmt.Sprintf("%d entities total", *resp.TotalEntities)
	case resp.DeletedStorageBytes != nil:
		return formatBytes(*resp.DeletedStorageBytes)
	}
	return resp.Status
}

// orphans keeps entities that are gone from the live system or disabled
// but still own recorder rows.
func orphans(all []models.EnrichedRecord) []models.EnrichedRecord {
	var out []models.EnrichedRecord
	for _, e := range all {
		deleted := !e.InEntityRegistry && !e.InStateMachine
		if (deleted || e.RegistryStatus == models.RegistryDisabled) && e.HasMetadataRow() {
			out = append(out, e)
		}
	}
	return out
}

func originOf(e models.EnrichedRecord) string {
	if e.Origin == "" {
		return "-"
	}
	return string(e.Origin)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
