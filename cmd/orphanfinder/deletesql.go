package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rsclarke/orphanfinder/internal/models"
	"github.com/rsclarke/orphanfinder/internal/storage"
)

var deleteSQLFlags struct {
	clientConfig
	origin           string
	inStatesMeta     bool
	inStatisticsMeta bool
	metadataID       int64
}

var deleteSQLCmd = &cobra.Command{
	Use:   "delete-sql <entity_id>",
	Short: "Print a SQL script that removes an entity's recorder data",
	Long: `Print a transaction that deletes the rows an entity owns in the states and
statistics tables, followed by its metadata rows. The script is only
printed; run it yourself after stopping Home Assistant and taking a backup.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeleteSQL,
}

func init() {
	rootCmd.AddCommand(deleteSQLCmd)

	addClientFlags(deleteSQLCmd, &deleteSQLFlags.clientConfig)
	deleteSQLCmd.Flags().StringVar(&deleteSQLFlags.origin, "origin", string(models.OriginStatesStatistics),
		"table families to delete from: States, Short-term, Long-term, Both, States+Statistics")
	deleteSQLCmd.Flags().BoolVar(&deleteSQLFlags.inStatesMeta, "in-states-meta", false, "entity has a states_meta row")
	deleteSQLCmd.Flags().BoolVar(&deleteSQLFlags.inStatisticsMeta, "in-statistics-meta", false, "entity has a statistics_meta row")
	deleteSQLCmd.Flags().Int64Var(&deleteSQLFlags.metadataID, "metadata-id", 0, "statistics_meta id, if known")
}

func runDeleteSQL(cmd *cobra.Command, args []string) error {
	origin, err := models.ParseOrigin(deleteSQLFlags.origin)
	if err != nil {
		return err
	}

	c, err := deleteSQLFlags.newClient()
	if err != nil {
		return err
	}

	ref := storage.EntityRef{
		EntityID:         args[0],
		Origin:           origin,
		InStatesMeta:     deleteSQLFlags.inStatesMeta,
		InStatisticsMeta: deleteSQLFlags.inStatisticsMeta,
	}
	if deleteSQLFlags.metadataID > 0 {
		id := deleteSQLFlags.metadataID
		ref.MetadataID = &id
	}

	resp, err := c.DeleteSQL(cmd.Context(), ref)
	if err != nil {
		return err
	}

	fmt.Println(resp.SQL)
	fmt.Fprintf(os.Stderr, "-- estimated space freed: %s\n", formatBytes(resp.StorageSaved))
	return nil
}
