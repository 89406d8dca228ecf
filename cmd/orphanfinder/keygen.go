package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rsclarke/orphanfinder/internal/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key",
	Long: `Generate an API key. Give the key to clients and configure the server with
either the key itself or its prefix and hash.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	displayKey, prefix, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generate API key: %w", err)
	}

	fmt.Println("API key (save this, it will not be shown again):")
	fmt.Println(displayKey)
	fmt.Println()
	fmt.Println("Server configuration:")
	fmt.Printf("  ORPHANFINDER_API_KEY_PREFIX=%s\n", prefix)
	fmt.Printf("  ORPHANFINDER_API_KEY_HASH=%s\n", hex.EncodeToString(hash))
	return nil
}
