// Package main implements the orphanfinder CLI.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/rsclarke/orphanfinder/internal/client"
)

type clientConfig struct {
	apiKey string
	apiURL string
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig) {
	cmd.Flags().StringVar(&cfg.apiKey, "api-key", os.Getenv("ORPHANFINDER_API_KEY"), "API key for authentication")
	cmd.Flags().StringVar(&cfg.apiURL, "api-url", os.Getenv("ORPHANFINDER_API_URL"), "API server URL")
}

// newClient fills unset flags from the config file before giving up.
func (cfg *clientConfig) newClient() (*client.Client, error) {
	apiURL, apiKey := cfg.apiURL, cfg.apiKey
	if apiURL == "" || apiKey == "" {
		loaded, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if apiURL == "" {
			apiURL = loaded.API.URL
		}
		if apiKey == "" {
			apiKey = loaded.API.Key
		}
	}
	if apiURL == "" {
		return nil, errors.New("API URL required (use --api-url flag or ORPHANFINDER_API_URL env var)")
	}
	if apiKey == "" {
		return nil, errors.New("API key required (use --api-key flag or ORPHANFINDER_API_KEY env var)")
	}
	return client.NewClient(apiURL, apiKey), nil
}
