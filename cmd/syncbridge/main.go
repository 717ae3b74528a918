package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "syncbridge",
		Short:         "Sync third-party SaaS data into a local store",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", defaultConfigPath(), "path to the YAML config file")
	root.PersistentFlags().Bool("env-only", envOnlyDefault(), "read configuration from SB_* environment variables only")

	root.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd(), newResealCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("SB_CONFIG"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func envOnlyDefault() bool {
	raw := os.Getenv("SB_ENV_ONLY")
	return strings.EqualFold(raw, "true") || raw == "1"
}
