// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the refmirror CLI.
// Subcommands: sync (download and ingest sources), search and get (the
// serving path), checkpoints, sources, export, version.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/refmirror/internal/config"
	"github.com/pdiddy/refmirror/internal/logging"
	"github.com/pdiddy/refmirror/internal/secrets"
	"github.com/pdiddy/refmirror/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// app holds what every command needs once flags and config are parsed.
var app struct {
	cfg     types.MirrorConfig
	secrets secrets.Set
	log     zerolog.Logger
}

// rootCmd is the base command for the refmirror CLI.
var rootCmd = &cobra.Command{
	Use:   "refmirror",
	Short: "Local mirror of public medical reference data",
	Long: `refmirror downloads public medical reference datasets (literature,
clinical trials, drug labels, code tables, health topics, foods, exercises),
deduplicates them, and merges them into a local SQLite or Postgres store.

Reads go to the local store first and fall back to the original external
APIs when the store is unavailable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return setup(cmd)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./refmirror.yaml or ~/.config/refmirror/config.yaml)")
	rootCmd.PersistentFlags().String("secrets-dir", ".secrets/", "directory of secret files (one value per file)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (overrides config)")
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("refmirror")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "refmirror"))
		}
	}

	viper.SetEnvPrefix("REFMIRROR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setup loads the configuration, the secrets directory, and the logger.
func setup(cmd *cobra.Command) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	log := logging.Setup(logging.FromTypes(cfg.Logging))

	dir, _ := cmd.Flags().GetString("secrets-dir")
	s, err := secrets.Load(dir, log)
	if err != nil {
		return err
	}
	if names := s.Names(); len(names) > 0 {
		fmt.Fprintf(os.Stderr, "Loaded secrets: %v\n", names)
	}

	cfg.Store.DSN = s.Resolve(secrets.PostgresDSN, cfg.Store.DSN)
	cfg.Cache.Password = s.Resolve(secrets.RedisPassword, cfg.Cache.Password)

	app.cfg = cfg
	app.secrets = s
	app.log = log
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
