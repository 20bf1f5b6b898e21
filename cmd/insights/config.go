package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Napageneral/insights/internal/config"
	"github.com/Napageneral/insights/internal/db"
)

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize insights config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK         bool   `json:"ok"`
				Message    string `json:"message,omitempty"`
				ConfigDir  string `json:"config_dir,omitempty"`
				ConfigFile string `json:"config_file,omitempty"`
				DataDir    string `json:"data_dir,omitempty"`
				DBPath     string `json:"db_path,omitempty"`
			}
			result := Result{OK: true}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("Failed to get config directory: %v", err)
			}
			result.ConfigDir = configDir
			result.ConfigFile = filepath.Join(configDir, "config.yaml")

			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("Failed to get data directory: %v", err)
			}
			result.DataDir = dataDir

			// An existing config file is left as is.
			if _, err := os.Stat(result.ConfigFile); os.IsNotExist(err) {
				if err := config.Default().Save(); err != nil {
					fail("Failed to write default config: %v", err)
				}
			}

			dbPath, err := db.Init()
			if err != nil {
				fail("Failed to initialize database: %v", err)
			}
			result.DBPath = dbPath
			result.Message = "Insights initialized successfully"

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config: %s\n", result.ConfigFile)
				fmt.Printf("✓ Data directory: %s\n", result.DataDir)
				fmt.Printf("✓ Database: %s\n", result.DBPath)
				fmt.Println("\nInsights initialized successfully!")
			}
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long:  "Print the configuration after applying the config file and environment overrides. The API key is redacted.",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fail("Failed to load config: %v", err)
			}
			if cfg.Analysis.APIKey != "" {
				cfg.Analysis.APIKey = "********"
			}

			validation := ""
			if err := cfg.Validate(); err != nil {
				validation = err.Error()
			}

			if jsonOutput {
				printJSON(map[string]any{
					"config": cfg,
					"valid":  validation == "",
					"errors": validation,
				})
				return
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				fail("Failed to render config: %v", err)
			}
			fmt.Print(string(out))
			if validation != "" {
				fmt.Fprintf(os.Stderr, "\nConfig is invalid:\n%s\n", validation)
				os.Exit(1)
			}
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			path := configPath
			if path == "" {
				dir, err := config.GetConfigDir()
				if err != nil {
					fail("Failed to get config directory: %v", err)
				}
				path = filepath.Join(dir, "config.yaml")
			}
			if jsonOutput {
				printJSON(map[string]string{"path": path})
			} else {
				fmt.Println(path)
			}
		},
	})
	return cmd
}
