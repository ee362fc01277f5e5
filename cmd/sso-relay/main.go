package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/dgellow/sso-relay/internal"
	"github.com/dgellow/sso-relay/internal/config"
	"github.com/dgellow/sso-relay/internal/log"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": config.Version,
		"relay": map[string]any{
			"addr":           ":8080",
			"rootDomain":     "yourcompany.com",
			"allowedOrigins": []string{"https://hub.yourcompany.com", "https://app.yourcompany.com"},
			"loginUrl":       "https://auth.yourcompany.com",
			"cookie": map[string]any{
				"name":   "sb-refresh-token",
				"maxAge": "168h",
			},
			"metrics": map[string]any{
				"enabled":  true,
				"username": "prometheus",
				"password": map[string]string{"$env": "METRICS_PASSWORD"},
			},
		},
		"provider": map[string]any{
			"type":      "supabase",
			"url":       "https://yourproject.supabase.co",
			"anonKey":   map[string]string{"$env": "SUPABASE_ANON_KEY"},
			"jwtSecret": map[string]string{"$env": "SUPABASE_JWT_SECRET"},
			"timeout":   "10s",
		},
		"activity": map[string]any{
			"storage": "memory",
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Printf("  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Printf("  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Printf("  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Printf("  - %s\n", warn.Message)
			}
		}
	}

	fmt.Println()
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Println("Result: PASS")
	case len(result.Errors) == 0:
		fmt.Println("Result: FAIL (warnings present)")
	default:
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

// loadEnvFile loads KEY=VALUE pairs from path without overriding variables
// that are already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	envFile := flag.String("env-file", "", "load environment variables from this file (default .env if present)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	path, explicit := *envFile, *envFile != ""
	if !explicit {
		path = ".env"
	}
	if err := loadEnvFile(path, explicit); err != nil {
		log.LogError("Failed to load env file %s: %v", path, err)
		os.Exit(1)
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting sso-relay", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	relay, err := internal.NewRelay(ctx, cfg)
	if err != nil {
		log.LogError("Failed to create relay: %v", err)
		os.Exit(1)
	}

	if err := relay.Run(); err != nil {
		log.LogError("Failed to start server: %v", err)
		os.Exit(1)
	}
}
