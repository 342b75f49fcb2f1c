package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/dgellow/authfront/internal"
	"github.com/dgellow/authfront/internal/config"
	"github.com/dgellow/authfront/internal/envutil"
	"github.com/dgellow/authfront/internal/log"
	"github.com/joho/godotenv"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": config.Version,
		"server": map[string]any{
			"baseURL":        "https://auth.yourcompany.com",
			"addr":           ":8080",
			"name":           "Your Company",
			"afterSignInUrl": "https://app.yourcompany.com/",
			"afterSignUpUrl": "https://app.yourcompany.com/welcome",
			"allowedOrigins": []string{"https://app.yourcompany.com"},
		},
		"identity": map[string]any{
			"apiUrl":    "https://api.identity.yourcompany.com",
			"secretKey": map[string]string{"$env": "IDENTITY_SECRET_KEY"},
			"timeout":   "15s",
		},
		"flows": map[string]any{
			"storage":         "memory",
			"ttl":             "30m",
			"cleanupInterval": "5m",
			"resendCooldown":  "30s",
		},
		"session": map[string]any{
			"cookieTtl": "168h",
			"csrfKey":   map[string]string{"$env": "CSRF_KEY"},
		},
		"oauth": map[string]any{
			"stateKey": map[string]string{"$env": "OAUTH_STATE_KEY"},
			"stateTtl": "10m",
			"providers": []any{
				map[string]any{
					"provider":       "google",
					"clientId":       map[string]string{"$env": "GOOGLE_CLIENT_ID"},
					"clientSecret":   map[string]string{"$env": "GOOGLE_CLIENT_SECRET"},
					"allowedDomains": []string{"yourcompany.com"},
				},
			},
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
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Println("Result: PASS")
	} else if len(result.Errors) == 0 {
		fmt.Println("Result: FAIL (warnings present)")
	} else {
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

// loadEnvFile loads KEY=VALUE pairs into the environment. Variables already
// set win. A missing default file is fine; a missing explicit one is not.
func loadEnvFile(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	envFile := flag.String("env-file", "", "load environment variables from this file (default $AUTHFRONT_ENV_FILE or .env, if present)")
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

	envPath, explicit := *envFile, *envFile != ""
	if !explicit {
		envPath = envutil.GetOr("AUTHFRONT_ENV_FILE", ".env")
	}
	if err := loadEnvFile(envPath, explicit); err != nil {
		log.LogError("Failed to load env file %s: %v", envPath, err)
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

	log.LogInfoWithFields("main", "Starting authfront", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	app, err := internal.NewAuthFront(ctx, cfg)
	if err != nil {
		log.LogError("Failed to create auth front: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.LogError("Failed to start server: %v", err)
		os.Exit(1)
	}
}
