package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentgate-io/agentgate/internal/config"
	"github.com/agentgate-io/agentgate/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with secure defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "agentgate.json"
			}
			interactive, _ := cmd.Flags().GetBool("interactive")
			if interactive {
				return runInitWizard(output)
			}
			return writeDefaultConfig(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./agentgate.json)")
	cmd.Flags().BoolP("interactive", "i", false, "prompt for settings instead of using defaults")
	return cmd
}

func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}

	cfg := map[string]any{
		"server": map[string]any{
			"addr": ":8080",
		},
		"auth": map[string]any{
			"jwt_secret": secret,
			"initial_admin": map[string]any{
				"username": "admin",
				"password": "change-me-" + secret[:8],
			},
		},
		"storage": map[string]any{
			"driver": "sqlite",
			"dsn":    "agentgate.db",
		},
		"logging": map[string]any{
			"level":  "info",
			"format": "json",
		},
	}

	return writeConfigFile(path, cfg)
}

// runInitWizard builds a config interactively. Answers the user skips keep
// their defaults; the JWT secret is always freshly generated.
func runInitWizard(path string) error {
	w := cli.StdWizard()

	if _, err := os.Stat(path); err == nil {
		if !w.YesNo(fmt.Sprintf("%s already exists, overwrite?", path), false) {
			return fmt.Errorf("aborted")
		}
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}

	addr := w.String("Listen address", ":8080")
	driver := w.Select("Storage driver", []string{"sqlite", "postgres"}, "sqlite")
	defaultDSN := "agentgate.db"
	if driver == "postgres" {
		defaultDSN = "postgres://localhost:5432/agentgate"
	}
	dsn := w.String("Storage DSN", defaultDSN)

	adminUser := w.String("Initial admin username", "admin")
	adminPass := w.Secret("Initial admin password")
	if adminPass == "" {
		adminPass = "change-me-" + secret[:8]
		fmt.Printf("no password given, using %s\n", adminPass)
	}

	maxConns := w.Int("Max WebSocket connections per user", 20)

	cfg := map[string]any{
		"server": map[string]any{
			"addr": addr,
		},
		"auth": map[string]any{
			"jwt_secret": secret,
			"initial_admin": map[string]any{
				"username": adminUser,
				"password": adminPass,
			},
		},
		"storage": map[string]any{
			"driver": driver,
			"dsn":    dsn,
		},
		"connection": map[string]any{
			"max_per_user": maxConns,
		},
		"logging": map[string]any{
			"level":  "info",
			"format": "json",
		},
	}

	return writeConfigFile(path, cfg)
}

func writeConfigFile(path string, cfg map[string]any) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	return nil
}
