// Package cli builds the ledgerd command line: a Cobra root plus
// subcommands, a YAML config flag, and graceful shutdown on
// SIGINT/SIGTERM.
//
// Command structure:
//
//	enginectl
//	├── run          # start the engine and serve the subscriptions domain
//	│   └── --config, -c
//	├── submit       # submit one command from a JSON file
//	│   └── --file, -f
//	├── query        # print the current state of one projection
//	├── self-check   # run the acceptance scenarios in-process, exit 0/1
//	└── demo         # crash/recovery walkthrough
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/silverfen/ledgerd/internal/config"
	"github.com/silverfen/ledgerd/internal/engine"
)

// BuildCLI assembles the root command and every subcommand.
func BuildCLI() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "enginectl",
		Short: "ledgerd command/event transaction engine",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(buildRunCommand(&configPath))
	root.AddCommand(buildSubmitCommand(&configPath))
	root.AddCommand(buildQueryCommand(&configPath))
	root.AddCommand(buildSelfCheckCommand())
	root.AddCommand(buildDemoCommand(&configPath))

	return root
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the engine, serving the subscriptions domain until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.TestMode {
				if err := engine.SelfCheck(); err != nil {
					fmt.Fprintln(os.Stderr, "self-check failed:", err)
					os.Exit(1)
				}
				fmt.Println("self-check: all scenarios passed")
				return nil
			}
			app, err := engine.Open(cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			fmt.Println("enginectl: running, press Ctrl+C to stop")
			<-ctx.Done()
			fmt.Println("enginectl: shutting down")
			return nil
		},
	}
}

func buildSubmitCommand(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "submit one command from a JSON file: {\"type\": \"...\", \"data\": {...}}",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			app, err := engine.Open(cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			body, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			var req struct {
				Type string         `json:"type"`
				Data map[string]any `json:"data"`
			}
			if err := json.Unmarshal(body, &req); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			if err := app.SubmitCommand(req.Type, req.Data); err != nil {
				return err
			}
			fmt.Println("enginectl: committed")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a command JSON file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func buildQueryCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "query [viewId]",
		Short: "print the current folded state of one projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			app, err := engine.Open(cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			state, err := app.QueryView(args[0])
			if err != nil {
				return err
			}
			body, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
}

func buildSelfCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "self-check",
		Short: "run the acceptance scenarios in-process; exits 0 on success, 1 on failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := engine.SelfCheck(); err != nil {
				fmt.Fprintln(os.Stderr, "self-check failed:", err)
				os.Exit(1)
			}
			fmt.Println("self-check: all scenarios passed")
			return nil
		},
	}
}

func buildDemoCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "submit a handful of commands, then replay the log to demonstrate recovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return engine.RunDemo(cfg)
		},
	}
}
