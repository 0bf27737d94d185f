package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/mcpbridge"
	"github.com/loykin/mcpbridge/internal/config"
	"github.com/loykin/mcpbridge/internal/history/factory"
	"github.com/loykin/mcpbridge/internal/logger"
	"github.com/loykin/mcpbridge/internal/metrics"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger.Setup(level)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}

			mgr := mcpbridge.NewWithOptions(mcpbridge.Options{
				Policy:          cfg.Restart,
				Bridge:          cfg.Bridge,
				Log:             cfg.Log,
				GlobalEnv:       cfg.Env,
				AllowedCommands: cfg.AllowedCommands,
			})

			if cfg.History.DSN != "" {
				sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
				if err != nil {
					return fmt.Errorf("history sink: %w", err)
				}
				defer func() { _ = sink.Close() }()
				mgr.AddHistorySinks(sink)
			}

			for _, w := range cfg.Workers {
				if err := mgr.Register(w); err != nil {
					return fmt.Errorf("register worker %s: %w", w.ID, err)
				}
			}
			for _, w := range cfg.Workers {
				if !w.Enabled {
					continue
				}
				if err := mgr.StartWorker(w.ID); err != nil {
					slog.Error("failed to start worker", "worker", w.ID, "error", err)
				}
			}

			srv := mgr.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath)
			slog.Info("mcpbridge serving", "listen", cfg.Server.Listen, "base", cfg.Server.BasePath, "workers", len(cfg.Workers))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			slog.Info("shutting down", "signal", sig.String())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			mgr.Shutdown()
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "mcpbridge.toml", "path to config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "status [worker-id]",
		Short: "Show worker status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := newClient(flags)
			path := "/status"
			if len(args) == 1 {
				path += "?id=" + args[0]
			}
			var out json.RawMessage
			if err := cl.get(path, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	flags.register(cmd)
	return cmd
}

func newStartCmd() *cobra.Command {
	return workerActionCmd("start", "Start a worker")
}

func newStopCmd() *cobra.Command {
	return workerActionCmd("stop", "Stop a worker")
}

func newRestartCmd() *cobra.Command {
	return workerActionCmd("restart", "Restart a worker (resets its restart budget)")
}

func workerActionCmd(action, short string) *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   action + " <worker-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := newClient(flags)
			var out json.RawMessage
			if err := cl.post("/"+action, map[string]string{"id": args[0]}, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	flags.register(cmd)
	return cmd
}

func newToolsCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "tools <worker-id>",
		Short: "List the tools a worker exposes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := newClient(flags)
			var out json.RawMessage
			if err := cl.get("/tools?id="+args[0], &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	flags.register(cmd)
	return cmd
}

func newCallCmd() *cobra.Command {
	var flags clientFlags
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "call <worker-id> <tool-name>",
		Short: "Invoke a tool on a worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs json.RawMessage
			if argsJSON != "" {
				if !json.Valid([]byte(argsJSON)) {
					return fmt.Errorf("--args is not valid JSON")
				}
				toolArgs = json.RawMessage(argsJSON)
			}
			cl := newClient(flags)
			body := map[string]any{"id": args[0], "tool": args[1], "arguments": toolArgs}
			var out json.RawMessage
			if err := cl.post("/call", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "tool arguments as a JSON object")
	flags.register(cmd)
	return cmd
}

func printJSON(raw json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
