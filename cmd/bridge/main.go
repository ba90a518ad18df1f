package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/bridge/pkg/bridge"
	"github.com/cuemby/bridge/pkg/bridgeerr"
	"github.com/cuemby/bridge/pkg/config"
	"github.com/cuemby/bridge/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Market-data bridge between a charting application's tick archive and streaming subscribers",
	Long: `bridge watches a charting application's on-disk tick archive, turns
writes into sequenced delta messages, and fans them out over WebSocket to
streaming subscribers, with a REST/JSON API for historical and snapshot
access.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"bridge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCheckCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// exit codes per spec.md §6: 0 success, non-zero on config error, bind
// error, archive-root unreachable.
const (
	exitConfigError        = 1
	exitBindError          = 2
	exitArchiveUnreachable = 3
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge process in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		pidFile, _ := cmd.Flags().GetString("pid-file")

		cfg, err := config.Load(configPath)
		if err != nil {
			os.Exit(exitConfigError)
			return err
		}

		b, err := bridge.New(cfg)
		if err != nil {
			if kind, ok := bridgeerr.KindOf(err); ok && kind == bridgeerr.KindIOError {
				os.Exit(exitArchiveUnreachable)
			}
			os.Exit(exitConfigError)
			return err
		}

		if err := b.Start(); err != nil {
			os.Exit(exitBindError)
			return err
		}

		if pidFile != "" {
			if err := writePIDFile(pidFile); err != nil {
				log.WithComponent("bridge").Warn().Err(err).Str("path", pidFile).Msg("failed to write pid file")
			} else {
				defer os.Remove(pidFile)
			}
		}

		logger := log.WithComponent("bridge")
		logger.Info().Str("listen_addr", cfg.ListenAddr).Str("historical_addr", cfg.HistoricalAddr).Msg("bridge started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

		for {
			sig := <-sigCh
			if sig == syscall.SIGHUP {
				logger.Info().Msg("reload signal received, re-reading symbol configuration")
				symbols, err := config.LoadSymbols(cfg.SymbolsFile)
				if err != nil {
					logger.Warn().Err(err).Msg("reload failed, keeping previous configuration")
					continue
				}
				if err := b.Reload(symbols); err != nil {
					logger.Warn().Err(err).Msg("reload rejected, keeping previous configuration")
				}
				continue
			}
			logger.Info().Msg("shutting down")
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return b.Shutdown(ctx)
	},
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Signal a running bridge process to re-read its symbol configuration",
	Long: `reload sends SIGHUP to the process recorded in --pid-file. The
running process re-reads its symbols file and atomically swaps the Symbol
Registry's table; a structurally invalid file leaves the prior table in
place (see pkg/registry.Reload).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pidFile, _ := cmd.Flags().GetString("pid-file")
		pid, err := readPIDFile(pidFile)
		if err != nil {
			return fmt.Errorf("failed to read pid file %s: %w", pidFile, err)
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("failed to find process %d: %w", pid, err)
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("failed to signal process %d: %w", pid, err)
		}
		fmt.Printf("reload signal sent to pid %d\n", pid)
		return nil
	},
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the running bridge's health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("historical-addr")
		resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
		if err != nil {
			return fmt.Errorf("failed to reach historical API at %s: %w", addr, err)
		}
		defer resp.Body.Close()

		var report map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			return fmt.Errorf("failed to decode health report: %w", err)
		}
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Exit 0 if the running bridge reports status ok, non-zero otherwise",
	Long:  `Intended for container orchestrator liveness/readiness probes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("historical-addr")
		resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
		if err != nil {
			os.Exit(1)
			return nil
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	startCmd.Flags().String("config", "", "Path to the bridge configuration file")
	startCmd.Flags().String("pid-file", "", "Path to write this process's pid, for use by 'bridge reload'")

	reloadCmd.Flags().String("pid-file", "/var/run/bridge.pid", "Path to the pid file written by 'bridge start'")

	statusCmd.Flags().String("historical-addr", "127.0.0.1:8080", "Historical API address")
	healthCheckCmd.Flags().String("historical-addr", "127.0.0.1:8080", "Historical API address")
}
