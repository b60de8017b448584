// ============================================================================
// Falcon-Monitor CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   falcon-monitor                 # Root command
//   ├── run                        # Start the batch monitor
//   │   └── --config, -c          # Specify config file
//   ├── status                     # View monitor status
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - channel: push channel URL and reconnect backoff settings
//   - snapshot: REST snapshot URL and polling cadence
//   - metrics: Prometheus monitoring configuration
//   - batches: batch ids to subscribe on startup
//
// run Command:
//   Starts the complete monitor pipeline, including:
//   1. Load config file
//   2. Create and start Controller
//   3. Start Metrics HTTP server (if enabled)
//   4. Listen for system signals (SIGINT, SIGTERM)
//   5. Gracefully shutdown
//
//   Examples:
//     ./falcon-monitor run
//     ./falcon-monitor run -c custom-config.yaml
//
// status Command:
//   Displays configuration and, when a monitor is running in-process, the
//   live connection state and per-batch statistics. Without a running
//   monitor it performs a one-shot snapshot fetch instead.
//
//   Examples:
//     ./falcon-monitor status
//
// Signal Handling:
//   run command captures the following signals and shuts down gracefully:
//   - SIGINT (Ctrl+C): User interrupt
//   - SIGTERM: System terminate request
//
// Metrics Service:
//   If enabled in config, starts HTTP service in separate goroutine:
//   - Default port: 9091
//   - Path: /metrics
//   - Format: Prometheus format
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ChuLiYu/falcon-monitor/internal/controller"
	"github.com/ChuLiYu/falcon-monitor/internal/metrics"
	"github.com/ChuLiYu/falcon-monitor/internal/poller"
	"github.com/ChuLiYu/falcon-monitor/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config represents the complete monitor configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Channel struct {
		URL           string `yaml:"url"`
		BackoffBaseMs int    `yaml:"backoff_base_ms"`
		BackoffCapMs  int    `yaml:"backoff_cap_ms"`
	} `yaml:"channel"`

	Snapshot struct {
		URL                     string `yaml:"url"`
		IntervalSeconds         int    `yaml:"interval_seconds"`
		FallbackIntervalSeconds int    `yaml:"fallback_interval_seconds"`
		TimeoutSeconds          int    `yaml:"timeout_seconds"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Batches []string `yaml:"batches"`
}

var (
	configFile string
	globalCtrl *controller.Controller
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "falcon-monitor",
		Short: "Falcon-Monitor: A test batch execution monitor",
		Long: `Falcon-Monitor tracks test batch executions by merging:
- Push channel events (low latency)
- Periodic REST snapshots (authoritative)
- Epoch-fenced reconciliation with regression guards
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the batch monitor",
		Long:  "Connect the push channel, start snapshot polling, and serve metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor()
		},
	}
	return cmd
}

func runMonitor() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting Falcon-Monitor with config: %s\n", configFile)
	log.Printf("Channel: %s, Snapshot: %s\n", cfg.Channel.URL, cfg.Snapshot.URL)

	collector := metrics.NewCollector()

	batchIDs := make([]types.BatchID, 0, len(cfg.Batches))
	for _, id := range cfg.Batches {
		batchIDs = append(batchIDs, types.BatchID(id))
	}

	ctrl, err := controller.NewController(controller.Config{
		ChannelURL:           cfg.Channel.URL,
		SnapshotURL:          cfg.Snapshot.URL,
		BatchIDs:             batchIDs,
		BackoffBase:          time.Duration(cfg.Channel.BackoffBaseMs) * time.Millisecond,
		BackoffCap:           time.Duration(cfg.Channel.BackoffCapMs) * time.Millisecond,
		PollInterval:         time.Duration(cfg.Snapshot.IntervalSeconds) * time.Second,
		PollFallbackInterval: time.Duration(cfg.Snapshot.FallbackIntervalSeconds) * time.Second,
		PollTimeout:          time.Duration(cfg.Snapshot.TimeoutSeconds) * time.Second,
		Metrics:              collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	globalCtrl = ctrl

	// Start Metrics
	if cfg.Metrics.Enabled {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Printf("Starting metrics server on %s\n", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	ctrl.Start()
	log.Println("Monitor started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("\nReceived shutdown signal, stopping gracefully...")

	ctrl.Stop()

	log.Println("Monitor stopped. Goodbye!")
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show monitor status",
		Long:  "Display batch states, connection health, and run statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║           Falcon-Monitor Status                           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	// System Configuration
	fmt.Println("📋 Configuration:")
	fmt.Printf("  └─ Config File:       %s\n", configFile)
	fmt.Printf("  └─ Channel URL:       %s\n", cfg.Channel.URL)
	fmt.Printf("  └─ Snapshot URL:      %s\n", cfg.Snapshot.URL)
	fmt.Printf("  └─ Poll Every:        %ds (fallback %ds)\n", cfg.Snapshot.IntervalSeconds, cfg.Snapshot.FallbackIntervalSeconds)
	fmt.Println()

	if globalCtrl != nil {
		printLiveStatus(globalCtrl)
	} else {
		// No in-process monitor; fetch one snapshot directly so the command
		// is still useful standalone.
		printSnapshotStatus(cfg)
	}

	// Metrics Status
	fmt.Println("📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  └─ Status: ⚠️  Disabled")
	}
	fmt.Println()

	fmt.Println("═══════════════════════════════════════════════════════════")
	return nil
}

func printLiveStatus(ctrl *controller.Controller) {
	conn := ctrl.ConnectionState()
	view := ctrl.View()

	fmt.Println("🔌 Connection:")
	fmt.Printf("  ├─ Status:             %s\n", conn.Status)
	fmt.Printf("  ├─ Reconnect Attempts: %d\n", conn.ReconnectAttempts)
	fmt.Printf("  └─ Subscribed:         %d batches\n", len(conn.SubscribedIDs))
	fmt.Println()

	fmt.Println("📊 Batches:")
	ids := make([]types.BatchID, 0, len(view))
	for id := range view {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		rec := view[id]
		fmt.Printf("  ├─ %s (%s): %s  %.0f%%\n", rec.Name, rec.ID, rec.Status, rec.Progress*100)
	}
	if len(ids) == 0 {
		fmt.Println("  └─ No batches tracked yet")
	}
	fmt.Println()

	stats := ctrl.Statistics()
	if len(stats) > 0 {
		fmt.Println("📈 Run Statistics:")
		for _, id := range ids {
			st, ok := stats[id]
			if !ok {
				continue
			}
			fmt.Printf("  ├─ %s: ✅ %d / ❌ %d (%.1f%% pass)\n", id, st.Pass, st.Fail, st.PassRate*100)
		}
		fmt.Println()
	}
}

func printSnapshotStatus(cfg *Config) {
	fmt.Println("📊 Batches (one-shot snapshot):")

	source := poller.NewHTTPSource(cfg.Snapshot.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summaries, err := source.Fetch(ctx)
	if err != nil {
		fmt.Printf("  └─ Snapshot fetch failed: %v\n", err)
		fmt.Println()
		return
	}

	for _, s := range summaries {
		fmt.Printf("  ├─ %s (%s): %s\n", s.Name, s.ID, s.Status)
	}
	if len(summaries) == 0 {
		fmt.Println("  └─ No batches reported")
	}
	fmt.Println()
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
