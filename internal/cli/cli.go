// ============================================================================
// RoadGuard CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running the central service and talking to it
//
// Command Structure:
//   roadguard                          # Root command
//   ├── serve                          # Start the central service
//   │   └── --addr                     # Override server.addr
//   ├── plan                           # Offline decision calculator
//   │   └── --node, --blocked, --severity
//   ├── incidents list | get <id>      # Query incidents
//   ├── review confirm | reject <id>   # Submit a reviewer decision
//   ├── redispatch <id>                # Resend a failed command
//   ├── audit [id]                     # Audit trail
//   ├── nodes                          # Node connection state
//   ├── status                         # Service status
//   ├── journal [--entries]            # Inspect the local incident journal
//   ├── --config, -c                   # Config file (default: configs/roadguard.yaml)
//   ├── --server                       # API base URL for client commands
//   └── --json                         # Raw JSON output
//
// Configuration Management:
//   Config is loaded through viper (internal/config). Flags bound with
//   BindPFlag take precedence over ROADGUARD_* environment variables, which
//   take precedence over the YAML file and the built-in defaults.
//
// serve Command:
//   1. Load config and configure slog (log.level / log.format)
//   2. Create and start the Controller (snapshot recovery happens here)
//   3. Serve the HTTP API, the node WebSocket and /metrics on server.addr
//   4. Wait for SIGINT / SIGTERM
//   5. Shut the HTTP server down within server.shutdown_timeout, then stop
//      the Controller (final snapshot)
//
//   Examples:
//     ./roadguard serve
//     ./roadguard serve -c custom.yaml --addr :9000
//
// Client Commands:
//   incidents / review / redispatch / audit / nodes / status call the HTTP API
//   at --server. Tables are colored only when stdout is a terminal.
//
//   Examples:
//     ./roadguard incidents list --status pending_review
//     ./roadguard review confirm inc-123 --speed 60 --lanes blocked,right,open
//     ./roadguard review reject inc-123 --message "false alarm"
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/roadguard/internal/config"
	"github.com/ChuLiYu/roadguard/internal/controller"
	"github.com/ChuLiYu/roadguard/internal/decision"
	"github.com/ChuLiYu/roadguard/internal/nodes"
	"github.com/ChuLiYu/roadguard/internal/server"
	"github.com/ChuLiYu/roadguard/internal/storage/wal"
	"github.com/ChuLiYu/roadguard/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "1.0.0"

const (
	defaultConfigFile = "configs/roadguard.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// app holds the state shared by one command tree.
type app struct {
	v          *viper.Viper
	configFile string
	jsonOut    bool
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	a := &app{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:   "roadguard",
		Short: "RoadGuard: accident review and lane control for roadside nodes",
		Long: `RoadGuard receives accident reports from roadside nodes, suggests a lane
configuration and speed limit, and delivers the reviewed decision back to
the node:
- Severity analysis and lane matching on a worker pool
- Human review with a deadline
- Acknowledged, retried command delivery over WebSocket
- Snapshot-based recovery and an SQLite audit trail`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", defaultConfigFile, "config file path")
	rootCmd.PersistentFlags().String("server", defaultServerURL, "RoadGuard API base URL for client commands")
	rootCmd.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output JSON")
	_ = a.v.BindPFlag("client.server", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.AddCommand(a.buildServeCommand())
	rootCmd.AddCommand(a.buildPlanCommand())
	rootCmd.AddCommand(a.buildIncidentsCommand())
	rootCmd.AddCommand(a.buildReviewCommand())
	rootCmd.AddCommand(a.buildRedispatchCommand())
	rootCmd.AddCommand(a.buildAuditCommand())
	rootCmd.AddCommand(a.buildNodesCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildJournalCommand())

	return rootCmd
}

// loadConfig reads the config file. A missing file at the default path falls
// back to the built-in defaults; an explicit path must exist.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := a.configFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(a.v, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// serve
// ============================================================================

func (a *app) buildServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the RoadGuard central service",
		Long:  "Start the incident registry, the node gateway and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format))
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	logger.Info("Starting RoadGuard", "version", Version, "addr", cfg.Server.Addr)

	ctrl, err := controller.NewController(cfg)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	srvCfg := server.Config{
		Incidents: ctrl.Registry(),
		Gateway:   ctrl.Gateway(),
		Metrics:   ctrl.MetricsHandler(),
		Status:    ctrl.Status,
		Version:   Version,
	}
	if store := ctrl.Audit(); store != nil {
		srvCfg.Audit = store
	}
	handler, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	httpServer := &http.Server{Handler: handler}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", lis.Addr().String())
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal, stopping gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("System stopped. Goodbye!")
	return nil
}

// newLogger builds the process logger from log.level and log.format.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ============================================================================
// plan
// ============================================================================

func (a *app) buildPlanCommand() *cobra.Command {
	var (
		nodeID   string
		blocked  []int
		severity int
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the suggested decision for a node without a running service",
		Long: `Run the decision engine against the configured nodes and policy.
Blocked lanes are given by lane id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			var sev *int
			if cmd.Flags().Changed("severity") {
				sev = &severity
			}
			return a.plan(cmd.OutOrStdout(), cfg, nodeID, blocked, sev)
		},
	}

	cmd.Flags().StringVar(&nodeID, "node", "", "node id")
	cmd.Flags().IntSliceVar(&blocked, "blocked", nil, "blocked lane ids (comma separated)")
	cmd.Flags().IntVar(&severity, "severity", 0, "severity 0-5 (omit when unknown)")
	_ = cmd.MarkFlagRequired("node")

	return cmd
}

func (a *app) plan(w io.Writer, cfg *config.Config, nodeID string, blockedIDs []int, severity *int) error {
	reg, err := nodes.Load(cfg.Nodes.File)
	if err != nil {
		return err
	}
	node, ok := reg.Node(nodeID)
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}

	byID := make(map[int]types.Lane, len(node.Lanes))
	for _, l := range node.Lanes {
		byID[l.ID] = l
	}
	blocked := make([]types.Lane, 0, len(blockedIDs))
	for _, id := range blockedIDs {
		lane, ok := byID[id]
		if !ok {
			lane = types.Lane{ID: id}
		}
		blocked = append(blocked, lane)
	}

	s := decision.New(cfg.Policy).Suggest(node, blocked, severity)
	if a.jsonOut {
		return printJSON(w, s)
	}

	tw := newTable(w)
	tw.SetTitle(fmt.Sprintf("%s  base %d km/h", node.ID, node.BaseSpeedLimit))
	tw.AppendHeader(table.Row{"Lane ID", "Number", "Name", "State"})
	for i, lane := range types.SortLanes(node.Lanes) {
		state := types.LaneOpen
		if i < len(s.Decision.LaneConfiguration) {
			state = s.Decision.LaneConfiguration[i]
		}
		tw.AppendRow(table.Row{lane.ID, lane.LaneNumber, lane.Name, state})
	}
	tw.AppendFooter(table.Row{"", "", "Speed limit", s.Decision.SpeedLimit})
	tw.AppendFooter(table.Row{"", "", "Action", s.Recommendation})
	tw.Render()

	for _, f := range s.Fallbacks {
		fmt.Fprintf(w, "fallback: %s\n", f)
	}
	return nil
}

// ============================================================================
// journal
// ============================================================================

func (a *app) buildJournalCommand() *cobra.Command {
	var entries bool

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the local incident journal",
		Long: `Read journal.path directly and show what a restart would replay on top
of the latest snapshot. Safe to run while the service is up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			return a.journal(cmd.OutOrStdout(), cfg.Journal.Path, entries)
		},
	}

	cmd.Flags().BoolVar(&entries, "entries", false, "list every journal entry")
	return cmd
}

func (a *app) journal(w io.Writer, path string, withEntries bool) error {
	if path == "" {
		return errors.New("journal.path is not configured")
	}
	stats, err := wal.GetStats(path)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	var list []wal.Entry
	if withEntries {
		if list, err = wal.ReadAll(path); err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}
	}

	if a.jsonOut {
		if withEntries {
			return printJSON(w, struct {
				Stats   *wal.Stats  `json:"stats"`
				Entries []wal.Entry `json:"entries"`
			}{stats, list})
		}
		return printJSON(w, stats)
	}

	tw := newTable(w)
	tw.SetTitle(stats.Path)
	tw.AppendRows([]table.Row{
		{"Size", fmt.Sprintf("%d bytes", stats.Size)},
		{"Entries", stats.Entries},
		{"Incidents", stats.Incidents},
		{"Seq", fmt.Sprintf("%d - %d", stats.FirstSeq, stats.LastSeq)},
		{"Torn tail", stats.TornTail},
	})
	if !stats.LastWrite.IsZero() {
		tw.AppendRow(table.Row{"Last write", stats.LastWrite.Format(time.RFC3339)})
	}
	tw.Render()

	if !withEntries || len(list) == 0 {
		return nil
	}
	et := newTable(w)
	et.AppendHeader(table.Row{"Seq", "Time", "Kind", "Incident", "Status"})
	for _, e := range list {
		id, status := "?", "?"
		if inc, err := e.Decode(); err == nil {
			id, status = string(inc.ID), string(inc.Status)
		}
		et.AppendRow(table.Row{e.Seq, time.UnixMilli(e.Timestamp).Format(time.RFC3339), e.Kind, id, status})
	}
	et.Render()
	return nil
}
