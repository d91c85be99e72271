package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/serverseeker/internal/api"
	"github.com/anstrom/serverseeker/internal/config"
	"github.com/anstrom/serverseeker/internal/daemon"
	"github.com/anstrom/serverseeker/internal/logging"
)

const (
	daemonStopProgressStep = 5 * time.Second
	statusFetchTimeout     = 5 * time.Second
)

var daemonPidFile string

// runCmd starts the crawler in the foreground.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the crawler in the foreground",
	Long: `Connect to the database, apply migrations, sync the country dataset when
enabled and run the configured sweep until it completes or the process
receives SIGINT or SIGTERM.`,
	Example: `  serverseeker run
  serverseeker run --mode rescan
  serverseeker run --config /etc/serverseeker/config.yaml`,
	RunE: runDaemonStart,
}

// daemonCmd groups process management commands.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the crawler process",
	Example: `  serverseeker daemon start
  serverseeker daemon stop
  serverseeker daemon status`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the crawler (same as run)",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running crawler",
	Long: `Send SIGTERM to the crawler named in the PID file and wait for it to
drain in-flight attempts and exit.`,
	RunE: runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the crawler runs and how far its sweep is",
	RunE:  runDaemonStatus,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)

	daemonCmd.PersistentFlags().StringVar(&daemonPidFile, "pid-file", "",
		"PID file (default is daemon.pid_file from the config)")
}

func runDaemonStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if daemonPidFile != "" {
		cfg.Daemon.PIDFile = daemonPidFile
	}

	if verbose {
		fmt.Fprintf(cmd.OutOrStdout(), "Starting serverseeker in %s mode\n", cfg.Scanner.Mode)
	}

	d := daemon.New(cfg, logging.Default())
	return d.Start()
}

func runDaemonStop(cmd *cobra.Command, _ []string) error {
	pidFile, cfg, err := resolvePIDFile()
	if err != nil {
		return err
	}

	pid, err := readPIDFile(pidFile)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Daemon is not running (%v)\n", err)
		return nil
	}
	if !processAlive(pid) {
		fmt.Fprintf(cmd.OutOrStdout(), "Daemon is not running (stale PID file %s)\n", pidFile)
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("error finding daemon process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("error sending stop signal to daemon: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stopping daemon (PID %d)...\n", pid)
	timeout := cfg.Daemon.ShutdownTimeout * 2
	deadline := time.Now().Add(timeout)
	nextProgress := time.Now().Add(daemonStopProgressStep)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped successfully")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
		if time.Now().After(nextProgress) {
			fmt.Fprintln(cmd.OutOrStdout(), "Waiting for in-flight attempts to drain...")
			nextProgress = nextProgress.Add(daemonStopProgressStep)
		}
	}
	return fmt.Errorf("daemon (PID %d) did not stop within %s", pid, timeout)
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	pidFile, cfg, err := resolvePIDFile()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, err := readPIDFile(pidFile)
	if err != nil || !processAlive(pid) {
		fmt.Fprintf(out, "Status: Not running (PID file: %s)\n", pidFile)
		return nil
	}
	fmt.Fprintf(out, "Status: Running (PID %d)\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", time.Since(info.ModTime()).Round(time.Second))
	}

	if !cfg.Metrics.Enabled {
		fmt.Fprintln(out, "Sweep details need metrics.enabled for the status endpoint")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), statusFetchTimeout)
	defer cancel()
	status, err := fetchSweepStatus(ctx, "http://"+cfg.GetMetricsAddress())
	if err != nil {
		return fmt.Errorf("error querying status endpoint: %w", err)
	}
	renderSweepStatus(out, status)
	return nil
}

// resolvePIDFile prefers --pid-file over the configured path.
func resolvePIDFile() (string, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", nil, fmt.Errorf("error loading config: %w", err)
	}
	pidFile := daemonPidFile
	if pidFile == "" {
		pidFile = cfg.Daemon.PIDFile
	}
	if pidFile == "" {
		return "", nil, fmt.Errorf("no PID file configured; set daemon.pid_file or --pid-file")
	}
	return pidFile, cfg, nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in %s", path)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func fetchSweepStatus(ctx context.Context, baseURL string) (*api.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/status", http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("invalid status response: %w", err)
	}
	return &status, nil
}

func renderSweepStatus(w io.Writer, s *api.StatusResponse) {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	rows := [][]string{
		{"sweep", s.SweepID},
		{"mode", s.Mode},
		{"phase", s.Phase},
		{"pass", strconv.FormatUint(s.Pass, 10)},
		{"progress", fmt.Sprintf("%d/%d (%.2f%%)", s.Cursor, s.Total, s.Progress*100)},
		{"attempted", strconv.FormatUint(s.Attempted, 10)},
		{"succeeded", strconv.FormatUint(s.Succeeded, 10)},
		{"failed", strconv.FormatUint(s.Failed, 10)},
		{"sink written", strconv.FormatUint(s.SinkWritten, 10)},
		{"sink failed", strconv.FormatUint(s.SinkFailed, 10)},
		{"elapsed", s.Elapsed},
	}

	kinds := make([]string, 0, len(s.ByOutcome))
	for kind := range s.ByOutcome {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		rows = append(rows, []string{"outcome " + kind, strconv.FormatUint(s.ByOutcome[kind], 10)})
	}

	for _, row := range rows {
		_ = table.Append(row)
	}
	_ = table.Render()
}
