// Package cli builds the job-distributor command line: serve runs the
// coordinator, worker runs an agent, enqueue submits a fresh sweep, and
// status prints current job counts from a running coordinator.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashikurrafi/job-distributor/internal/agent"
	"github.com/ashikurrafi/job-distributor/internal/config"
	"github.com/ashikurrafi/job-distributor/internal/coordinator"
	"github.com/ashikurrafi/job-distributor/internal/logging"
)

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jobdist",
		Short: "job-distributor: a pull-based job dispatcher for parameter sweeps",
		Long: `job-distributor coordinates a parameter sweep across a pool of worker
machines: a single coordinator hands out PENDING jobs on request, tracks
their progress via worker heartbeats, and recycles jobs whose worker
goes silent or whose subprocess fails.`,
		Version: "0.1.0",
	}

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long:  "Load a coordinator config and serve the request_job/ping/update_job_status API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "coordinator.json", "coordinator config file path")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.LoadCoordinatorConfig(configPath)
	if err != nil {
		return fmt.Errorf("load coordinator config: %w", err)
	}

	logger := logging.New(logging.DefaultConfig())
	logger.Info("loaded coordinator config", "expId", cfg.ExpID, "server_port", cfg.ServerPort)

	c, err := coordinator.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return c.Stop(ctx)
}

func buildWorkerCommand() *cobra.Command {
	var configPath string
	var processID int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker agent",
		Long:  "Poll the coordinator for jobs, run each as a subprocess, and report its outcome.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(configPath, processID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "worker.json", "worker config file path")
	cmd.Flags().IntVar(&processID, "process_id", 0, "identifies this worker among sibling processes on the same host")
	return cmd
}

func runWorker(configPath string, processID int) error {
	cfg, err := config.LoadWorkerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load worker config: %w", err)
	}

	host, hostErr := os.Hostname()
	if hostErr != nil {
		host = "localhost"
	}
	identity := fmt.Sprintf("%s@%s(%s)_%d", runnerUsername(), host, cfg.MachineType, processID)
	logger := logging.New(logging.DefaultConfig())

	a := agent.New(*cfg, identity, logger)
	return a.Run(context.Background())
}

func runnerUsername() string {
	u, err := user.Current()
	if err != nil {
		return "user"
	}
	return u.Username
}

func buildEnqueueCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Populate a fresh sweep without starting the API",
		Long:  "Load a coordinator config, build its parameter sweep, and write the resulting PENDING jobs to the database, then exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "coordinator.json", "coordinator config file path")
	return cmd
}

func runEnqueue(configPath string) error {
	cfg, err := config.LoadCoordinatorConfig(configPath)
	if err != nil {
		return fmt.Errorf("load coordinator config: %w", err)
	}
	cfg.FreshStart = true

	logger := logging.New(logging.DefaultConfig())
	c, err := coordinator.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("build sweep: %w", err)
	}
	return c.Stop(context.Background())
}

func buildStatusCommand() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts from a running coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(host, port)
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "coordinator host")
	cmd.Flags().IntVar(&port, "port", 8000, "coordinator server_port")
	return cmd
}

func showStatus(host string, port int) error {
	url := fmt.Sprintf("http://%s:%d/healthz", host, port)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("reach coordinator at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
		Jobs   struct {
			Pending int `json:"PENDING"`
			Served  int `json:"SERVED"`
			Done    int `json:"DONE"`
			Aborted int `json:"ABORTED"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode coordinator response: %w", err)
	}

	fmt.Printf("coordinator: %s\n", body.Status)
	fmt.Printf("  pending: %d\n", body.Jobs.Pending)
	fmt.Printf("  served:  %d\n", body.Jobs.Served)
	fmt.Printf("  done:    %d\n", body.Jobs.Done)
	fmt.Printf("  aborted: %d\n", body.Jobs.Aborted)
	return nil
}
