// Package config loads the JSON configuration files for the coordinator
// and the worker agent, and validates them before the rest of the
// system trusts any field.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ashikurrafi/job-distributor/pkg/jobsvcerr"
)

// CoordinatorConfig is the coordinator's JSON configuration file (§6):
// sweep identity, listen addresses, the database file, the parameter
// sweep definition, and the Reaper's timing knobs.
type CoordinatorConfig struct {
	ExpID                     string              `json:"expId"`
	Host                      string              `json:"host"`
	ServerPort                int                 `json:"server_port"`
	DashboardPort             int                 `json:"dashboard_port"`
	MetricsPort               int                 `json:"metrics_port"`
	JobDB                     string              `json:"jobDB"`
	Parameters                map[string][]string `json:"parameters"`
	FreshStart                bool                `json:"fresh_start"`
	AbortedJobResetTimeout    int                 `json:"abortedJobResetTimeout"`
	IdleTimeout               int                 `json:"idleTimeout"`
	PollingInterval           int                 `json:"pollingInterval"`
	StatusChangePin           string              `json:"status_change_pin"`
	EnableNgrok               bool                `json:"enable_ngork"`
	ResetAPIStatsOnFreshStart *bool               `json:"reset_api_stats_on_fresh_start"`
}

// DefaultCoordinatorConfig mirrors the defaults the original task
// cleaner used: a 60s poll, a 60s idle timeout, and a 1800s aborted-job
// retry age.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		Host:                   "0.0.0.0",
		ServerPort:             8000,
		DashboardPort:          8001,
		MetricsPort:            9090,
		JobDB:                  "jobs.db",
		AbortedJobResetTimeout: 1800,
		IdleTimeout:            60,
		PollingInterval:        60,
	}
}

// LoadCoordinatorConfig reads and validates a coordinator configuration
// file. Defaults are set before the file is decoded, so they fill every
// field the file omits; a field the file sets explicitly (even to zero)
// keeps that value and is then validated.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultCoordinatorConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, jobsvcerr.Schema(fmt.Sprintf("invalid coordinator config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or invalid field at once rather than
// failing on the first one, so an operator fixes a broken config file
// in a single pass.
func (c *CoordinatorConfig) Validate() error {
	var problems []string
	if c.ExpID == "" {
		problems = append(problems, "expId is required")
	}
	if c.ServerPort <= 0 {
		problems = append(problems, "server_port must be positive")
	}
	if c.JobDB == "" {
		problems = append(problems, "jobDB is required")
	}
	if c.AbortedJobResetTimeout <= 0 {
		problems = append(problems, "abortedJobResetTimeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		problems = append(problems, "idleTimeout must be positive")
	}
	if c.PollingInterval <= 0 {
		problems = append(problems, "pollingInterval must be positive")
	}
	if len(problems) > 0 {
		return jobsvcerr.Schema(fmt.Sprintf("coordinator config invalid: %v", problems))
	}
	return nil
}

// ResetAPIStats reports whether a fresh_start should also clear API
// counters. The default, absent an explicit override, is to reset them
// (see "Open Question decisions" in DESIGN.md).
func (c *CoordinatorConfig) ResetAPIStats() bool {
	if c.ResetAPIStatsOnFreshStart == nil {
		return true
	}
	return *c.ResetAPIStatsOnFreshStart
}

// WorkerConfig is the worker agent's JSON configuration file (§6).
type WorkerConfig struct {
	ExpID                   string   `json:"expId"`
	JobServer               string   `json:"job_server"`
	Port                    int      `json:"port"`
	RunCommand              []string `json:"run_command"`
	MachineType             string   `json:"machine_type"`
	HeartBeatIntervalSecs   float64  `json:"heartBitInterval"`
	NumberOfParallelProcess int      `json:"number_of_parallel_process"`
	MaxRetries              int      `json:"max_retries"`
	RetryWaitMinSecs        float64  `json:"retry_wait_min"`
	RetryWaitMaxSecs        float64  `json:"retry_wait_max"`
}

// LoadWorkerConfig reads and validates a worker configuration file.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &WorkerConfig{
		HeartBeatIntervalSecs: 20,
		MaxRetries:            3,
		RetryWaitMinSecs:      1,
		RetryWaitMaxSecs:      30,
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, jobsvcerr.Schema(fmt.Sprintf("invalid worker config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or invalid field at once.
func (c *WorkerConfig) Validate() error {
	var problems []string
	if c.JobServer == "" {
		problems = append(problems, "job_server is required")
	}
	if len(c.RunCommand) == 0 {
		problems = append(problems, "run_command must name at least the program to execute")
	}
	if c.HeartBeatIntervalSecs <= 0 {
		problems = append(problems, "heartBitInterval must be positive")
	}
	if len(problems) > 0 {
		return jobsvcerr.Schema(fmt.Sprintf("worker config invalid: %v", problems))
	}
	return nil
}

// OneShot reports whether the worker must exit after a single job, per
// the "htc" machine class (batch-cluster environments where long-lived
// agents are hostile).
func (c *WorkerConfig) OneShot() bool {
	return c.MachineType == "htc"
}
