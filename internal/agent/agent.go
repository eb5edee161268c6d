// Package agent implements the Worker Agent: it polls the coordinator
// for jobs, runs each one as a subprocess in its own process group,
// heartbeats while the subprocess runs, and reports the outcome.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashikurrafi/job-distributor/internal/config"
	"github.com/ashikurrafi/job-distributor/internal/logging"
	"github.com/ashikurrafi/job-distributor/internal/retry"
	"github.com/ashikurrafi/job-distributor/pkg/jobsvcerr"
	"github.com/ashikurrafi/job-distributor/pkg/types"
)

// jobOffer is the response shape of /request_job: the claimed Job, whose
// Parameters field holds a JSON-encoded object of command-line flags.
type jobOffer struct {
	types.Job
}

// parameters decodes the job's parameters string into a flag map. An
// empty or malformed string decodes to no flags rather than an error,
// since a parameterless job is valid.
func (o jobOffer) parameters() map[string]string {
	var params map[string]string
	if o.Parameters == "" {
		return params
	}
	_ = json.Unmarshal([]byte(o.Parameters), &params)
	return params
}

// Agent runs the poll-execute-report loop against one coordinator.
type Agent struct {
	cfg        config.WorkerConfig
	identity   string
	httpClient *http.Client
	retryer    retry.Policy
	// heartbeatRetryer governs ping retries specifically: a heartbeat
	// already runs on its own ticker cadence, so a growing exponential
	// wait would fight that cadence instead of complementing it. A fixed
	// delay keeps a missed ping's retry timing predictable.
	heartbeatRetryer retry.Policy
	log              logging.Logger

	// currentCmd lets a SIGINT/SIGTERM handler reach the running
	// subprocess so it can kill the whole process group, not just the
	// agent itself.
	currentCmd *exec.Cmd
}

// New builds an Agent identified as identity (typically
// "<user>@<host>(<machine_type>)_<process_id>").
func New(cfg config.WorkerConfig, identity string, log logging.Logger) *Agent {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Agent{
		cfg:              cfg,
		identity:         identity,
		httpClient:       &http.Client{Timeout: 10 * time.Second},
		retryer:          retry.NewExponentialBackoff().WithMaxRetries(cfg.MaxRetries).WithMinWait(secondsToDuration(cfg.RetryWaitMinSecs)).WithMaxWait(secondsToDuration(cfg.RetryWaitMaxSecs)),
		heartbeatRetryer: retry.NewFixedDelay(secondsToDuration(cfg.RetryWaitMinSecs), 1),
		log:              log.With("worker_id", identity),
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Run drives the poll-execute-report loop until the sweep is exhausted,
// ctx is cancelled, or (for "htc" machines) a single job has run.
func (a *Agent) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.log.Info("worker started", "job_server", a.cfg.JobServer, "machine_type", a.cfg.MachineType)

	for {
		select {
		case <-sigCtx.Done():
			a.terminateCurrent()
			return sigCtx.Err()
		default:
		}

		job, ok, err := a.requestJob(sigCtx)
		if err != nil {
			a.log.Error("request_job failed", "error", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if !ok {
			a.log.Info("no pending jobs, worker exiting")
			return nil
		}

		a.runJob(sigCtx, job)

		if a.cfg.OneShot() {
			a.log.Info("machine_type htc: exiting after one job")
			return nil
		}
	}
}

// requestJob claims the next job from the coordinator. ok is false when
// the coordinator reports the sweep exhausted (HTTP 404), not an error.
func (a *Agent) requestJob(ctx context.Context) (*jobOffer, bool, error) {
	resp, err := a.doWithRetry(ctx, a.retryer, http.MethodPost, "/request_job", map[string]string{"requested_by": a.identity})
	if err != nil {
		if svcErr, ok := err.(*jobsvcerr.Error); ok && svcErr.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer resp.Body.Close()

	var offer jobOffer
	if err := json.NewDecoder(resp.Body).Decode(&offer); err != nil {
		return nil, false, jobsvcerr.Schema("malformed request_job response")
	}

	return &offer, true, nil
}

// runJob executes one job end to end: build the command line from its
// parameters, launch it in its own process group, heartbeat while it
// runs, and report the outcome.
func (a *Agent) runJob(ctx context.Context, job *jobOffer) {
	args := append([]string{}, a.cfg.RunCommand[1:]...)
	for key, value := range job.parameters() {
		args = append(args, "--"+key, value)
	}
	basePath := fmt.Sprintf("%s/data/raw/%s/%d", os.Getenv("HOME"), a.cfg.ExpID, job.ID)
	args = append(args, "--base_path", basePath)

	cmd := exec.CommandContext(ctx, a.cfg.RunCommand[0], args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// When ctx is cancelled (SIGINT/SIGTERM reaching Run), signal the whole
	// process group through terminateCurrent instead of killing only the
	// direct child.
	cmd.Cancel = func() error {
		a.terminateCurrent()
		return nil
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	a.currentCmd = cmd
	defer func() { a.currentCmd = nil }()

	stopHeartbeat := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go a.heartbeat(job.ID, stopHeartbeat, heartbeatDone)

	a.log.Info("running job", "job_id", job.ID, "command", a.cfg.RunCommand)
	runErr := cmd.Run()

	close(stopHeartbeat)
	<-heartbeatDone

	if runErr == nil {
		a.reportStatus(ctx, job.ID, types.StatusDone, fmt.Sprintf("%s finished successfully.", a.identity))
		return
	}
	a.reportStatus(ctx, job.ID, types.StatusAborted, fmt.Sprintf("execution failed at %s: %v", a.identity, runErr))
}

// heartbeat pings the coordinator every HeartBeatIntervalSecs less 300ms
// (the padding absorbs network jitter) until stopCh closes, then signals
// heartbeatDone. Using a ticker rather than
// sleeping the full interval keeps it responsive to cancellation: a
// sleep-based loop could block up to one full interval past stopCh
// closing.
func (a *Agent) heartbeat(id types.JobID, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := secondsToDuration(a.cfg.HeartBeatIntervalSecs)
	if interval <= 0 {
		interval = 20 * time.Second
	}
	if interval > 300*time.Millisecond {
		interval -= 300 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := a.doWithRetry(context.Background(), a.heartbeatRetryer, http.MethodPost, "/ping", map[string]any{"id": id}); err != nil {
				a.log.Warn("ping failed", "job_id", id, "error", err)
			}
		}
	}
}

func (a *Agent) reportStatus(ctx context.Context, id types.JobID, status types.Status, message string) {
	body := map[string]any{"job_id": id, "status": status, "message": message}
	if _, err := a.doWithRetry(ctx, a.retryer, http.MethodPost, "/update_job_status", body); err != nil {
		a.log.Error("update_job_status failed", "job_id", id, "status", status, "error", err)
		return
	}
	a.log.Info("job finished", "job_id", id, "status", status)
}

// terminateCurrent sends SIGTERM to the current subprocess's entire
// process group, matching the original cleanup handler's killpg call so
// a child's own subprocesses don't survive the agent.
func (a *Agent) terminateCurrent() {
	cmd := a.currentCmd
	if cmd == nil || cmd.Process == nil {
		return
	}
	a.log.Info("terminating subprocess group", "pid", cmd.Process.Pid)
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		a.log.Warn("failed to signal process group", "error", err)
	}
}

// doWithRetry issues one JSON POST/GET against the job server, retrying
// transient failures per the given policy.
func (a *Agent) doWithRetry(ctx context.Context, policy retry.Policy, method, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, jobsvcerr.Schema("failed to encode request body")
	}

	url := fmt.Sprintf("%s:%d%s", a.cfg.JobServer, a.cfg.Port, path)

	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
		if err != nil {
			return nil, jobsvcerr.Schema("failed to build request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err == nil && resp.StatusCode < 300 {
			return resp, nil
		}

		if err != nil {
			lastErr = jobsvcerr.TransientNetwork(fmt.Sprintf("%s %s failed", method, path), err)
		} else {
			statusErr := jobsvcerr.TransientNetwork(fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode), nil)
			statusErr.StatusCode = resp.StatusCode
			lastErr = statusErr
			resp.Body.Close()
		}

		if !policy.ShouldRetry(ctx, resp, err, attempt) {
			return nil, lastErr
		}

		wait := policy.WaitTime(attempt)
		a.log.Warn("retrying request", "path", path, "attempt", attempt, "wait", wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
