// Package coordinator wires the Job Store, the Reaper, the HTTP API,
// and the metrics collector into one process with a well-defined start
// and stop sequence.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ashikurrafi/job-distributor/internal/api"
	"github.com/ashikurrafi/job-distributor/internal/config"
	"github.com/ashikurrafi/job-distributor/internal/logging"
	"github.com/ashikurrafi/job-distributor/internal/metrics"
	"github.com/ashikurrafi/job-distributor/internal/reaper"
	"github.com/ashikurrafi/job-distributor/internal/store"
)

// Coordinator owns the lifetime of every component a running sweep
// needs: the store, the reaper loop, the HTTP API, the metrics exporter,
// and a periodic gauge-refresh loop.
type Coordinator struct {
	cfg     *config.CoordinatorConfig
	log     logging.Logger
	store   *store.Store
	reaper  *reaper.Reaper
	metrics *metrics.Collector

	apiServer     *http.Server
	metricsServer *http.Server

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New opens the store, builds the reaper and API server, and populates
// the sweep if cfg.FreshStart is set. It does not start any background
// loop or HTTP listener; call Start for that.
func New(cfg *config.CoordinatorConfig, log logging.Logger) (*Coordinator, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}

	st, err := store.Open(cfg.JobDB, log.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	collector := metrics.NewCollector()

	if cfg.FreshStart {
		paramsList, err := cartesianProduct(cfg.Parameters)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("build parameter sweep: %w", err)
		}
		if err := st.CreateJobs(paramsList, cfg.ResetAPIStats()); err != nil {
			st.Close()
			return nil, fmt.Errorf("create sweep: %w", err)
		}
		log.Info("fresh start: sweep created", "job_count", len(paramsList))
	}

	r := reaper.New(reaper.Config{
		CycleInterval:        time.Duration(cfg.PollingInterval) * time.Second,
		IdleTimeout:          time.Duration(cfg.IdleTimeout) * time.Second,
		AbortedResetTimeout:  time.Duration(cfg.AbortedJobResetTimeout) * time.Second,
		AbortedSweepInterval: time.Duration(cfg.AbortedJobResetTimeout) * time.Second,
	}, st, collector, log.With("component", "reaper"))

	apiHandler := api.New(st, collector, log.With("component", "api"), cfg.StatusChangePin)

	return &Coordinator{
		cfg:     cfg,
		log:     log,
		store:   st,
		reaper:  r,
		metrics: collector,
		apiServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.ServerPort),
			Handler: apiHandler,
		},
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the reaper loop, the gauge-refresh loop, the metrics
// exporter, and the API listener. It returns once the API listener is
// accepting connections; Serve errors after that point are logged, not
// returned, since the caller has already moved on to
// waiting for a shutdown signal.
func (c *Coordinator) Start() error {
	c.reaper.Start()

	c.wg.Add(1)
	go c.gaugeRefreshLoop()

	if c.cfg.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		c.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", c.cfg.MetricsPort),
			Handler: metricsMux,
		}

		metricsLn, err := newListener(c.metricsServer.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", c.metricsServer.Addr, err)
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.metricsServer.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	ln, err := newListener(c.apiServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.apiServer.Addr, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.apiServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("api server stopped", "error", err)
		}
	}()

	c.log.Info("coordinator started", "addr", c.apiServer.Addr)
	return nil
}

// gaugeRefreshLoop keeps the status-count gauges close to current
// without coupling every store write to a metrics call.
func (c *Coordinator) gaugeRefreshLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			counts, err := c.store.CountsByStatus()
			if err != nil {
				c.log.Warn("failed to refresh status gauges", "error", err)
				continue
			}
			c.metrics.SetStatusCounts(counts)
		}
	}
}

// Stop shuts down the API listener, the metrics listener, the reaper,
// and the gauge loop, then closes the store. The order mirrors the
// dependency chain: stop accepting new work before tearing down the
// components that work depends on.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info("stopping coordinator")

	if err := c.apiServer.Shutdown(ctx); err != nil {
		c.log.Error("api server shutdown error", "error", err)
	}
	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			c.log.Error("metrics server shutdown error", "error", err)
		}
	}

	close(c.stopCh)
	c.reaper.Stop()
	c.wg.Wait()

	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	c.log.Info("coordinator stopped")
	return nil
}
