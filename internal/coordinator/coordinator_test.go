package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashikurrafi/job-distributor/internal/config"
	"github.com/ashikurrafi/job-distributor/internal/logging"
)

func freePort(t *testing.T) int {
	t.Helper()
	return 20000 + (int(time.Now().UnixNano()) % 10000)
}

func TestCartesianProductIsDeterministicAndComplete(t *testing.T) {
	combos, err := cartesianProduct(map[string][]string{
		"lr":   {"0.1", "0.2"},
		"seed": {"1", "2"},
	})
	require.NoError(t, err)
	assert.Len(t, combos, 4)

	again, err := cartesianProduct(map[string][]string{
		"lr":   {"0.1", "0.2"},
		"seed": {"1", "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, combos, again)
}

func TestCartesianProductEmptyParameters(t *testing.T) {
	combos, err := cartesianProduct(nil)
	require.NoError(t, err)
	assert.Nil(t, combos)
}

func TestCoordinatorStartAndStopServesRequestJob(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	port := freePort(t)
	cfg := &config.CoordinatorConfig{
		ExpID:                  "exp1",
		Host:                   "127.0.0.1",
		ServerPort:             port,
		JobDB:                  filepath.Join(t.TempDir(), "jobs.db"),
		FreshStart:             true,
		Parameters:             map[string][]string{"lr": {"0.1"}},
		AbortedJobResetTimeout: 1800,
		IdleTimeout:            60,
		PollingInterval:        60,
	}

	c, err := New(cfg, logging.NoOpLogger{})
	require.NoError(t, err)
	require.NoError(t, c.Start())

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, c.Stop(ctx))
	}()

	// The API listener may take a moment to come up after Start returns
	// when Serve is still entering its accept loop.
	requestBody, err := json.Marshal(map[string]string{"requested_by": "worker-a"})
	require.NoError(t, err)

	var resp *http.Response
	for i := 0; i < 20; i++ {
		resp, err = http.Post(fmt.Sprintf("http://127.0.0.1:%d/request_job", port), "application/json", bytes.NewReader(requestBody))
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(0), body["id"])
}
