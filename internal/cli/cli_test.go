package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "jobdist", cmd.Use)
	assert.Equal(t, "0.1.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 4, "should have 4 subcommands")

	names := make(map[string]bool)
	for _, c := range commands {
		names[c.Use] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["worker"])
	assert.True(t, names["enqueue"])
	assert.True(t, names["status"])
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "serve", cmd.Use)
	assert.NotNil(t, cmd.RunE)

	flag := cmd.Flags().Lookup("config")
	assert.NotNil(t, flag, "should have --config flag")
	assert.Equal(t, "c", flag.Shorthand)
	assert.Equal(t, "coordinator.json", flag.DefValue)
}

func TestBuildWorkerCommand(t *testing.T) {
	cmd := buildWorkerCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "worker", cmd.Use)
	assert.NotNil(t, cmd.RunE)

	configFlag := cmd.Flags().Lookup("config")
	assert.NotNil(t, configFlag)
	assert.Equal(t, "worker.json", configFlag.DefValue)

	pidFlag := cmd.Flags().Lookup("process_id")
	assert.NotNil(t, pidFlag, "should have --process_id flag")
}

func TestBuildEnqueueCommand(t *testing.T) {
	cmd := buildEnqueueCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "enqueue", cmd.Use)
	assert.NotNil(t, cmd.RunE)

	flag := cmd.Flags().Lookup("config")
	assert.NotNil(t, flag)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "status", cmd.Use)
	assert.Contains(t, cmd.Short, "job counts")
	assert.NotNil(t, cmd.RunE)

	hostFlag := cmd.Flags().Lookup("host")
	assert.NotNil(t, hostFlag)
	assert.Equal(t, "localhost", hostFlag.DefValue)

	portFlag := cmd.Flags().Lookup("port")
	assert.NotNil(t, portFlag)
	assert.Equal(t, "8000", portFlag.DefValue)
}

func TestShowStatusUnreachableCoordinator(t *testing.T) {
	err := showStatus("127.0.0.1", 1)
	assert.Error(t, err, "showStatus should fail when no coordinator is listening")
}

func TestRunServeRejectsMissingConfig(t *testing.T) {
	err := runServe("/nonexistent/coordinator.json")
	assert.Error(t, err)
}

func TestRunWorkerRejectsMissingConfig(t *testing.T) {
	err := runWorker("/nonexistent/worker.json", 0)
	assert.Error(t, err)
}
