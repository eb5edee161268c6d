package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStatusMapsLegacyAlias(t *testing.T) {
	assert.Equal(t, StatusPending, NormalizeStatus(StatusNotStarted))
	assert.Equal(t, StatusDone, NormalizeStatus(StatusDone))
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusServed, StatusDone, StatusAborted} {
		assert.True(t, s.Valid())
	}
	assert.False(t, StatusNotStarted.Valid(), "aliases must be normalized before Valid is checked")
	assert.False(t, Status("BOGUS").Valid())
}

func TestJobMachineDerivesFromRequestedByPrefix(t *testing.T) {
	assert.Equal(t, "unassigned", Job{}.Machine())
	assert.Equal(t, "gpu01", Job{RequestedBy: "gpu01_pid42"}.Machine())
	assert.Equal(t, "solo", Job{RequestedBy: "solo"}.Machine())
}
