package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoordinator_AllSucceed(t *testing.T) {
	c := New(3)
	for i := 0; i < 3; i++ {
		c.RecordOutcome(true)
		c.SignalFinished()
	}

	assert.True(t, c.WaitUntilFinished(time.Second))
	assert.Equal(t, Finished, c.State())
	assert.True(t, c.Succeeded())
}

func TestCoordinator_OneFailureFailsAggregateButDoesNotCancelPeers(t *testing.T) {
	c := New(2)

	c.RecordOutcome(false)
	c.SignalFinished()
	assert.False(t, c.IsCancelled(), "a single synchronizer failure must not cancel its peers")

	c.RecordOutcome(true)
	c.SignalFinished()

	assert.True(t, c.WaitUntilFinished(time.Second))
	assert.False(t, c.Succeeded())
}

func TestCoordinator_CancelFlipsStateAndVerdict(t *testing.T) {
	c := New(1)

	c.Cancel()
	assert.True(t, c.IsCancelled())
	assert.Equal(t, Cancelled, c.State())
	assert.False(t, c.Succeeded())
	assert.False(t, c.SignalMoreWorkToDo())

	c.SignalFinished()
	assert.Equal(t, Finished, c.State(), "remaining reaching zero still takes priority once signalled")
}

func TestCoordinator_WaitUntilFinishedTimesOut(t *testing.T) {
	c := New(1)
	assert.False(t, c.WaitUntilFinished(10*time.Millisecond))
	assert.Equal(t, Running, c.State())
}

func TestCoordinator_SignalMoreWorkToDoAllowedWhileRunning(t *testing.T) {
	c := New(1)
	assert.True(t, c.SignalMoreWorkToDo())
}
