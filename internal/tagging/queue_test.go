package tagging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(id string) *job {
	return &job{Job: Job{ID: id, Status: StatusQueued}}
}

func TestQueue_FIFO(t *testing.T) {
	q := newQueue()
	assert.Zero(t, q.len())
	assert.Nil(t, q.pop())

	q.put(testJob("job-1"))
	q.put(testJob("job-2"))
	q.put(testJob("job-3"))
	assert.Equal(t, 3, q.len())

	assert.Equal(t, "job-1", q.pop().ID)
	assert.Equal(t, "job-2", q.pop().ID)
	assert.Equal(t, "job-3", q.pop().ID)
	assert.Nil(t, q.pop())
}

func TestQueue_Remove(t *testing.T) {
	q := newQueue()
	q.put(testJob("job-1"))
	q.put(testJob("job-2"))
	q.put(testJob("job-3"))

	assert.True(t, q.remove("job-2"))
	assert.False(t, q.remove("job-2"))
	assert.False(t, q.remove("job-missing"))

	assert.Equal(t, "job-1", q.pop().ID)
	assert.Equal(t, "job-3", q.pop().ID)
	assert.Nil(t, q.pop())
}

func TestQueue_NotifyCoalesces(t *testing.T) {
	q := newQueue()
	q.put(testJob("job-1"))
	q.put(testJob("job-2"))

	// Multiple puts collapse into a single pending notification.
	select {
	case <-q.notify:
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-q.notify:
		t.Fatal("expected notifications to coalesce")
	default:
	}
}

func TestJobSnapshot_IsDetached(t *testing.T) {
	j := testJob("job-1")
	j.Errors = []JobError{{ImageID: "img-1", Error: "boom"}}

	snap := j.snapshot()
	require.Len(t, snap.Errors, 1)

	j.Errors[0].Error = "changed"
	j.Done = 5
	assert.Equal(t, "boom", snap.Errors[0].Error)
	assert.Zero(t, snap.Done)
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusCancelling.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusError.Terminal())
}
