package client

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrderPreserved(t *testing.T) {
	q := NewOfflineQueue(8, time.Minute)
	now := time.Now()
	for i := 0; i < 5; i++ {
		q.Push(fmt.Sprintf("track/track-1/step/%d", i), json.RawMessage(`{"active":true,"velocity":1}`), now)
	}

	drained := q.Drain(now)
	require.Len(t, drained, 5)
	for i, e := range drained {
		assert.Equal(t, fmt.Sprintf("track/track-1/step/%d", i), e.Target)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueCountBoundDropsOldest(t *testing.T) {
	q := NewOfflineQueue(3, time.Minute)
	now := time.Now()
	for i := 0; i < 5; i++ {
		q.Push(fmt.Sprintf("t%d", i), json.RawMessage(`1`), now)
	}

	drained := q.Drain(now)
	require.Len(t, drained, 3)
	assert.Equal(t, "t2", drained[0].Target)
	assert.Equal(t, "t4", drained[2].Target)
	assert.Equal(t, uint64(2), q.Dropped())
}

func TestQueueAgeBound(t *testing.T) {
	q := NewOfflineQueue(8, time.Minute)
	now := time.Now()
	q.Push("stale", json.RawMessage(`1`), now.Add(-2*time.Minute))
	q.Push("fresh", json.RawMessage(`2`), now.Add(-10*time.Second))

	drained := q.Drain(now)
	require.Len(t, drained, 1)
	assert.Equal(t, "fresh", drained[0].Target)
	assert.Equal(t, uint64(1), q.Dropped())
}
