package orchestrator

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/conclave/pkg/models"
)

func TestWorkflowStore_StopRequests(t *testing.T) {
	ws := NewWorkflowStore()

	_, ok := ws.StopRequested("t1")
	assert.False(t, ok)

	assert.Equal(t, models.StopPause, ws.RequestStop("t1", models.StopPause))
	assert.Equal(t, models.StopCancel, ws.RequestStop("t1", models.StopCancel))
	// A later pause never downgrades a cancel.
	assert.Equal(t, models.StopCancel, ws.RequestStop("t1", models.StopPause))

	mode, ok := ws.StopRequested("t1")
	require.True(t, ok)
	assert.Equal(t, models.StopCancel, mode)

	ws.ClearStop("t1")
	_, ok = ws.StopRequested("t1")
	assert.False(t, ok)
}

func TestWorkflowStore_LockKindsAreIndependent(t *testing.T) {
	ws := NewWorkflowStore()

	require.True(t, ws.TryAcquire(LockReview, "t1"))
	assert.False(t, ws.TryAcquire(LockReview, "t1"))
	assert.True(t, ws.TryAcquire(LockPlanned, "t1"), "planned lock must not collide with review")
	assert.True(t, ws.TryAcquire(LockReview, "t2"))

	ws.Release(LockReview, "t1")
	assert.False(t, ws.Holds(LockReview, "t1"))
	assert.True(t, ws.Holds(LockPlanned, "t1"))
	assert.True(t, ws.TryAcquire(LockReview, "t1"))

	ws.Release(LockReview, "missing")
}

func TestWorkflowStore_TryAcquireConcurrent(t *testing.T) {
	ws := NewWorkflowStore()

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ws.TryAcquire(LockReview, "t1") {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

func TestWorkflowStore_DelegationToken(t *testing.T) {
	ws := NewWorkflowStore()

	ws.SetNextDelegation(DelegationToken{OriginTaskID: "parent", ChildTaskID: "c1", SubtaskID: "s1"})
	tok, ok := ws.NextDelegation("parent")
	require.True(t, ok)
	assert.False(t, tok.ArmedAt.IsZero())

	_, ok = ws.TakeNextDelegation("parent", "c2")
	assert.False(t, ok, "a different child must not consume the token")

	tok, ok = ws.TakeNextDelegation("parent", "c1")
	require.True(t, ok)
	assert.Equal(t, "s1", tok.SubtaskID)

	_, ok = ws.TakeNextDelegation("parent", "c1")
	assert.False(t, ok)
}

func TestWorkflowStore_DelegationInFlight(t *testing.T) {
	ws := NewWorkflowStore()
	require.True(t, ws.TryStartDelegation("parent"))
	assert.False(t, ws.TryStartDelegation("parent"))
	assert.True(t, ws.TryStartDelegation("other"))
	ws.FinishDelegation("parent")
	assert.True(t, ws.TryStartDelegation("parent"))
}

func TestWorkflowStore_PresenceExpires(t *testing.T) {
	ws := NewWorkflowStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ws.now = func() time.Time { return now }

	ws.EnterMeeting("pat", now.Add(time.Minute))
	ws.EnterMeeting("erin", now.Add(2*time.Minute))
	assert.True(t, ws.InMeeting("pat"))
	assert.Equal(t, []string{"erin", "pat"}, ws.PresentAgents())

	now = now.Add(90 * time.Second)
	assert.False(t, ws.InMeeting("pat"))
	assert.Equal(t, []string{"erin"}, ws.PresentAgents())

	ws.LeaveMeeting("erin")
	assert.Empty(t, ws.PresentAgents())
}

func TestWorkflowStore_Forget(t *testing.T) {
	ws := NewWorkflowStore()
	ws.RequestStop("t1", models.StopPause)
	ws.TryAcquire(LockReview, "t1")
	ws.TryAcquire(LockPlanned, "t1")
	ws.SetRound("t1", 2)
	ws.SetNextDelegation(DelegationToken{OriginTaskID: "t1", ChildTaskID: "c1"})
	ws.TryStartDelegation("t1")

	ws.Forget("t1")

	_, ok := ws.StopRequested("t1")
	assert.False(t, ok)
	assert.False(t, ws.Holds(LockReview, "t1"))
	assert.False(t, ws.Holds(LockPlanned, "t1"))
	_, ok = ws.Round("t1")
	assert.False(t, ok)
	_, ok = ws.NextDelegation("t1")
	assert.False(t, ok)
	assert.True(t, ws.TryStartDelegation("t1"))
}
