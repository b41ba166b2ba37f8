package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/progress"
	"github.com/roach88/stepsync/internal/testutil"
)

// stallingGateway holds its first SaveStep until release is closed.
type stallingGateway struct {
	*testutil.MemoryGateway
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingGateway(now func() time.Time) *stallingGateway {
	return &stallingGateway{
		MemoryGateway: testutil.NewMemoryGateway(now),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *stallingGateway) SaveStep(ctx context.Context, key progress.SessionKey, phase progress.Phase, step progress.StepProgress) error {
	stall := false
	g.once.Do(func() { stall = true })
	if stall {
		close(g.entered)
		<-g.release
	}
	return g.MemoryGateway.SaveStep(ctx, key, phase, step)
}

func newStallingEngine(t *testing.T) (*Engine, *stallingGateway, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(t0)
	gw := newStallingGateway(clock.Now)
	eng := New(gw, WithClock(clock), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	_, err := eng.InitializeProgress(context.Background(), testKey)
	require.NoError(t, err)
	return eng, gw, clock
}

// startDebouncedSave fires the debounce timer on its own goroutine and waits
// until the resulting save is stuck inside the gateway.
func startDebouncedSave(t *testing.T, clock *testutil.FakeClock, gw *stallingGateway) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		clock.Advance(DefaultDebounce)
	}()
	select {
	case <-gw.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("debounced save never reached the gateway")
	}
	return done
}

func TestEngine_OverlappingSavesKeepNewestState(t *testing.T) {
	eng, gw, clock := newStallingEngine(t)
	ctx := context.Background()

	_, err := eng.UpdateStep(ctx, testKey, progress.StepUpdate{Phase: progress.PhaseSetup, StepID: "s1", Status: progress.StatusInProgress})
	require.NoError(t, err)
	advanced := startDebouncedSave(t, clock, gw)

	_, err = eng.UpdateStep(ctx, testKey, progress.StepUpdate{Phase: progress.PhaseSetup, StepID: "s1", Status: progress.StatusCompleted})
	require.NoError(t, err)

	flushed := make(chan error, 1)
	go func() { flushed <- eng.ForceFlush(ctx, testKey) }()

	select {
	case err := <-flushed:
		t.Fatalf("flush finished while another save of the session was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gw.release)
	<-advanced
	require.NoError(t, <-flushed)

	saves := gw.CallsTo(testutil.OpSaveStep)
	require.Len(t, saves, 2)
	assert.Equal(t, progress.StatusInProgress, saves[0].Step.Status)
	assert.Equal(t, progress.StatusCompleted, saves[1].Step.Status)

	stored, ok := gw.Stored(testKey)
	require.True(t, ok)
	step, ok := stored.Phases[progress.PhaseSetup].Step("s1")
	require.True(t, ok)
	assert.Equal(t, progress.StatusCompleted, step.Status, "the newer write lands last")

	_, pending := eng.Pending(testKey)
	assert.False(t, pending)
}

func TestEngine_RefreshWaitsForRunningSave(t *testing.T) {
	eng, gw, clock := newStallingEngine(t)
	ctx := context.Background()

	_, err := eng.UpdateStep(ctx, testKey, progress.StepUpdate{Phase: progress.PhaseSetup, StepID: "s1", Status: progress.StatusCompleted})
	require.NoError(t, err)
	advanced := startDebouncedSave(t, clock, gw)

	type result struct {
		s   progress.Session
		err error
	}
	refreshed := make(chan result, 1)
	go func() {
		s, err := eng.Refresh(ctx, testKey)
		refreshed <- result{s, err}
	}()

	select {
	case <-refreshed:
		t.Fatal("refresh reloaded while a save of the session was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(gw.release)
	<-advanced
	res := <-refreshed
	require.NoError(t, res.err)

	step, ok := res.s.Phases[progress.PhaseSetup].Step("s1")
	require.True(t, ok, "the reload sees the save that was in flight")
	assert.Equal(t, progress.StatusCompleted, step.Status)
}

func TestEngine_FlushGivesUpWhenContextEndsWhileWaiting(t *testing.T) {
	eng, gw, clock := newStallingEngine(t)
	ctx := context.Background()

	_, err := eng.UpdateStep(ctx, testKey, progress.StepUpdate{Phase: progress.PhaseSetup, StepID: "s1", Status: progress.StatusInProgress})
	require.NoError(t, err)
	advanced := startDebouncedSave(t, clock, gw)

	_, err = eng.UpdateStep(ctx, testKey, progress.StepUpdate{Phase: progress.PhaseSetup, StepID: "s2", Status: progress.StatusInProgress})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = eng.ForceFlush(waitCtx, testKey)
	require.Error(t, err)
	assert.True(t, IsSyncError(err))

	op, ok := eng.Pending(testKey)
	require.True(t, ok)
	assert.Equal(t, []progress.StepRef{{Phase: progress.PhaseSetup, StepID: "s2"}}, op.DirtySteps)
	assert.True(t, op.SaveScheduled, "the abandoned items get a debounce timer again")

	close(gw.release)
	<-advanced
}

func TestEngine_CloseStopsWaitingWhenContextEnds(t *testing.T) {
	eng, gw, clock := newStallingEngine(t)
	ctx := context.Background()

	_, err := eng.UpdateStep(ctx, testKey, progress.StepUpdate{Phase: progress.PhaseSetup, StepID: "s1", Status: progress.StatusInProgress})
	require.NoError(t, err)
	advanced := startDebouncedSave(t, clock, gw)

	closeCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = eng.Close(closeCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = eng.GetProgress(ctx, testKey)
	assert.ErrorIs(t, err, ErrClosed)

	close(gw.release)
	<-advanced
	assert.NoError(t, eng.Close(ctx), "Close stays idempotent")
}
