package remote

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/engine"
	"github.com/roach88/stepsync/internal/progress"
)

var _ engine.Gateway = (*Gateway)(nil)

var (
	t0      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	testKey = progress.SessionKey{UserID: "u1", ProjectID: "p1"}
)

// newTestGateway connects a Gateway to srv with its own client.
func newTestGateway(t *testing.T, srv *miniredis.Miniredis, opts ...Option) *Gateway {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	opts = append([]Option{WithNow(func() time.Time { return t0 })}, opts...)
	g := New(client, opts...)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestKeys(t *testing.T) {
	key := progress.SessionKey{UserID: "team:a", ProjectID: "p 1"}

	assert.Equal(t, "stepsync:session:team%3Aa:p+1", sessionKey(DefaultPrefix, key))
	assert.Equal(t, "x:changes:team%3Aa:p+1", changesChannel("x", key))
	assert.NotEqual(t,
		sessionKey("x", progress.SessionKey{UserID: "a:b", ProjectID: "c"}),
		sessionKey("x", progress.SessionKey{UserID: "a", ProjectID: "b:c"}),
	)
}

func TestDial_InvalidURL(t *testing.T) {
	_, err := Dial(context.Background(), "not-a-url")
	assert.Error(t, err)
}

func TestDial(t *testing.T) {
	srv := miniredis.RunT(t)

	g, err := Dial(context.Background(), "redis://"+srv.Addr(), WithOrigin("node-a"))
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, "node-a", g.Origin())
}

func TestCreateAndFetch(t *testing.T) {
	srv := miniredis.RunT(t)
	g := newTestGateway(t, srv)
	ctx := context.Background()

	_, found, err := g.FetchSession(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, found)

	created, err := g.CreateSession(ctx, testKey, progress.FirstPhase)
	require.NoError(t, err)
	assert.Equal(t, progress.PhaseValidation, created.CurrentPhase)

	fetched, found, err := g.FetchSession(ctx, testKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testKey, fetched.Key)
	assert.Len(t, fetched.Phases, len(progress.Phases))
	assert.True(t, srv.Exists("stepsync:session:u1:p1"))
}

func TestCreateSession_ReturnsExisting(t *testing.T) {
	srv := miniredis.RunT(t)
	g := newTestGateway(t, srv)
	ctx := context.Background()

	_, err := g.CreateSession(ctx, testKey, progress.FirstPhase)
	require.NoError(t, err)
	require.NoError(t, g.SavePhase(ctx, testKey, progress.PhaseTesting))

	again, err := g.CreateSession(ctx, testKey, progress.FirstPhase)
	require.NoError(t, err)
	assert.Equal(t, progress.PhaseTesting, again.CurrentPhase)
}

func TestSaveStep(t *testing.T) {
	srv := miniredis.RunT(t)
	g := newTestGateway(t, srv)
	ctx := context.Background()
	_, err := g.CreateSession(ctx, testKey, progress.FirstPhase)
	require.NoError(t, err)

	done := t0.Add(time.Minute)
	require.NoError(t, g.SaveStep(ctx, testKey, progress.PhaseValidation, progress.StepProgress{
		StepID:      "pitch",
		Status:      progress.StatusCompleted,
		Data:        map[string]any{"score": 9007199254740993},
		CompletedAt: &done,
	}))
	require.NoError(t, g.SaveStep(ctx, testKey, progress.PhaseValidation, progress.StepProgress{
		StepID: "survey",
		Status: progress.StatusInProgress,
	}))

	got, _, err := g.FetchSession(ctx, testKey)
	require.NoError(t, err)
	pp := got.Phases[progress.PhaseValidation]
	require.Len(t, pp.Steps, 2)
	assert.Equal(t, "pitch", pp.Steps[0].StepID)
	assert.Equal(t, json.Number("9007199254740993"), pp.Steps[0].Data["score"])
	require.NotNil(t, pp.Steps[0].CompletedAt)
	assert.True(t, pp.Steps[0].CompletedAt.Equal(done))
	assert.Equal(t, 50, pp.CompletionPercentage)
}

func TestSaveStep_Errors(t *testing.T) {
	srv := miniredis.RunT(t)
	g := newTestGateway(t, srv)
	ctx := context.Background()

	err := g.SaveStep(ctx, testKey, progress.PhaseValidation,
		progress.StepProgress{StepID: "a", Status: progress.StatusCompleted})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = g.CreateSession(ctx, testKey, progress.FirstPhase)
	require.NoError(t, err)

	err = g.SaveStep(ctx, testKey, "marketing",
		progress.StepProgress{StepID: "a", Status: progress.StatusCompleted})
	assert.True(t, progress.IsValidationError(err))

	err = g.SavePhase(ctx, progress.SessionKey{UserID: "x", ProjectID: "y"}, progress.PhaseSetup)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestBackendUnavailable(t *testing.T) {
	srv := miniredis.RunT(t)
	g := newTestGateway(t, srv)
	ctx := context.Background()
	_, err := g.CreateSession(ctx, testKey, progress.FirstPhase)
	require.NoError(t, err)

	srv.SetError("ERR injected failure")
	err = g.SavePhase(ctx, testKey, progress.PhaseSetup)
	assert.Error(t, err)

	srv.SetError("")
	assert.NoError(t, g.SavePhase(ctx, testKey, progress.PhaseSetup))
}

func TestSubscribe_DeliversOtherOrigins(t *testing.T) {
	srv := miniredis.RunT(t)
	a := newTestGateway(t, srv, WithOrigin("a"))
	b := newTestGateway(t, srv, WithOrigin("b"))
	ctx := context.Background()
	_, err := a.CreateSession(ctx, testKey, progress.FirstPhase)
	require.NoError(t, err)

	atA := make(chan progress.Session, 4)
	unsubscribe, err := a.Subscribe(ctx, testKey, func(s progress.Session) { atA <- s })
	require.NoError(t, err)
	defer unsubscribe()

	// Own writes are not echoed.
	require.NoError(t, a.SavePhase(ctx, testKey, progress.PhasePlanning))
	// Writes from another origin are.
	require.NoError(t, b.SavePhase(ctx, testKey, progress.PhaseSetup))

	select {
	case got := <-atA:
		assert.Equal(t, progress.PhaseSetup, got.CurrentPhase)
	case <-time.After(5 * time.Second):
		t.Fatal("no change received")
	}

	select {
	case extra := <-atA:
		t.Fatalf("unexpected change: %+v", extra.CurrentPhase)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	srv := miniredis.RunT(t)
	a := newTestGateway(t, srv, WithOrigin("a"))
	b := newTestGateway(t, srv, WithOrigin("b"))
	ctx := context.Background()
	_, err := b.CreateSession(ctx, testKey, progress.FirstPhase)
	require.NoError(t, err)

	got := make(chan progress.Session, 4)
	unsubscribe, err := a.Subscribe(ctx, testKey, func(s progress.Session) { got <- s })
	require.NoError(t, err)

	unsubscribe()
	unsubscribe()

	channel := changesChannel(DefaultPrefix, testKey)
	require.Eventually(t, func() bool {
		return srv.PubSubNumSub(channel)[channel] == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.SavePhase(ctx, testKey, progress.PhaseGrowth))
	select {
	case <-got:
		t.Fatal("change delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_InvalidKey(t *testing.T) {
	srv := miniredis.RunT(t)
	g := newTestGateway(t, srv)

	_, err := g.Subscribe(context.Background(), progress.SessionKey{}, func(progress.Session) {})
	assert.True(t, progress.IsValidationError(err))
}

func TestClose_EndsSubscriptions(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	g := New(client)

	_, err := g.Subscribe(context.Background(), testKey, func(progress.Session) {})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- g.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}
