package presence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/database"
	"chatsync/database/dbtest"
	"chatsync/fanout"
	"chatsync/metrics"
	"chatsync/presence"
)

const alice = "11111111-1111-4111-8111-111111111111"

type recorder struct {
	mu   sync.Mutex
	envs []fanout.Envelope
}

func (r *recorder) Publish(_ context.Context, env fanout.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) statuses(t *testing.T) []fanout.UserStatusChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fanout.UserStatusChanged, 0, len(r.envs))
	for _, env := range r.envs {
		ev, err := fanout.Decode(env)
		require.NoError(t, err)
		out = append(out, ev.(fanout.UserStatusChanged))
	}
	return out
}

func newTracker(t *testing.T, instanceID string) (*presence.Tracker, *database.Store, *recorder) {
	store := dbtest.New(t)
	rec := &recorder{}
	return presence.NewTracker(store, rec, instanceID, time.Minute, metrics.New(), zap.NewNop()), store, rec
}

func TestTwoConnectionsGoOfflineOnlyAfterLastCloses(t *testing.T) {
	tr, _, rec := newTracker(t, "node-a")
	ctx := context.Background()

	p, err := tr.Connect(ctx, alice, "conn-1")
	require.NoError(t, err)
	assert.True(t, p.IsOnline)

	_, err = tr.Connect(ctx, alice, "conn-2")
	require.NoError(t, err)
	require.Len(t, rec.statuses(t), 1, "second connection does not re-announce")

	_, err = tr.Disconnect(ctx, "conn-1")
	require.NoError(t, err)
	p, err = tr.Get(ctx, alice)
	require.NoError(t, err)
	assert.True(t, p.IsOnline, "one connection is still open")
	assert.Len(t, rec.statuses(t), 1)

	_, err = tr.Disconnect(ctx, "conn-2")
	require.NoError(t, err)
	p, err = tr.Get(ctx, alice)
	require.NoError(t, err)
	assert.False(t, p.IsOnline)
	require.NotNil(t, p.LastSeenAt)

	statuses := rec.statuses(t)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].IsOnline)
	assert.False(t, statuses[1].IsOnline)
	assert.Equal(t, alice, statuses[1].UserID)
	require.NotNil(t, statuses[1].LastSeenAt)
}

func TestConcurrentConnectsAnnounceOnce(t *testing.T) {
	tr, _, rec := newTracker(t, "node-a")
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := tr.Connect(ctx, alice, id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
	assert.Len(t, rec.statuses(t), 1)

	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := tr.Disconnect(ctx, id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	statuses := rec.statuses(t)
	require.Len(t, statuses, 2)
	assert.False(t, statuses[1].IsOnline)
}

func TestDisconnectOfReclaimedSessionIsIgnored(t *testing.T) {
	tr, _, rec := newTracker(t, "node-a")

	p, err := tr.Disconnect(context.Background(), "never-opened")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Empty(t, rec.statuses(t))
}

func TestSweepReclaimsSessionsOfDeadInstances(t *testing.T) {
	tr, store, rec := newTracker(t, "node-a")
	ctx := context.Background()
	old := database.Now().Add(-time.Hour)

	_, err := store.OpenSession(ctx, database.Session{ConnectionID: "dead-1", UserID: alice, InstanceID: "node-b", ConnectedAt: old, HeartbeatAt: old})
	require.NoError(t, err)
	_, err = store.OpenSession(ctx, database.Session{ConnectionID: "mine", UserID: "someone", InstanceID: "node-a", ConnectedAt: old, HeartbeatAt: old})
	require.NoError(t, err)

	n, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := tr.Get(ctx, alice)
	require.NoError(t, err)
	assert.False(t, p.IsOnline)

	statuses := rec.statuses(t)
	require.Len(t, statuses, 1)
	assert.Equal(t, alice, statuses[0].UserID)

	// Heartbeat keeps this instance's own sessions fresh.
	require.NoError(t, tr.Heartbeat(ctx))
	stale, err := store.StaleSessions(ctx, database.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestSetOnlineAndOfflineAreIdempotent(t *testing.T) {
	tr, _, rec := newTracker(t, "node-a")
	ctx := context.Background()

	require.NoError(t, tr.SetOnline(ctx, alice))
	require.NoError(t, tr.SetOnline(ctx, alice))
	require.NoError(t, tr.SetOffline(ctx, alice))
	require.NoError(t, tr.SetOffline(ctx, alice))

	statuses := rec.statuses(t)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].IsOnline)
	assert.False(t, statuses[1].IsOnline)
	assert.NotNil(t, statuses[1].LastSeenAt)
}

func TestSchedulerStartsAndStops(t *testing.T) {
	tr, _, _ := newTracker(t, "node-a")
	s, err := presence.StartScheduler(tr, 50*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, s.Shutdown())
}
