// Package presence tracks whether users are online. The durable per-user
// connection counter is the only authority for online/offline transitions;
// gateway processes never keep their own count.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chatsync/database"
	"chatsync/errs"
	"chatsync/fanout"
	"chatsync/metrics"
	"chatsync/models"
)

type Store interface {
	OpenSession(ctx context.Context, sess database.Session) (*models.Presence, error)
	CloseSession(ctx context.Context, connectionID string, at time.Time) (*models.Presence, error)
	GetPresence(ctx context.Context, userID string) (*models.Presence, error)
	SetPresence(ctx context.Context, userID string, online bool, lastSeen *time.Time) (*models.Presence, error)
	TouchSessions(ctx context.Context, instanceID string, at time.Time) (int64, error)
	StaleSessions(ctx context.Context, before time.Time) ([]database.Session, error)
}

type Publisher interface {
	Publish(ctx context.Context, env fanout.Envelope) error
}

type Tracker struct {
	store      Store
	bus        Publisher
	instanceID string
	staleAfter time.Duration
	metrics    *metrics.Metrics
	log        *zap.Logger
}

func NewTracker(store Store, bus Publisher, instanceID string, staleAfter time.Duration, m *metrics.Metrics, log *zap.Logger) *Tracker {
	return &Tracker{
		store:      store,
		bus:        bus,
		instanceID: instanceID,
		staleAfter: staleAfter,
		metrics:    m,
		log:        log.Named("presence"),
	}
}

// Connect registers a new connection. Only the first concurrent connection
// of a user broadcasts the online transition.
func (t *Tracker) Connect(ctx context.Context, userID, connID string) (*models.Presence, error) {
	now := database.Now()
	p, err := t.store.OpenSession(ctx, database.Session{
		ConnectionID: connID,
		UserID:       userID,
		InstanceID:   t.instanceID,
		ConnectedAt:  now,
		HeartbeatAt:  now,
	})
	if err != nil {
		return nil, err
	}
	if p.Connections == 1 {
		t.broadcast(ctx, p)
	}
	return p, nil
}

// Disconnect releases a connection. When it was the user's last one the user
// goes offline with last-seen set now, and the transition is broadcast. A
// session already reclaimed by the sweeper is ignored.
func (t *Tracker) Disconnect(ctx context.Context, connID string) (*models.Presence, error) {
	p, err := t.store.CloseSession(ctx, connID, database.Now())
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !p.IsOnline {
		t.broadcast(ctx, p)
	}
	return p, nil
}

// SetOnline forces the online flag, e.g. for a user active through another
// channel. It is idempotent and leaves the connection counter alone.
func (t *Tracker) SetOnline(ctx context.Context, userID string) error {
	prev, err := t.store.GetPresence(ctx, userID)
	if err != nil {
		return err
	}
	p, err := t.store.SetPresence(ctx, userID, true, nil)
	if err != nil {
		return err
	}
	if !prev.IsOnline {
		t.broadcast(ctx, p)
	}
	return nil
}

// SetOffline forces the offline flag with last-seen set now. Users with live
// connections stay counted and come back online on their next connection.
func (t *Tracker) SetOffline(ctx context.Context, userID string) error {
	prev, err := t.store.GetPresence(ctx, userID)
	if err != nil {
		return err
	}
	now := database.Now()
	p, err := t.store.SetPresence(ctx, userID, false, &now)
	if err != nil {
		return err
	}
	if prev.IsOnline {
		t.broadcast(ctx, p)
	}
	return nil
}

func (t *Tracker) Get(ctx context.Context, userID string) (*models.Presence, error) {
	return t.store.GetPresence(ctx, userID)
}

// Heartbeat marks every session of this instance as alive.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	_, err := t.store.TouchSessions(ctx, t.instanceID, database.Now())
	return err
}

// Sweep closes sessions whose instance stopped heartbeating, so users of a
// crashed process do not stay online forever. Sessions of this instance are
// left to its own connections.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	stale, err := t.store.StaleSessions(ctx, database.Now().Add(-t.staleAfter))
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, sess := range stale {
		if sess.InstanceID == t.instanceID {
			continue
		}
		p, err := t.Disconnect(ctx, sess.ConnectionID)
		if err != nil {
			return reclaimed, err
		}
		if p == nil {
			continue
		}
		reclaimed++
		t.log.Info("reclaimed stale session",
			zap.String("conn_id", sess.ConnectionID),
			zap.String("user_id", sess.UserID),
			zap.String("instance_id", sess.InstanceID),
		)
	}
	if t.metrics != nil && reclaimed > 0 {
		t.metrics.SessionsReclaimed.Add(float64(reclaimed))
	}
	return reclaimed, nil
}

func (t *Tracker) broadcast(ctx context.Context, p *models.Presence) {
	env, err := fanout.Encode(t.instanceID, fanout.UserStatusChanged{UserStatusPayload: models.UserStatusPayload{
		UserID:     p.UserID,
		IsOnline:   p.IsOnline,
		LastSeenAt: p.LastSeenAt,
	}})
	if err == nil {
		err = t.bus.Publish(context.WithoutCancel(ctx), env)
	}
	if err != nil {
		if t.metrics != nil {
			t.metrics.FanoutFailures.WithLabelValues(string(fanout.TypeUserStatusChanged)).Inc()
		}
		t.log.Warn("presence broadcast failed", zap.String("user_id", p.UserID), zap.Error(err))
		return
	}
	if t.metrics != nil {
		t.metrics.FanoutPublished.WithLabelValues(string(fanout.TypeUserStatusChanged)).Inc()
	}
}
