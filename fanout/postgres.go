package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"chatsync/config"
	"chatsync/errs"
)

// maxNotifyPayload is the postgres NOTIFY payload limit minus the terminator.
const maxNotifyPayload = 7999

const listenerPingInterval = 90 * time.Second

// spillRetention is how long a spilled envelope stays readable. Listeners
// fetch it as soon as the reference arrives.
const spillRetention = 10 * time.Minute

// notifier sends one NOTIFY on a channel.
type notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// spillStore holds envelopes too large for a NOTIFY payload.
type spillStore interface {
	Put(ctx context.Context, payload []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// wireEnvelope is what travels in a NOTIFY payload. A non-empty Ref means the
// envelope itself is in the spill table and Data is empty.
type wireEnvelope struct {
	Envelope
	Ref string `json:"ref,omitempty"`
}

// PostgresBus publishes with pg_notify and receives with LISTEN, so every
// process attached to the same database shares the channel.
type PostgresBus struct {
	conn     notifier
	spill    spillStore
	notify   <-chan *pq.Notification
	listener *pq.Listener
	closeDB  func() error
	channel  string
	timeout  time.Duration
	d        *dispatcher
	log      *zap.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewPostgresBus(dsn string, cfg config.FanoutConfig, log *zap.Logger) (*PostgresBus, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open fanout connection: %w", err)
	}
	db.SetMaxOpenConns(4)

	log = log.Named("fanout")
	conn := &pgConn{db: db}
	listener := pq.NewListener(dsn, cfg.MinReconnect, cfg.MaxReconnect, func(ev pq.ListenerEventType, err error) {
		onListenerEvent(log, cfg.Channel, ev, err)
	})
	if err := listener.Listen(cfg.Channel); err != nil {
		_ = listener.Close()
		_ = db.Close()
		return nil, fmt.Errorf("listen on %q: %w", cfg.Channel, err)
	}

	b := newPostgresBus(conn, conn, listener.Notify, cfg, log)
	b.listener = listener
	b.closeDB = db.Close
	go b.loop()
	return b, nil
}

// newPostgresBus builds a bus around its collaborators without starting the
// receive loop.
func newPostgresBus(conn notifier, spill spillStore, notify <-chan *pq.Notification, cfg config.FanoutConfig, log *zap.Logger) *PostgresBus {
	return &PostgresBus{
		conn:    conn,
		spill:   spill,
		notify:  notify,
		channel: cfg.Channel,
		timeout: cfg.PublishTimeout,
		d:       newDispatcher(log),
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Publish sends env inline when it fits a NOTIFY payload. Larger envelopes
// are written to the spill table and only a reference is notified.
func (b *PostgresBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errs.Validation("envelope cannot be encoded", map[string]string{"type": string(env.Type)})
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	payload := string(raw)
	if len(raw) > maxNotifyPayload {
		id, err := b.spill.Put(ctx, raw)
		if err != nil {
			return errs.Retryable("fanout spill unavailable", err)
		}
		ref, err := json.Marshal(wireEnvelope{Envelope: Envelope{Type: env.Type, Origin: env.Origin}, Ref: id})
		if err != nil {
			return errs.Internal("encode spill reference", err)
		}
		b.log.Debug("envelope spilled", zap.String("event", string(env.Type)), zap.Int("bytes", len(raw)), zap.String("ref", id))
		payload = string(ref)
	}

	if err := b.conn.Notify(ctx, b.channel, payload); err != nil {
		return errs.Retryable("fanout unavailable", err)
	}
	return nil
}

func (b *PostgresBus) Subscribe(h Handler) func() {
	return b.d.subscribe(h)
}

func (b *PostgresBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stop)
		if b.listener != nil {
			err = b.listener.Close()
		}
		<-b.done
		b.d.close()
		if b.closeDB != nil {
			if cerr := b.closeDB(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (b *PostgresBus) loop() {
	defer close(b.done)

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case n, ok := <-b.notify:
			if !ok {
				return
			}
			b.receive(n)
		case <-ticker.C:
			if b.listener == nil {
				continue
			}
			if err := b.listener.Ping(); err != nil {
				b.log.Debug("listener ping failed", zap.Error(err))
			}
		}
	}
}

// receive turns one notification into a local delivery.
func (b *PostgresBus) receive(n *pq.Notification) {
	if n == nil {
		// Sent after a reconnect: anything published meanwhile is lost.
		b.log.Warn("listener reconnected, notifications may have been missed")
		return
	}

	var w wireEnvelope
	if err := json.Unmarshal([]byte(n.Extra), &w); err != nil {
		b.log.Warn("dropping malformed envelope", zap.Error(err))
		return
	}
	if w.Ref == "" {
		b.d.deliver(w.Envelope)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	raw, err := b.spill.Get(ctx, w.Ref)
	cancel()
	if err != nil {
		b.log.Warn("dropping spilled envelope", zap.String("event", string(w.Type)), zap.String("ref", w.Ref), zap.Error(err))
		return
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.log.Warn("dropping malformed spilled envelope", zap.String("ref", w.Ref), zap.Error(err))
		return
	}
	b.d.deliver(env)
}

func onListenerEvent(log *zap.Logger, channel string, ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		log.Info("listener connected", zap.String("channel", channel))
	case pq.ListenerEventDisconnected:
		log.Warn("listener disconnected", zap.Error(err))
	case pq.ListenerEventReconnected:
		log.Info("listener reconnected", zap.String("channel", channel))
	case pq.ListenerEventConnectionAttemptFailed:
		log.Warn("listener connection attempt failed", zap.Error(err))
	}
}

// pgConn notifies and spills through the fanout connection pool.
type pgConn struct {
	db *sqlx.DB
}

func (c *pgConn) Notify(ctx context.Context, channel, payload string) error {
	_, err := c.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

func (c *pgConn) Put(ctx context.Context, payload []byte) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO fanout_spill (id, payload, created_at) VALUES ($1, $2, $3)`,
		id, string(payload), now,
	); err != nil {
		return "", err
	}
	// Expired rows go with the next spill; a failed prune is retried then.
	_, _ = c.db.ExecContext(ctx, `DELETE FROM fanout_spill WHERE created_at < $1`, now.Add(-spillRetention))
	return id, nil
}

func (c *pgConn) Get(ctx context.Context, id string) ([]byte, error) {
	var payload string
	if err := c.db.GetContext(ctx, &payload, `SELECT payload FROM fanout_spill WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return []byte(payload), nil
}
