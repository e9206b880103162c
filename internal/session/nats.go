package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "watchparty.sessions"

type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: DefaultSubjectPrefix,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// ConnectNATS dials the NATS server with reconnect handling that logs through slog.
func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("watchparty"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Error("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS error", "subject", subject, "error", err)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSBroadcaster fans session writes out through NATS so that viewers
// connected to any server instance observe every write. Local subscribers of a
// session share a single NATS subscription that lives while at least one of
// them is registered.
type NATSBroadcaster struct {
	nc     *nats.Conn
	prefix string
	hub    *Hub

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func NewNATSBroadcaster(nc *nats.Conn, prefix string) *NATSBroadcaster {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSBroadcaster{
		nc:     nc,
		prefix: prefix,
		hub:    NewHub(),
		subs:   make(map[string]*nats.Subscription),
	}
}

func (b *NATSBroadcaster) subject(id string) string {
	return b.prefix + "." + id
}

func (b *NATSBroadcaster) Publish(_ context.Context, id string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if err := b.nc.Publish(b.subject(id), data); err != nil {
		return fmt.Errorf("publish to %s: %w", b.subject(id), err)
	}
	return nil
}

func (b *NATSBroadcaster) Subscribe(id string, fn func(State)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		sub, err := b.nc.Subscribe(b.subject(id), func(msg *nats.Msg) {
			b.deliver(id, msg)
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe to %s: %w", b.subject(id), err)
		}
		b.subs[id] = sub
	}

	unsubscribe, _ := b.hub.Subscribe(id, fn)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			unsubscribe()
			if b.hub.Subscribers(id) > 0 {
				return
			}
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				if err := sub.Unsubscribe(); err != nil {
					slog.Warn("failed to drop NATS subscription", "session_id", id, "error", err)
				}
			}
		})
	}, nil
}

func (b *NATSBroadcaster) deliver(id string, msg *nats.Msg) {
	state, err := Decode(msg.Data)
	if err != nil {
		slog.Warn("dropping malformed session state", "session_id", id, "subject", msg.Subject, "error", err)
		return
	}
	_ = b.hub.Publish(context.Background(), id, state)
}
