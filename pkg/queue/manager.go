package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config carries the engine-wide queue tunables (spec.md §6.4 "Queue:"
// keys).
type Config struct {
	FlushInterval       time.Duration
	DeadLetterTTL       time.Duration
	MaxDeliveryAttempts int
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{FlushInterval: 5 * time.Second, DeadLetterTTL: time.Hour, MaxDeliveryAttempts: 5}
}

const deadLetterSuffix = "#dead-letter"

// Manager owns every named queue a router listens on (QueueMap,
// spec.md §4.8) plus, for each of them, the "<ep>#dead-letter" companion
// queue its expired messages move into.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	store  Store

	mu     sync.Mutex
	queues map[string]*Queue
}

// New constructs a Manager. store may be nil for pure in-memory queues.
func New(cfg Config, logger *slog.Logger, store Store) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "queue")),
		store:  store,
		queues: make(map[string]*Queue),
	}
}

// Queue returns the named queue, creating (and, if a store is
// attached, replaying) it on first use.
func (m *Manager) Queue(ep string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[ep]; ok {
		return q, nil
	}
	q := NewQueue(ep, m.store)
	if err := q.Restore(); err != nil {
		return nil, err
	}
	m.queues[ep] = q
	return q, nil
}

// deadLetterEP returns the dead-letter queue endpoint paired with ep.
func deadLetterEP(ep string) string { return ep + deadLetterSuffix }

// Queues returns every queue opened so far through this Manager, for
// the admin surface and metrics export. It does not create new queues.
func (m *Manager) Queues() []*Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	return out
}

// Run scans every FlushInterval for expired messages, moving them to
// their queue's dead-letter companion, and discards dead-letter entries
// once DeadLetterTTL has elapsed there too (spec.md §4.8).
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.flush()
		}
	}
}

func (m *Manager) flush() {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for ep, q := range m.queues {
		if len(ep) < len(deadLetterSuffix) || ep[len(ep)-len(deadLetterSuffix):] != deadLetterSuffix {
			queues = append(queues, q)
		}
	}
	m.mu.Unlock()

	now := time.Now()
	for _, q := range queues {
		dead, err := m.Queue(deadLetterEP(q.EP()))
		if err != nil {
			m.logger.Error("open dead-letter queue", slog.String("queue", q.EP()), slog.Any("err", err))
			continue
		}
		q.expireOlderThan(now, func(msg Msg) {
			msg.ExpireTime = now.Add(m.cfg.DeadLetterTTL)
			dead.enqueue(msg)
		})
		dead.expireOlderThan(now, func(msg Msg) {
			m.logger.Info("dead-letter message discarded", slog.String("queue", q.EP()), slog.String("id", msg.ID.String()))
		})
	}
}

// DeliveryExhausted reports whether msg has reached MaxDeliveryAttempts
// and should be routed to the dead-letter queue rather than redelivered.
func (m *Manager) DeliveryExhausted(msg Msg) bool {
	return m.cfg.MaxDeliveryAttempts > 0 && msg.DeliveryAttempts >= m.cfg.MaxDeliveryAttempts
}
