// Package dispatch implements the fabric's handler registry: a
// directed mapping from (message type, logical endpoint, dynamic scope)
// to handler function, plus the worker pool that drains inbound
// messages concurrently (spec.md §4.4).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lilltek-go/fabric/pkg/endpoint"
	"github.com/lilltek-go/fabric/pkg/envelope"
)

// Sentinel errors, raised synchronously at registration time — never
// deferred into the worker pool (spec.md §7).
var (
	ErrHandlerCollision    = errors.New("handler already registered for type/endpoint/scope")
	ErrDuplicateDefault    = errors.New("default handler already registered for type")
	ErrNoHandler           = errors.New("no handler registered")
)

// Handler processes one inbound message. It takes exactly one message
// value and returns no value to the caller directly; errors are
// reported through the return value here (Go has no void-handler
// ambiguity the way reflection-based registration does), but the
// Dispatcher itself never propagates a handler error into the I/O loop
// — it is traced and dropped, per spec.md §7.
type Handler func(ctx context.Context, env envelope.Envelope) error

// key identifies one registered handler slot.
type key struct {
	typeID   envelope.TypeID
	endpoint string // canonical logical endpoint string, "" for physical/default
	scope    string
}

// Dispatcher holds the (type, endpoint, scope) → handler table and a
// worker pool that drains inbound messages. Ordering across messages is
// NOT preserved once handed to the pool (spec.md §4.4/§5).
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	logical  map[key]Handler
	physical map[envelope.TypeID]map[string]Handler // typeID -> scope -> handler
	defaults map[envelope.TypeID]Handler

	work chan work
	wg   sync.WaitGroup

	workerCountHint int
}

type work struct {
	ctx context.Context
	env envelope.Envelope
}

// Option configures optional Dispatcher parameters.
type Option func(*Dispatcher)

// WithWorkers sets the worker pool size; default is 4.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.resize(n)
		}
	}
}

// New constructs a Dispatcher with a default 4-worker pool, started
// immediately against ctx; Close stops it.
func New(ctx context.Context, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:   logger.With(slog.String("component", "dispatch")),
		logical:  make(map[key]Handler),
		physical: make(map[envelope.TypeID]map[string]Handler),
		defaults: make(map[envelope.TypeID]Handler),
		work:     make(chan work, 256),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.startWorkers(ctx, 4)
	return d
}

func (d *Dispatcher) resize(n int) { d.workerCountHint = n }

func (d *Dispatcher) startWorkers(ctx context.Context, defaultN int) {
	n := defaultN
	if d.workerCountHint > 0 {
		n = d.workerCountHint
	}
	for i := 0; i < n; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx)
	}
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-d.work:
			if !ok {
				return
			}
			d.invoke(w.ctx, w.env)
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, env envelope.Envelope) {
	h, ok := d.lookup(env)
	if !ok {
		d.logger.Debug("no handler for message", "type", env.TypeID, "to", env.ToEP)
		return
	}
	if err := h(ctx, env); err != nil {
		// Runtime dispatch errors never propagate into the I/O loop
		// (spec.md §7); trace and continue.
		d.logger.Warn("handler returned error", "type", env.TypeID, "to", env.ToEP, "error", err)
	}
}

func (d *Dispatcher) lookup(env envelope.Envelope) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	toEP, err := endpoint.Parse(env.ToEP)
	if err == nil && toEP.Kind() == endpoint.KindLogical {
		for k, h := range d.logical {
			if k.typeID != env.TypeID {
				continue
			}
			kep, err := endpoint.Parse(k.endpoint)
			if err != nil {
				continue
			}
			if endpoint.LogicalMatch(kep, toEP) {
				return h, true
			}
		}
	}

	if byScope, ok := d.physical[env.TypeID]; ok {
		if h, ok := byScope[""]; ok {
			return h, true
		}
	}

	if h, ok := d.defaults[env.TypeID]; ok {
		return h, true
	}
	return nil, false
}

// AddLogical registers fn for messages of typeID addressed to any
// endpoint matching logicalEP, within scope (empty for the default
// scope). If isDefault is true, fn also becomes the type's default
// handler (at most one per type).
func (d *Dispatcher) AddLogical(typeID envelope.TypeID, logicalEP string, scope string, isDefault bool, fn Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := key{typeID: typeID, endpoint: logicalEP, scope: scope}
	if _, exists := d.logical[k]; exists {
		return fmt.Errorf("add logical handler %s/%s/%s: %w", typeID, logicalEP, scope, ErrHandlerCollision)
	}
	d.logical[k] = fn

	if isDefault {
		if _, exists := d.defaults[typeID]; exists {
			return fmt.Errorf("add default handler for type %d: %w", typeID, ErrDuplicateDefault)
		}
		d.defaults[typeID] = fn
	}
	return nil
}

// AddPhysical registers fn as the handler for physically-addressed
// messages of typeID within scope.
func (d *Dispatcher) AddPhysical(typeID envelope.TypeID, scope string, fn Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	byScope, ok := d.physical[typeID]
	if !ok {
		byScope = make(map[string]Handler)
		d.physical[typeID] = byScope
	}
	if _, exists := byScope[scope]; exists {
		return fmt.Errorf("add physical handler %d/%s: %w", typeID, scope, ErrHandlerCollision)
	}
	byScope[scope] = fn
	return nil
}

// Post hands env to the worker pool for asynchronous dispatch. The
// call returns immediately; ordering across messages submitted this
// way is not preserved.
func (d *Dispatcher) Post(ctx context.Context, env envelope.Envelope) {
	select {
	case d.work <- work{ctx: ctx, env: env}:
	case <-ctx.Done():
	}
}

// Close stops accepting new work and waits for in-flight handlers to
// drain, matching the router's graceful-shutdown contract (spec.md §4.5
// "all inbound processing drains before Stopped").
func (d *Dispatcher) Close() {
	close(d.work)
	d.wg.Wait()
}
