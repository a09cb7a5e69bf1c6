// Package txn coordinates pending store operations under an XA-style
// resource-manager protocol.
//
// A transaction id moves through
//
//	NONE -> ACTIVE -> (SUSPENDED -> ACTIVE)* -> ENDED -> [PREPARED] -> COMMITTED | ROLLED_BACK
//
// and is forgotten once it reaches a terminal state. Operations join the
// transaction that is ACTIVE on their context; operations whose context
// carries no transaction are expected to commit immediately.
//
// Recovery of in-doubt transactions after a process crash is not
// supported: nothing is journaled, and Recover always reports an empty
// list.
package txn

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aweris/cabs/internal/errkind"
)

// XID is an opaque transaction id.
type XID string

// State is the lifecycle state of a transaction.
type State int

const (
	None State = iota
	Active
	Suspended
	Ended
	Prepared
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case Ended:
		return "ended"
	case Prepared:
		return "prepared"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	default:
		return "none"
	}
}

// Op is a pending effect of a transaction. Exactly one of Commit or
// Rollback is called, once.
type Op interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type tx struct {
	mu       sync.Mutex
	id       XID
	state    State
	ops      []Op
	started  time.Time
	deadline time.Time
}

// Coordinator tracks outstanding transactions. It is safe for concurrent
// use; a single transaction is expected to be driven by one caller at a
// time.
type Coordinator struct {
	txs     sync.Map // XID -> *tx
	mu      sync.Mutex
	timeout time.Duration
	now     func() time.Time
	observe func(XID, State)
}

// NewCoordinator returns a coordinator whose transactions time out after
// timeout. Zero disables timeouts.
func NewCoordinator(timeout time.Duration) *Coordinator {
	return &Coordinator{timeout: timeout, now: time.Now}
}

// SetTimeout changes the timeout applied to transactions started later.
func (c *Coordinator) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Observe registers fn to be called with the terminal state of every
// transaction that finishes.
func (c *Coordinator) Observe(fn func(XID, State)) {
	c.mu.Lock()
	c.observe = fn
	c.mu.Unlock()
}

// Timeout returns the current transaction timeout.
func (c *Coordinator) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// Start begins a new transaction.
func (c *Coordinator) Start(id XID) error {
	if id == "" {
		return errkind.New(errkind.Protocol, "empty transaction id")
	}
	now := c.now()
	t := &tx{id: id, state: Active, started: now}
	if timeout := c.Timeout(); timeout > 0 {
		t.deadline = now.Add(timeout)
	}
	if existing, loaded := c.txs.LoadOrStore(id, t); loaded {
		return errkind.New(errkind.Protocol, "transaction %s already exists (%s)", id, existing.(*tx).currentState())
	}
	return nil
}

// Suspend detaches an active transaction so another one can run on the
// same caller.
func (c *Coordinator) Suspend(id XID) error {
	return c.transition(id, Suspended, Active)
}

// Resume re-attaches a suspended transaction.
func (c *Coordinator) Resume(id XID) error {
	return c.transition(id, Active, Suspended)
}

// End dissociates the transaction from its work. No further operations
// may join it.
func (c *Coordinator) End(id XID) error {
	return c.transition(id, Ended, Active, Suspended)
}

// Prepare votes to commit. Every pending effect is already durable, so
// preparing never fails for a well-formed transaction.
func (c *Coordinator) Prepare(id XID) error {
	return c.transition(id, Prepared, Ended)
}

// Commit finalizes the pending operations in the order they were enlisted.
// onePhase commits an ENDED transaction directly; otherwise it must be
// PREPARED. Individual op failures are collected and returned together;
// the transaction is finished either way.
func (c *Coordinator) Commit(ctx context.Context, id XID, onePhase bool) error {
	from := Prepared
	if onePhase {
		from = Ended
	}
	t, err := c.finish(id, Committed, from)
	if err != nil {
		return err
	}

	var errs []error
	for _, op := range t.ops {
		if err := op.Commit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.Warn().Str("xid", string(id)).Int("failed", len(errs)).Msg("Transaction committed with errors")
	}
	return errors.Join(errs...)
}

// Rollback undoes the pending operations in reverse order.
func (c *Coordinator) Rollback(ctx context.Context, id XID) error {
	t, err := c.finish(id, RolledBack, Ended, Prepared)
	if err != nil {
		return err
	}

	var errs []error
	for i := len(t.ops) - 1; i >= 0; i-- {
		if err := t.ops[i].Rollback(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.Warn().Str("xid", string(id)).Int("failed", len(errs)).Msg("Transaction rolled back with errors")
	}
	return errors.Join(errs...)
}

// Recover lists in-doubt transactions. Nothing survives a restart, so the
// list is always empty.
func (c *Coordinator) Recover() []XID {
	return []XID{}
}

// Enlist attaches op to an ACTIVE transaction.
func (c *Coordinator) Enlist(id XID, op Op) error {
	t, err := c.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return errkind.New(errkind.Protocol, "transaction %s is %s, not active", id, t.state)
	}
	t.ops = append(t.ops, op)
	return nil
}

// State returns the state of id, or None when it is unknown.
func (c *Coordinator) State(id XID) State {
	v, ok := c.txs.Load(id)
	if !ok {
		return None
	}
	return v.(*tx).currentState()
}

// Pending returns the number of operations enlisted in id.
func (c *Coordinator) Pending(id XID) int {
	v, ok := c.txs.Load(id)
	if !ok {
		return 0
	}
	t := v.(*tx)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// Abandoned lists unfinished transactions that are past their deadline.
// What to do with them is up to the caller.
func (c *Coordinator) Abandoned() []XID {
	now := c.now()
	var ids []XID
	c.txs.Range(func(k, v any) bool {
		t := v.(*tx)
		t.mu.Lock()
		expired := !t.deadline.IsZero() && now.After(t.deadline)
		t.mu.Unlock()
		if expired {
			ids = append(ids, k.(XID))
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Coordinator) lookup(id XID) (*tx, error) {
	v, ok := c.txs.Load(id)
	if !ok {
		return nil, errkind.New(errkind.Protocol, "unknown transaction %s", id)
	}
	return v.(*tx), nil
}

func (c *Coordinator) transition(id XID, to State, from ...State) error {
	t, err := c.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !oneOf(t.state, from) {
		return errkind.New(errkind.Protocol, "transaction %s: cannot go from %s to %s", id, t.state, to)
	}
	t.state = to
	return nil
}

// finish moves a transaction to a terminal state and forgets it. The
// caller then resolves the returned ops outside any lock.
func (c *Coordinator) finish(id XID, to State, from ...State) (*tx, error) {
	t, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if !oneOf(t.state, from) {
		state := t.state
		t.mu.Unlock()
		return nil, errkind.New(errkind.Protocol, "transaction %s: cannot go from %s to %s", id, state, to)
	}
	t.state = to
	t.mu.Unlock()
	c.txs.Delete(id)

	c.mu.Lock()
	observe := c.observe
	c.mu.Unlock()
	if observe != nil {
		observe(id, to)
	}
	return t, nil
}

func (t *tx) currentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func oneOf(s State, set []State) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

type ctxKey struct{}

// NewContext returns a context that associates work with id.
func NewContext(ctx context.Context, id XID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the transaction associated with ctx.
func FromContext(ctx context.Context) (XID, bool) {
	id, ok := ctx.Value(ctxKey{}).(XID)
	return id, ok && id != ""
}
