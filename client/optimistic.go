package client

import (
	"encoding/json"

	"github.com/google/uuid"
)

// OpState is the lifecycle of one optimistic operation. There is no
// timer-based auto-resolution: resolution is bound to the real operation's
// completion signal via Commit or Rollback.
type OpState int

const (
	OpPending OpState = iota
	OpCommitted
	OpRolledBack
)

// Transform produces the speculative result of an operation from the current
// visible snapshot.
type Transform func(data json.RawMessage) json.RawMessage

// PendingOp is one staged optimistic operation against a cache entry.
type PendingOp struct {
	ID        string
	State     OpState
	transform Transform
}

// StageOptimistic immediately materializes the transformed result as the
// visible value for the key and returns the operation id to resolve it with.
// Multiple concurrent operations stack: the overlay is the base snapshot with
// every still-pending transform applied in staging order.
func (c *FreshCache) StageOptimistic(key Key, tf Transform) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(key)
	op := &PendingOp{
		ID:        uuid.NewString(),
		State:     OpPending,
		transform: tf,
	}
	e.ops = append(e.ops, op)
	c.opToKey[op.ID] = key
	c.recomputeOverlayLocked(e)
	return op.ID
}

// CommitOptimistic resolves the operation as committed: the underlying
// snapshot now reflects reality, so the op's speculative layer is retired.
func (c *FreshCache) CommitOptimistic(opID string) {
	c.resolveOptimistic(opID, OpCommitted)
}

// RollbackOptimistic resolves the operation as rolled back, discarding its
// speculative layer. Readers fall back to the remaining pending transforms,
// or to the underlying snapshot once the pending set is empty.
func (c *FreshCache) RollbackOptimistic(opID string) {
	c.resolveOptimistic(opID, OpRolledBack)
}

func (c *FreshCache) resolveOptimistic(opID string, state OpState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.opToKey[opID]
	if !ok {
		return
	}
	delete(c.opToKey, opID)
	e := c.entries[key]
	if e == nil {
		return
	}
	for i, op := range e.ops {
		if op.ID != opID {
			continue
		}
		op.State = state
		e.ops = append(e.ops[:i], e.ops[i+1:]...)
		break
	}
	c.recomputeOverlayLocked(e)
}

// recomputeOverlayLocked folds the still-pending transforms over the base
// snapshot. The overlay is cleared only when the pending set becomes empty.
func (c *FreshCache) recomputeOverlayLocked(e *entry) {
	if len(e.ops) == 0 {
		e.overlay = nil
		return
	}
	overlay := e.data
	for _, op := range e.ops {
		overlay = op.transform(overlay)
	}
	e.overlay = overlay
}

// NumPendingOps reports how many optimistic operations are unresolved for
// the key.
func (c *FreshCache) NumPendingOps(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		return 0
	}
	return len(e.ops)
}
