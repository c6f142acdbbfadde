// Package pending tracks in-flight calls until their reply, a timeout or a transport failure
// completes them.
//
// Three paths touch the table concurrently: the caller registers, the connection's read loop
// completes with a reply, and the sweeper evicts expired entries. Every entry ends with exactly
// one Outcome: the first writer claims the Call atomically, later writers are no-ops.
//
//	caller ──Register(id)──► table ◄──CompleteWithResult(id)── read loop
//	   │                       ▲
//	   └─◄── <-call.Done() ────┴──Sweep(now, grace)── sweeper
package pending

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ring-rpc/message"
	"ring-rpc/rpcerr"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
)

var log = logging.MustGetLogger("pending")

// Outcome is what a waiting caller receives: a reply or an error, never both.
type Outcome struct {
	Reply *message.Message
	Err   error
}

// Call is the bookkeeping record of one in-flight request.
type Call struct {
	ID        message.ID
	CreatedAt time.Time
	Timeout   time.Duration
	Owner     string // id of the connection the request was written to

	claimed atomic.Bool
	done    chan Outcome
}

// Done delivers the call's single Outcome.
func (c *Call) Done() <-chan Outcome {
	return c.done
}

// Deadline is the instant after which the call counts as timed out.
func (c *Call) Deadline() time.Time {
	return c.CreatedAt.Add(c.Timeout)
}

// Abandon claims the call on behalf of a caller that stops waiting (local timeout or
// cancellation). It reports false if a reply or failure got there first, in which case the
// Outcome is already waiting on Done. The table entry stays until the next sweep.
func (c *Call) Abandon(err error) bool {
	return c.complete(Outcome{Err: err})
}

// Wait blocks until the call has an Outcome. If the call's timeout elapses or ctx is done
// first, Wait abandons the call with rpcerr.ErrCallTimeout (or the context's error when it was
// cancelled) and any reply arriving later is dropped.
func (c *Call) Wait(ctx context.Context) Outcome {
	timer := time.NewTimer(c.Timeout)
	defer timer.Stop()

	var err error
	select {
	case o := <-c.done:
		return o
	case <-timer.C:
		err = errors.Wrapf(rpcerr.ErrCallTimeout, "call %d: no reply within %s", c.ID, c.Timeout)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			err = errors.Wrapf(rpcerr.ErrCallTimeout, "call %d: %v", c.ID, ctx.Err())
		} else {
			err = errors.Wrapf(ctx.Err(), "call %d", c.ID)
		}
	}
	// If Abandon loses the race, the winner's Outcome is already waiting on done.
	c.Abandon(err)
	return <-c.done
}

func (c *Call) complete(o Outcome) bool {
	if !c.claimed.CompareAndSwap(false, true) {
		return false
	}
	// done has capacity 1 and only the claimer sends, so this never blocks.
	c.done <- o
	return true
}

// Table maps call ids to pending calls behind a single mutex.
type Table struct {
	mu    sync.Mutex
	calls map[message.ID]*Call
	now   func() time.Time

	size      metrics.Gauge
	completed metrics.Counter
	expired   metrics.Counter
	failed    metrics.Counter
	late      metrics.Counter
}

// NewTable creates an empty table reporting to r under the "pending." prefix.
// A nil registry uses metrics.DefaultRegistry.
func NewTable(r metrics.Registry) *Table {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	r = metrics.NewPrefixedChildRegistry(r, "pending.")
	return &Table{
		calls:     make(map[message.ID]*Call),
		now:       time.Now,
		size:      metrics.GetOrRegisterGauge("calls", r),
		completed: metrics.GetOrRegisterCounter("completed", r),
		expired:   metrics.GetOrRegisterCounter("expired", r),
		failed:    metrics.GetOrRegisterCounter("failed", r),
		late:      metrics.GetOrRegisterCounter("late", r),
	}
}

// Register inserts a new pending call created now. A duplicate id means the id generator is
// broken; it is reported as rpcerr.ErrDuplicateID and must not be retried.
func (t *Table) Register(id message.ID, timeout time.Duration, owner string) (*Call, error) {
	call := &Call{
		ID:        id,
		CreatedAt: t.now(),
		Timeout:   timeout,
		Owner:     owner,
		done:      make(chan Outcome, 1),
	}

	t.mu.Lock()
	if _, exists := t.calls[id]; exists {
		t.mu.Unlock()
		log.Criticalf("call id %d registered twice; id generator is broken", id)
		return nil, errors.Wrapf(rpcerr.ErrDuplicateID, "id %d", id)
	}
	t.calls[id] = call
	t.size.Update(int64(len(t.calls)))
	t.mu.Unlock()
	return call, nil
}

// CompleteWithResult removes the call and hands it reply. It returns false when the id is
// unknown (already swept or failed) or the caller already gave up; the reply is then dropped.
func (t *Table) CompleteWithResult(id message.ID, reply *message.Message) bool {
	call := t.Remove(id)
	if call == nil {
		return false
	}
	if !call.complete(Outcome{Reply: reply}) {
		t.late.Inc(1)
		return false
	}
	t.completed.Inc(1)
	return true
}

// CompleteWithError removes the call and fails it with err.
func (t *Table) CompleteWithError(id message.ID, err error) bool {
	call := t.Remove(id)
	if call == nil || !call.complete(Outcome{Err: err}) {
		return false
	}
	t.failed.Inc(1)
	return true
}

// Remove deletes and returns the call without completing it.
func (t *Table) Remove(id message.ID) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	t.size.Update(int64(len(t.calls)))
	return call
}

// FailOwner fails every call written to the connection owner with err and returns how many
// it completed. Used when a connection dies so its callers do not wait for the sweep.
func (t *Table) FailOwner(owner string, err error) int {
	t.mu.Lock()
	var victims []*Call
	for id, call := range t.calls {
		if call != nil && call.Owner == owner {
			victims = append(victims, call)
			delete(t.calls, id)
		}
	}
	t.size.Update(int64(len(t.calls)))
	t.mu.Unlock()

	n := 0
	for _, call := range victims {
		if call.complete(Outcome{Err: err}) {
			n++
		}
	}
	t.failed.Inc(int64(n))
	return n
}

// Sweep evicts every call with createdAt + timeout + grace <= now and completes it with
// rpcerr.ErrCallTimeout. grace keeps the sweep from racing a reply that is merely slow to
// reach the table. It returns the number of evicted entries.
func (t *Table) Sweep(now time.Time, grace time.Duration) int {
	t.mu.Lock()
	var expired []*Call
	for id, call := range t.calls {
		if call == nil {
			log.Warningf("sweep: dropping empty entry for call %d", id)
			delete(t.calls, id)
			continue
		}
		if !call.Deadline().Add(grace).After(now) {
			expired = append(expired, call)
			delete(t.calls, id)
		}
	}
	t.size.Update(int64(len(t.calls)))
	t.mu.Unlock()

	for _, call := range expired {
		t.expire(call)
	}
	t.expired.Inc(int64(len(expired)))
	return len(expired)
}

// expire completes one evicted call; a failure here must not stop the rest of the sweep.
func (t *Table) expire(call *Call) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("sweep: completing call %d: %v", call.ID, r)
		}
	}()
	if call.complete(Outcome{Err: errors.Wrapf(rpcerr.ErrCallTimeout, "call %d expired after %s", call.ID, call.Timeout)}) {
		log.Noticef("sweep: call %d timed out after %s", call.ID, call.Timeout)
	}
}

// Len returns the number of pending calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Has reports whether id is pending.
func (t *Table) Has(id message.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.calls[id]
	return ok
}
