package pending

import (
	"context"
	"sync"
	"testing"
	"time"

	"ring-rpc/message"
	"ring-rpc/rpcerr"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable() *Table {
	return NewTable(metrics.NewRegistry())
}

func outcomeOf(t *testing.T, call *Call) Outcome {
	t.Helper()
	select {
	case o := <-call.Done():
		return o
	case <-time.After(time.Second):
		t.Fatalf("call %d never completed", call.ID)
	}
	return Outcome{}
}

func assertNoSecondOutcome(t *testing.T, call *Call) {
	t.Helper()
	select {
	case o := <-call.Done():
		t.Fatalf("call %d completed twice, second outcome %+v", call.ID, o)
	default:
	}
}

func TestRegisterAndComplete(t *testing.T) {
	table := newTable()
	call, err := table.Register(1, time.Second, "conn-a")
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())

	reply := &message.Message{ID: 1, Kind: message.KindResponse, Result: []byte(`5`)}
	assert.True(t, table.CompleteWithResult(1, reply))
	assert.Equal(t, 0, table.Len())

	o := outcomeOf(t, call)
	assert.NoError(t, o.Err)
	assert.Same(t, reply, o.Reply)

	// The same reply arriving again finds nothing
	assert.False(t, table.CompleteWithResult(1, reply))
}

func TestRegisterDuplicate(t *testing.T) {
	table := newTable()
	_, err := table.Register(9, time.Second, "")
	require.NoError(t, err)

	_, err = table.Register(9, time.Second, "")
	assert.True(t, errors.Is(err, rpcerr.ErrDuplicateID))
	assert.Equal(t, 1, table.Len())
}

func TestCompleteUnknown(t *testing.T) {
	table := newTable()
	assert.False(t, table.CompleteWithResult(404, &message.Message{}))
	assert.False(t, table.CompleteWithError(404, rpcerr.ErrTransport))
}

func TestCompleteWithError(t *testing.T) {
	table := newTable()
	call, _ := table.Register(3, time.Second, "")
	assert.True(t, table.CompleteWithError(3, rpcerr.Transport(errors.New("broken pipe"))))

	o := outcomeOf(t, call)
	assert.True(t, errors.Is(o.Err, rpcerr.ErrTransport))
	assert.Nil(t, o.Reply)
}

func TestSweepOnlyExpired(t *testing.T) {
	table := newTable()
	base := time.Now()
	table.now = func() time.Time { return base }

	short, _ := table.Register(1, 10*time.Millisecond, "")
	long, _ := table.Register(2, time.Hour, "")

	// Deadline reached but still inside the grace window
	assert.Equal(t, 0, table.Sweep(base.Add(12*time.Millisecond), 5*time.Millisecond))
	assert.Equal(t, 2, table.Len())

	// createdAt + timeout + grace <= now
	assert.Equal(t, 1, table.Sweep(base.Add(15*time.Millisecond), 5*time.Millisecond))
	assert.False(t, table.Has(1))
	assert.True(t, table.Has(2))

	o := outcomeOf(t, short)
	assert.True(t, errors.Is(o.Err, rpcerr.ErrCallTimeout))
	assertNoSecondOutcome(t, long)
}

func TestSweepSkipsEmptyEntry(t *testing.T) {
	table := newTable()
	table.calls[77] = nil
	call, _ := table.Register(1, time.Millisecond, "")

	assert.Equal(t, 1, table.Sweep(time.Now().Add(time.Second), 0))
	assert.Equal(t, 0, table.Len())
	assert.True(t, errors.Is(outcomeOf(t, call).Err, rpcerr.ErrCallTimeout))
}

func TestFailOwner(t *testing.T) {
	table := newTable()
	a1, _ := table.Register(1, time.Second, "conn-a")
	a2, _ := table.Register(2, time.Second, "conn-a")
	b1, _ := table.Register(3, time.Second, "conn-b")

	assert.Equal(t, 2, table.FailOwner("conn-a", rpcerr.ErrTransport))
	assert.Equal(t, 1, table.Len())

	assert.True(t, errors.Is(outcomeOf(t, a1).Err, rpcerr.ErrTransport))
	assert.True(t, errors.Is(outcomeOf(t, a2).Err, rpcerr.ErrTransport))
	assertNoSecondOutcome(t, b1)
}

func TestLateReplyAfterAbandon(t *testing.T) {
	table := newTable()
	call, _ := table.Register(5, time.Millisecond, "")

	// The caller's own timer fires first
	assert.True(t, call.Abandon(rpcerr.ErrCallTimeout))
	assert.True(t, table.Has(5), "entry is left for the sweeper")

	// The reply lands afterwards: it removes the entry but cannot resurrect the call
	assert.False(t, table.CompleteWithResult(5, &message.Message{ID: 5, Kind: message.KindResponse}))
	assert.False(t, table.Has(5))

	o := outcomeOf(t, call)
	assert.True(t, errors.Is(o.Err, rpcerr.ErrCallTimeout))
	assertNoSecondOutcome(t, call)
}

func TestReplyAndSweepRace(t *testing.T) {
	table := newTable()
	for i := 0; i < 2000; i++ {
		id := message.ID(i + 1)
		call, err := table.Register(id, 0, "")
		require.NoError(t, err)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			<-start
			table.CompleteWithResult(id, &message.Message{ID: id, Kind: message.KindResponse})
		}()
		go func() {
			defer wg.Done()
			<-start
			table.Sweep(time.Now().Add(time.Hour), 0)
		}()
		go func() {
			defer wg.Done()
			<-start
			call.Abandon(rpcerr.ErrCallTimeout)
		}()
		close(start)
		wg.Wait()

		o := outcomeOf(t, call)
		if o.Reply == nil {
			assert.True(t, errors.Is(o.Err, rpcerr.ErrCallTimeout))
		} else {
			assert.NoError(t, o.Err)
		}
		assertNoSecondOutcome(t, call)
	}
	assert.Equal(t, 0, table.Len())
}

func TestLeakBound(t *testing.T) {
	const (
		n        = 100
		timeout  = 20 * time.Millisecond
		interval = 10 * time.Millisecond
		grace    = 5 * time.Millisecond
	)
	table := newTable()
	calls := make([]*Call, 0, n)
	for i := 1; i <= n; i++ {
		call, err := table.Register(message.ID(i), timeout, "")
		require.NoError(t, err)
		calls = append(calls, call)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewSweeper(table, interval, grace).Run(ctx)

	time.Sleep(timeout + interval + grace + 50*time.Millisecond)
	assert.Equal(t, 0, table.Len())
	for _, call := range calls {
		assert.True(t, errors.Is(outcomeOf(t, call).Err, rpcerr.ErrCallTimeout))
	}
}

func TestSweeperDefaults(t *testing.T) {
	s := NewSweeper(newTable(), 0, -1)
	assert.Equal(t, DefaultSweepInterval, s.Interval())
	assert.Equal(t, DefaultSweepGrace, s.Grace())
}

func TestWaitReply(t *testing.T) {
	table := newTable()
	call, _ := table.Register(1, time.Second, "")
	go table.CompleteWithResult(1, &message.Message{ID: 1, Kind: message.KindResponse})

	o := call.Wait(context.Background())
	assert.NoError(t, o.Err)
	require.NotNil(t, o.Reply)
	assert.Equal(t, message.ID(1), o.Reply.ID)
}

func TestWaitTimeoutDropsLateReply(t *testing.T) {
	table := newTable()
	call, _ := table.Register(1, 5*time.Millisecond, "")

	o := call.Wait(context.Background())
	assert.True(t, errors.Is(o.Err, rpcerr.ErrCallTimeout))

	assert.False(t, table.CompleteWithResult(1, &message.Message{ID: 1, Kind: message.KindResponse}))
	assertNoSecondOutcome(t, call)
}

func TestWaitContext(t *testing.T) {
	table := newTable()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	call, _ := table.Register(1, time.Second, "")
	o := call.Wait(ctx)
	assert.True(t, errors.Is(o.Err, context.Canceled))
	assert.False(t, errors.Is(o.Err, rpcerr.ErrCallTimeout))

	ctx, cancel = context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	call, _ = table.Register(2, time.Second, "")
	o = call.Wait(ctx)
	assert.True(t, errors.Is(o.Err, rpcerr.ErrCallTimeout))
}
