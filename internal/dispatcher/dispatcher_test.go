package dispatcher

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bilal/openmon-agent/internal/communicator"
	"github.com/bilal/openmon-agent/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by hand in scheduler tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type call struct {
	req communicator.Request
	at  time.Time
}

// fakeTransport records requests and answers from a script, falling back
// to a default result.
type fakeTransport struct {
	mu       sync.Mutex
	clock    func() time.Time
	calls    []call
	script   []communicator.Result
	fallback communicator.Result
}

func newFakeTransport(clock func() time.Time, fallback communicator.Result) *fakeTransport {
	return &fakeTransport{clock: clock, fallback: fallback}
}

func (f *fakeTransport) Send(_ context.Context, req communicator.Request) communicator.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call{req: req, at: f.clock()})
	if len(f.script) > 0 {
		res := f.script[0]
		f.script = f.script[1:]
		return res
	}
	return f.fallback
}

func (f *fakeTransport) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeTransport) SetFallback(res communicator.Result) {
	f.mu.Lock()
	f.fallback = res
	f.mu.Unlock()
}

type fakeConn struct{ up atomic.Bool }

func newFakeConn(up bool) *fakeConn {
	c := &fakeConn{}
	c.up.Store(up)
	return c
}

func (c *fakeConn) IsConnected() bool { return c.up.Load() }

type mockSignaler struct{ mock.Mock }

func (m *mockSignaler) SetCondition(kind string, since time.Time)   { m.Called(kind, since) }
func (m *mockSignaler) ClearCondition(kind string, since time.Time) { m.Called(kind, since) }

type recordingObserver struct {
	mu     sync.Mutex
	events []communicator.Delivery
}

func (r *recordingObserver) Observe(_ context.Context, d communicator.Delivery) {
	r.mu.Lock()
	r.events = append(r.events, d)
	r.mu.Unlock()
}

var (
	okResult     = communicator.Result{Status: communicator.StatusOK, Code: 200}
	failResult   = communicator.Result{Status: communicator.StatusTransportFailed, Err: assert.AnError}
	rejectResult = communicator.Result{Status: communicator.StatusAPIRejected, Code: 503, Err: assert.AnError}
)

func testOptions() Options {
	return Options{
		QueueSize:     8,
		QueueWait:     10 * time.Millisecond,
		ErrorInterval: 5 * time.Second,
		MaxAttempts:   3,
		ErrorLimit:    3,
		OfflinePoll:   time.Second,
	}
}

// ingest mimics one drain cycle without the loop goroutine.
func ingest(d *Dispatcher, id uint32, payload string) {
	d.merge([]queue.Item{{ControllerID: id, Payload: []byte(payload), CorrelationID: payload}})
}

func TestScenario_RateLimitedSecondPayload(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock.Now, okResult)
	d := New(testOptions(), tr, nil, WithClock(clock.Now))
	require.NoError(t, d.RegisterController(7, "key7", 60*time.Second))
	ctx := context.Background()

	ingest(d, 7, "p1=A")
	wait := d.evaluate(ctx)
	assert.Equal(t, queue.Forever, wait, "nothing pending after a successful send")

	clock.Advance(10 * time.Second)
	ingest(d, 7, "p1=B")
	wait = d.evaluate(ctx)
	assert.Equal(t, 50*time.Second, wait)
	require.Len(t, tr.Calls(), 1, "B must wait for the interval")

	clock.Advance(50 * time.Second)
	wait = d.evaluate(ctx)
	assert.Equal(t, queue.Forever, wait)

	calls := tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "p1=A", string(calls[0].req.Fields))
	assert.Equal(t, "p1=B", string(calls[1].req.Fields))
	assert.Equal(t, 60*time.Second, calls[1].at.Sub(calls[0].at))
	assert.Equal(t, "key7", calls[0].req.Credential)
	assert.Equal(t, uint32(7), calls[0].req.ControllerID)
}

func TestRateLimit_NeverCloserThanMinInterval(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock.Now, okResult)
	d := New(testOptions(), tr, nil, WithClock(clock.Now))
	require.NoError(t, d.RegisterController(1, "k1", 30*time.Second))
	require.NoError(t, d.RegisterController(2, "k2", 45*time.Second))
	ctx := context.Background()

	// producers push every 3s for five minutes
	for i := 0; i < 100; i++ {
		ingest(d, 1, "p1=x")
		ingest(d, 2, "p1=y")
		d.evaluate(ctx)
		clock.Advance(3 * time.Second)
	}

	last := map[uint32]time.Time{}
	limits := map[uint32]time.Duration{1: 30 * time.Second, 2: 45 * time.Second}
	for _, c := range tr.Calls() {
		id := c.req.ControllerID
		if prev, ok := last[id]; ok {
			assert.GreaterOrEqual(t, c.at.Sub(prev), limits[id], "controller %d", id)
		}
		last[id] = c.at
	}
	assert.NotEmpty(t, tr.Calls())
}

func TestLatestWriteWins(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock.Now, okResult)
	d := New(testOptions(), tr, nil, WithClock(clock.Now))
	require.NoError(t, d.RegisterController(7, "key", time.Minute))
	ctx := context.Background()

	ingest(d, 7, "p1=first")
	d.evaluate(ctx)

	ingest(d, 7, "p1=stale")
	ingest(d, 7, "p1=fresh")
	d.merge([]queue.Item{
		{ControllerID: 7, Payload: []byte("p1=staler")},
		{ControllerID: 7, Payload: []byte("p1=freshest")},
	})

	clock.Advance(time.Minute)
	d.evaluate(ctx)

	calls := tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "p1=freshest", string(calls[1].req.Fields))
	assert.Equal(t, uint64(3), d.Stats().Replaced)
}

func TestIdleControllersDoNotConstrainWait(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock.Now, okResult)
	d := New(testOptions(), tr, nil, WithClock(clock.Now))
	require.NoError(t, d.RegisterController(1, "k1", 10*time.Second))
	require.NoError(t, d.RegisterController(2, "k2", 90*time.Second))
	ctx := context.Background()

	// both sent once, both idle now
	ingest(d, 1, "p1=1")
	ingest(d, 2, "p1=2")
	assert.Equal(t, queue.Forever, d.evaluate(ctx))

	// only 2 has data; 1 is idle and due in 10s but must not shorten the wait
	clock.Advance(time.Second)
	ingest(d, 2, "p1=3")
	assert.Equal(t, 89*time.Second, d.evaluate(ctx))
}

func TestScenario_TransportFailuresDropAfterMaxAttempts(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	tr := newFakeTransport(clock.Now, failResult)
	sig := &mockSignaler{}
	obs := &recordingObserver{}
	d := New(testOptions(), tr, nil, WithClock(clock.Now), WithSignaler(sig), WithObserver(obs))
	require.NoError(t, d.RegisterController(7, "key", 60*time.Second))
	require.NoError(t, d.RegisterController(8, "key", 60*time.Second))
	ctx := context.Background()

	sig.On("SetCondition", ConditionSendFailing, start).Once()

	ingest(d, 7, "p1=A")
	assert.Equal(t, 5*time.Second, d.evaluate(ctx))
	clock.Advance(5 * time.Second)
	assert.Equal(t, 5*time.Second, d.evaluate(ctx))
	clock.Advance(5 * time.Second)
	assert.Equal(t, queue.Forever, d.evaluate(ctx), "payload dropped after the third attempt")

	calls := tr.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []time.Duration{0, 5 * time.Second, 10 * time.Second}, []time.Duration{
		calls[0].at.Sub(start), calls[1].at.Sub(start), calls[2].at.Sub(start),
	})

	c, _ := d.registry.Find(7)
	assert.False(t, c.HasPending())
	assert.Zero(t, c.Attempts)
	assert.Equal(t, clock.Now().Add(60*time.Second), c.NextSend)
	assert.Equal(t, uint64(1), d.Stats().Dropped)
	sig.AssertExpectations(t)

	require.Len(t, obs.events, 1)
	assert.Equal(t, communicator.OutcomeDropped, obs.events[0].Outcome)
	assert.Equal(t, 3, obs.events[0].Attempts)
	assert.Equal(t, "p1=A", obs.events[0].Fields)

	// a later success on another controller clears the aggregate signal
	clock.Advance(20 * time.Second)
	tr.SetFallback(okResult)
	sig.On("ClearCondition", ConditionSendFailing, start).Once()
	ingest(d, 8, "p1=B")
	d.evaluate(ctx)

	sig.AssertExpectations(t)
	assert.Zero(t, d.Stats().ConsecutiveFailures)
	require.Len(t, obs.events, 2)
	assert.Equal(t, communicator.OutcomeDelivered, obs.events[1].Outcome)
}

func TestAPIRejectedRetriesThenSucceeds(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock.Now, okResult)
	tr.script = []communicator.Result{rejectResult}
	d := New(testOptions(), tr, nil, WithClock(clock.Now))
	require.NoError(t, d.RegisterController(7, "key", 60*time.Second))
	ctx := context.Background()

	ingest(d, 7, "p1=A")
	assert.Equal(t, 5*time.Second, d.evaluate(ctx))

	c, _ := d.registry.Find(7)
	assert.Equal(t, 1, c.Attempts)
	assert.True(t, c.LastSend.IsZero(), "a rejected send is not a send")

	clock.Advance(5 * time.Second)
	assert.Equal(t, queue.Forever, d.evaluate(ctx))
	assert.False(t, c.HasPending())
	assert.Equal(t, clock.Now(), c.LastSend)
	assert.Equal(t, clock.Now().Add(60*time.Second), c.NextSend)
	assert.Equal(t, uint64(1), d.Stats().Delivered)
}

func TestReplacementResetsAttempts(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock.Now, failResult)
	d := New(testOptions(), tr, nil, WithClock(clock.Now))
	require.NoError(t, d.RegisterController(7, "key", 60*time.Second))
	ctx := context.Background()

	ingest(d, 7, "p1=A")
	d.evaluate(ctx)
	clock.Advance(5 * time.Second)
	d.evaluate(ctx)

	c, _ := d.registry.Find(7)
	assert.Equal(t, 2, c.Attempts)

	ingest(d, 7, "p1=B")
	assert.Zero(t, c.Attempts)

	clock.Advance(5 * time.Second)
	d.evaluate(ctx)
	assert.True(t, c.HasPending(), "B gets its own three attempts")
	assert.Equal(t, 1, c.Attempts)
}

func TestUnknownControllerNeverCreated(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock.Now, okResult)
	d := New(testOptions(), tr, nil, WithClock(clock.Now))
	require.NoError(t, d.RegisterController(1, "key", time.Second))

	ingest(d, 99, "p1=x")
	_, ok := d.registry.Find(99)
	assert.False(t, ok)
	assert.Equal(t, 1, d.registry.Len())
	assert.Equal(t, uint64(1), d.Stats().Unknown)

	assert.Equal(t, queue.Forever, d.evaluate(context.Background()))
	assert.Empty(t, tr.Calls())
}

func TestScenario_OfflineHoldsPayloads(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock.Now, okResult)
	conn := newFakeConn(false)
	sig := &mockSignaler{}
	d := New(testOptions(), tr, conn, WithClock(clock.Now), WithSignaler(sig))
	require.NoError(t, d.RegisterController(7, "key", time.Minute))
	ctx := context.Background()
	offlineAt := clock.Now()

	sig.On("SetCondition", ConditionNoInternet, offlineAt).Once()

	ingest(d, 7, "p1=A")
	assert.Equal(t, time.Second, d.evaluate(ctx))
	clock.Advance(time.Second)
	assert.Equal(t, time.Second, d.evaluate(ctx), "no repeated signal while offline")
	assert.Empty(t, tr.Calls())

	c, _ := d.registry.Find(7)
	assert.True(t, c.HasPending())
	sig.AssertExpectations(t)

	sig.On("ClearCondition", ConditionNoInternet, offlineAt).Once()
	conn.up.Store(true)
	clock.Advance(time.Second)
	d.evaluate(ctx)

	sig.AssertExpectations(t)
	require.Len(t, tr.Calls(), 1)
	assert.Equal(t, "p1=A", string(tr.Calls()[0].req.Fields))
}

func TestMinIntervalFloor(t *testing.T) {
	opts := testOptions()
	opts.MinIntervalFloor = 30 * time.Second
	d := New(opts, newFakeTransport(time.Now, okResult), nil)

	require.NoError(t, d.RegisterController(1, "key", time.Second))
	c, _ := d.registry.Find(1)
	assert.Equal(t, 30*time.Second, c.MinInterval)
}

func TestDelayClampedAfterClockJump(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock.Now, okResult)
	d := New(testOptions(), tr, nil, WithClock(clock.Now))
	require.NoError(t, d.RegisterController(1, "key", time.Minute))

	c, _ := d.registry.Find(1)
	c.NextSend = clock.Now().Add(24 * time.Hour)
	ingest(d, 1, "p1=1")

	assert.Equal(t, time.Minute, d.evaluate(context.Background()))
	assert.Equal(t, clock.Now().Add(time.Minute), c.NextSend)
}

// --- lifecycle, real loop ---

func startDispatcher(t *testing.T, opts Options, tr Transport, conn Connectivity, ids ...uint32) *Dispatcher {
	t.Helper()

	d := New(opts, tr, conn)
	for _, id := range ids {
		require.NoError(t, d.RegisterController(id, "key", 50*time.Millisecond))
	}
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func TestLoop_DeliversAndRespectsInterval(t *testing.T) {
	tr := newFakeTransport(time.Now, okResult)
	d := startDispatcher(t, testOptions(), tr, nil, 7)

	require.NoError(t, d.Send(7, []byte("p1=1")))
	require.Eventually(t, func() bool { return len(tr.Calls()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, d.SendValues(7, url.Values{"p1": {"2"}}))
	require.Eventually(t, func() bool { return len(tr.Calls()) == 2 }, time.Second, time.Millisecond)

	calls := tr.Calls()
	assert.Equal(t, "p1=2", string(calls[1].req.Fields))
	assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 50*time.Millisecond)
	assert.NotEmpty(t, calls[0].req.CorrelationID)
	assert.NotEqual(t, calls[0].req.CorrelationID, calls[1].req.CorrelationID)
}

func TestSend_CopiesFields(t *testing.T) {
	tr := newFakeTransport(time.Now, okResult)
	d := startDispatcher(t, testOptions(), tr, nil, 7)

	buf := []byte("p1=1")
	require.NoError(t, d.Send(7, buf))
	buf[3] = '9'

	require.Eventually(t, func() bool { return len(tr.Calls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "p1=1", string(tr.Calls()[0].req.Fields))
}

func TestSend_Errors(t *testing.T) {
	d := New(testOptions(), newFakeTransport(time.Now, okResult), nil)
	require.NoError(t, d.RegisterController(7, "key", time.Second))

	require.ErrorIs(t, d.Send(7, []byte("p1=1")), ErrNotRunning)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	err := d.Send(8, []byte("p1=1"))
	require.ErrorIs(t, err, ErrUnknownController)
}

func TestSend_QueueFullRaisesCondition(t *testing.T) {
	// a transport that blocks keeps the loop from draining
	release := make(chan struct{})
	blocking := transportFunc(func(ctx context.Context, _ communicator.Request) communicator.Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return okResult
	})

	opts := testOptions()
	opts.QueueSize = 1
	sig := &mockSignaler{}
	sig.On("SetCondition", ConditionQueueError, mock.Anything).Once()
	sig.On("ClearCondition", ConditionQueueError, mock.Anything).Once()

	d := New(opts, blocking, nil, WithSignaler(sig))
	require.NoError(t, d.RegisterController(1, "key", time.Millisecond))
	require.NoError(t, d.Start(context.Background()))

	// first payload enters the transport, second fills the queue
	require.NoError(t, d.Send(1, []byte("p1=1")))
	require.Eventually(t, func() bool { return d.Stats().Queued == 0 }, time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, d.Send(1, []byte("p1=2")))

	err := d.Send(1, []byte("p1=3"))
	require.ErrorIs(t, err, queue.ErrQueueFull)

	close(release)
	require.Eventually(t, func() bool { return d.Send(1, []byte("p1=4")) == nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Stop(context.Background()))
	sig.AssertExpectations(t)
}

func TestLifecycle_StartTwiceAndRegistrationClosed(t *testing.T) {
	d := startDispatcher(t, testOptions(), newFakeTransport(time.Now, okResult), nil, 1)

	require.ErrorIs(t, d.Start(context.Background()), ErrAlreadyRunning)
	require.ErrorIs(t, d.RegisterController(2, "key", time.Second), ErrRegistrationClosed)
	assert.Equal(t, StateRunning, d.State())
}

func TestLifecycle_SuspendKeepsState(t *testing.T) {
	tr := newFakeTransport(time.Now, okResult)
	d := startDispatcher(t, testOptions(), tr, nil, 7)

	require.NoError(t, d.Suspend())
	require.ErrorIs(t, d.Suspend(), ErrNotRunning)
	assert.Equal(t, StateSuspended, d.State())

	require.NoError(t, d.Send(7, []byte("p1=1")))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, tr.Calls(), "nothing is sent while suspended")

	// Start on a suspended dispatcher resumes it
	require.NoError(t, d.Start(context.Background()))
	require.Eventually(t, func() bool { return len(tr.Calls()) == 1 }, time.Second, time.Millisecond)
	require.ErrorIs(t, d.Resume(), ErrNotSuspended)
}

func TestLifecycle_ResumeRefusedOffline(t *testing.T) {
	conn := newFakeConn(true)
	d := startDispatcher(t, testOptions(), newFakeTransport(time.Now, okResult), conn, 1)

	require.NoError(t, d.Suspend())
	conn.up.Store(false)
	require.ErrorIs(t, d.Resume(), ErrOffline)
	assert.Equal(t, StateSuspended, d.State())

	conn.up.Store(true)
	require.NoError(t, d.Resume())
	assert.Equal(t, StateRunning, d.State())
}

func TestLifecycle_Stop(t *testing.T) {
	d := New(testOptions(), newFakeTransport(time.Now, okResult), nil)
	require.NoError(t, d.Stop(context.Background()), "stop before start is fine")

	require.NoError(t, d.RegisterController(1, "key", time.Second))
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Suspend())
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, StateStopped, d.State())
	assert.Zero(t, d.Stats().Controllers, "stop releases controllers")
	require.ErrorIs(t, d.Send(1, []byte("p1=1")), ErrNotRunning)

	// re-registration after a full teardown
	require.NoError(t, d.RegisterController(1, "key", time.Second))
}

func TestLifecycle_StopConcurrentWithSend(t *testing.T) {
	d := New(testOptions(), newFakeTransport(time.Now, okResult), nil)
	require.NoError(t, d.RegisterController(1, "key", time.Hour))
	require.NoError(t, d.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				err := d.Send(1, []byte("p1=1"))
				if err != nil && !errors.Is(err, queue.ErrQueueFull) {
					assert.ErrorIs(t, err, ErrNotRunning)
				}
			}
		}()
	}
	require.NoError(t, d.Stop(context.Background()))
	wg.Wait()
}

func TestLifecycle_StopTimeoutBlocksRestartUntilLoopExits(t *testing.T) {
	// the transport ignores ctx, so the loop outlives Stop's deadline
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	stuck := transportFunc(func(context.Context, communicator.Request) communicator.Result {
		once.Do(func() { close(entered) })
		<-release
		return okResult
	})

	d := New(testOptions(), stuck, nil)
	require.NoError(t, d.RegisterController(1, "key", time.Millisecond))
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Send(1, []byte("p1=1")))

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("transport never called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateStopping, d.State())
	assert.Equal(t, 1, d.Stats().Controllers)

	require.ErrorIs(t, d.RegisterController(2, "key", time.Second), ErrRegistrationClosed)
	require.ErrorIs(t, d.Start(context.Background()), ErrStopping)
	require.ErrorIs(t, d.Send(1, []byte("p1=2")), ErrNotRunning)
	require.ErrorIs(t, d.Resume(), ErrNotSuspended)

	close(release)
	require.Eventually(t, func() bool { return d.State() == StateStopped }, time.Second, time.Millisecond)
	assert.Zero(t, d.Stats().Controllers, "controllers released once the loop is gone")

	require.NoError(t, d.RegisterController(2, "key", time.Second))
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop(context.Background()))
}

func TestLifecycle_StartSuspendedHoldsSendCondition(t *testing.T) {
	tr := newFakeTransport(time.Now, okResult)
	sig := &mockSignaler{}
	sig.On("SetCondition", ConditionSendFailing, mock.Anything).Once()
	sig.On("ClearCondition", ConditionSendFailing, mock.Anything).Once()

	opts := testOptions()
	opts.StartSuspended = true
	d := New(opts, tr, nil, WithSignaler(sig))
	require.NoError(t, d.RegisterController(7, "key", time.Millisecond))
	require.NoError(t, d.Start(context.Background()))

	assert.Equal(t, StateSuspended, d.State())
	sig.AssertCalled(t, "SetCondition", ConditionSendFailing, mock.Anything)
	sig.AssertNotCalled(t, "ClearCondition", ConditionSendFailing, mock.Anything)

	require.NoError(t, d.Send(7, []byte("p1=1")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tr.Calls(), "nothing is sent before resume")

	require.NoError(t, d.Resume())
	require.Eventually(t, func() bool { return len(tr.Calls()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, d.Stop(context.Background()))
	sig.AssertExpectations(t)
}

func TestLifecycle_StopWhileStartSuspendedClearsCondition(t *testing.T) {
	sig := &mockSignaler{}
	sig.On("SetCondition", ConditionSendFailing, mock.Anything).Once()
	sig.On("ClearCondition", ConditionSendFailing, mock.Anything).Once()

	opts := testOptions()
	opts.StartSuspended = true
	d := New(opts, newFakeTransport(time.Now, okResult), nil, WithSignaler(sig))
	require.NoError(t, d.RegisterController(1, "key", time.Second))
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, StateStopped, d.State())
	sig.AssertExpectations(t)
}

func TestSend_RejectsMalformedFields(t *testing.T) {
	tr := newFakeTransport(time.Now, okResult)
	d := startDispatcher(t, testOptions(), tr, nil, 7)

	for _, f := range []string{"p1=a b", "p1=1\r\nX: y", "p1=%zz"} {
		err := d.Send(7, []byte(f))
		require.ErrorIs(t, err, communicator.ErrInvalidFields, "%q", f)
	}
	assert.Zero(t, d.Stats().Queued)

	require.NoError(t, d.Send(7, []byte("p1=a+b")))
	require.Eventually(t, func() bool { return len(tr.Calls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "p1=a+b", string(tr.Calls()[0].req.Fields))
}

type transportFunc func(ctx context.Context, req communicator.Request) communicator.Result

func (f transportFunc) Send(ctx context.Context, req communicator.Request) communicator.Result {
	return f(ctx, req)
}
