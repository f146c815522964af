// Package dispatcher delivers controller payloads from a single scheduling
// loop.
//
// Producers hand payloads to Send, which only enqueues. The loop drains the
// queue into the registry, keeping at most one pending payload per
// controller (the newest), and sends each one once its controller is
// eligible. All registry mutation happens on the loop goroutine.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bilal/openmon-agent/internal/communicator"
	"github.com/bilal/openmon-agent/internal/logger"
	"github.com/bilal/openmon-agent/internal/queue"
	"github.com/bilal/openmon-agent/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Condition names reported to the Signaler.
const (
	ConditionNoInternet  = "no_internet"
	ConditionSendFailing = "openmon_send"
	ConditionQueueError  = "openmon_queue"
)

var (
	ErrNotRunning         = errors.New("dispatcher not running")
	ErrAlreadyRunning     = errors.New("dispatcher already running")
	ErrStopping           = errors.New("dispatcher still stopping")
	ErrNotSuspended       = errors.New("dispatcher not suspended")
	ErrOffline            = errors.New("network unavailable")
	ErrUnknownController  = errors.New("unknown controller")
	ErrRegistrationClosed = errors.New("controllers must be registered before start")
)

// Transport performs one outbound request per attempt.
type Transport interface {
	Send(ctx context.Context, req communicator.Request) communicator.Result
}

// Connectivity reports whether the network is currently usable.
type Connectivity interface {
	IsConnected() bool
}

// Signaler receives system-wide error conditions. since is the moment the
// condition began.
type Signaler interface {
	SetCondition(kind string, since time.Time)
	ClearCondition(kind string, since time.Time)
}

// Observer is told the final fate of every payload.
type Observer interface {
	Observe(ctx context.Context, d communicator.Delivery)
}

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateSuspended
	// StateStopping follows a Stop that timed out while the loop was still
	// inside a send. It becomes StateStopped once the loop exits.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Stats is a point-in-time view for health reporting.
type Stats struct {
	State               string `json:"state"`
	Controllers         int    `json:"controllers"`
	Queued              int    `json:"queued"`
	Delivered           uint64 `json:"delivered"`
	Dropped             uint64 `json:"dropped"`
	Replaced            uint64 `json:"replaced"`
	Unknown             uint64 `json:"unknown"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
}

type Option func(*Dispatcher)

func WithSignaler(s Signaler) Option {
	return func(d *Dispatcher) { d.signals = s }
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithClock replaces time.Now for the scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

type Dispatcher struct {
	opts      Options
	transport Transport
	conn      Connectivity
	signals   Signaler
	observer  Observer
	now       func() time.Time
	log       zerolog.Logger

	mu       sync.Mutex
	state    State
	queue    *queue.Queue
	registry *registry.Registry
	cancel   context.CancelFunc
	done     chan struct{}
	resume   chan struct{}
	// set while a start-suspended dispatcher holds the send-failing condition
	heldSince time.Time

	// owned by the loop goroutine
	offline      bool
	offlineSince time.Time
	failures     int
	firstFailure time.Time

	queueErr  atomic.Bool
	delivered atomic.Uint64
	dropped   atomic.Uint64
	replaced  atomic.Uint64
	unknown   atomic.Uint64
	failGauge atomic.Int64
}

// New builds a stopped dispatcher. conn may be nil, meaning always connected.
func New(opts Options, transport Transport, conn Connectivity, options ...Option) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		opts:      opts,
		transport: transport,
		conn:      conn,
		signals:   nopSignaler{},
		now:       time.Now,
		log:       logger.WithComponent("dispatcher"),
		registry:  registry.New(opts.MinIntervalFloor),
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// RegisterController adds a controller. Registration is only allowed while
// the dispatcher is stopped.
func (d *Dispatcher) RegisterController(id uint32, credential string, minInterval time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateStopped {
		return fmt.Errorf("controller %d: %w", id, ErrRegistrationClosed)
	}
	c, err := d.registry.Register(id, credential, minInterval)
	if err != nil {
		return err
	}
	d.log.Info().Uint32("cid", id).Dur("min_interval", c.MinInterval).Msg("controller registered")
	return nil
}

// Send queues fields for controller id, waiting at most QueueWait for space.
// fields is copied.
func (d *Dispatcher) Send(id uint32, fields []byte) error {
	d.mu.Lock()
	q := d.queue
	running := d.state != StateStopped
	_, known := d.registry.Find(id)
	d.mu.Unlock()

	if !running || q == nil {
		return ErrNotRunning
	}
	if !known {
		d.unknown.Add(1)
		d.log.Error().Uint32("cid", id).Msg("controller not found, data discarded")
		return fmt.Errorf("controller %d: %w", id, ErrUnknownController)
	}
	if err := communicator.ValidateFields(fields); err != nil {
		d.log.Error().Err(err).Uint32("cid", id).Msg("malformed fields, data discarded")
		return fmt.Errorf("controller %d: %w", id, err)
	}

	item := queue.Item{
		ControllerID:  id,
		Payload:       append([]byte{}, fields...),
		CorrelationID: uuid.New().String(),
		EnqueuedAt:    d.now(),
	}
	err := q.Enqueue(item, d.opts.QueueWait)
	switch {
	case err == nil:
		if d.queueErr.CompareAndSwap(true, false) {
			d.signals.ClearCondition(ConditionQueueError, d.now())
		}
		return nil
	case errors.Is(err, queue.ErrClosed):
		return ErrNotRunning
	default:
		d.log.Error().Err(err).Uint32("cid", id).Msg("error adding message to queue")
		if d.queueErr.CompareAndSwap(false, true) {
			d.signals.SetCondition(ConditionQueueError, d.now())
		}
		return fmt.Errorf("controller %d: %w", id, err)
	}
}

// SendValues encodes values as a field set and queues it.
func (d *Dispatcher) SendValues(id uint32, values url.Values) error {
	return d.Send(id, communicator.EncodeFields(values))
}

// Start launches the loop. Starting a suspended dispatcher resumes it. With
// Options.StartSuspended the loop starts suspended and the send-failing
// condition stays raised until Resume.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case StateRunning:
		d.mu.Unlock()
		return ErrAlreadyRunning
	case StateSuspended:
		d.mu.Unlock()
		return d.Resume()
	case StateStopping:
		d.mu.Unlock()
		return ErrStopping
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q := queue.New(d.opts.QueueSize)
	done := make(chan struct{})

	d.queue = q
	d.cancel = cancel
	d.done = done
	d.state = StateRunning
	d.offline = false
	d.failures = 0
	d.firstFailure = time.Time{}
	d.failGauge.Store(0)
	if d.opts.StartSuspended {
		d.state = StateSuspended
		d.resume = make(chan struct{})
		d.heldSince = d.now()
	}
	held := d.heldSince
	controllers := d.registry.Len()
	d.mu.Unlock()

	if !held.IsZero() {
		d.signals.SetCondition(ConditionSendFailing, held)
	}
	go d.run(loopCtx, q, done)

	d.log.Info().Int("queue_capacity", q.Cap()).Int("controllers", controllers).
		Bool("suspended", !held.IsZero()).Msg("dispatcher started")
	return nil
}

// Suspend pauses sending. Queued and pending payloads are kept.
func (d *Dispatcher) Suspend() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateRunning {
		return ErrNotRunning
	}
	d.state = StateSuspended
	d.resume = make(chan struct{})
	d.log.Info().Msg("dispatcher suspended")
	return nil
}

// Resume continues a suspended dispatcher. It refuses while the network is
// known to be down.
func (d *Dispatcher) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateSuspended {
		return ErrNotSuspended
	}
	if d.conn != nil && !d.conn.IsConnected() {
		return ErrOffline
	}
	d.state = StateRunning
	if d.resume != nil {
		close(d.resume)
		d.resume = nil
	}
	if held := d.heldSince; !held.IsZero() {
		d.heldSince = time.Time{}
		d.signals.ClearCondition(ConditionSendFailing, held)
	}
	d.log.Info().Msg("dispatcher resumed")
	return nil
}

// Stop terminates the loop, drops queued items and releases every
// controller. It is safe to call on a dispatcher that never started.
//
// If ctx ends while the loop is still inside a send, Stop returns ctx.Err()
// and the dispatcher stays in StateStopping, refusing Start and
// RegisterController, until the loop has exited.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done, q := d.cancel, d.done, d.queue
	held := d.heldSince
	// Send fails from here on; done is kept until the loop is gone
	d.queue = nil
	d.cancel = nil
	d.resume = nil
	d.heldSince = time.Time{}
	if done == nil {
		d.registry.Clear()
		d.mu.Unlock()
		return nil
	}
	d.state = StateStopping
	d.mu.Unlock()

	if !held.IsZero() {
		d.signals.ClearCondition(ConditionSendFailing, held)
	}
	if cancel != nil {
		cancel()
	}
	if q != nil {
		if n := q.Close(); n > 0 {
			d.log.Warn().Int("count", n).Msg("queued payloads dropped on stop")
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn().Msg("dispatcher stop timeout, loop still exiting")
		go func() {
			<-done
			d.stopped(done)
		}()
		return ctx.Err()
	}

	d.stopped(done)
	d.log.Info().Msg("dispatcher stopped")
	return nil
}

// stopped completes a Stop once the loop that owned done has exited.
func (d *Dispatcher) stopped(done chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done != done {
		return
	}
	d.done = nil
	d.state = StateStopped
	d.registry.Clear()
}

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	st := Stats{
		State:       d.state.String(),
		Controllers: d.registry.Len(),
	}
	if d.queue != nil {
		st.Queued = d.queue.Len()
	}
	d.mu.Unlock()

	st.Delivered = d.delivered.Load()
	st.Dropped = d.dropped.Load()
	st.Replaced = d.replaced.Load()
	st.Unknown = d.unknown.Load()
	st.ConsecutiveFailures = d.failGauge.Load()
	return st
}

type nopSignaler struct{}

func (nopSignaler) SetCondition(string, time.Time)   {}
func (nopSignaler) ClearCondition(string, time.Time) {}
