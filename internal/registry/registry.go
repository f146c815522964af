// Package registry keeps the set of remote controllers and the payload each
// one is waiting to deliver.
//
// A Registry has a single writer: the dispatcher loop. It does no locking of
// its own.
package registry

import (
	"errors"
	"fmt"
	"time"
)

// MaxCredentialLength bounds the controller key presented to the remote API.
const MaxCredentialLength = 32

var (
	ErrAlreadyRegistered = errors.New("controller already registered")
	ErrInvalidCredential = errors.New("invalid controller credential")
)

// Controller is the per-endpoint delivery state.
type Controller struct {
	ID          uint32
	Credential  string
	MinInterval time.Duration

	// Pending is the payload awaiting delivery, nil when idle.
	Pending       []byte
	CorrelationID string
	Attempts      int

	LastSend time.Time
	NextSend time.Time
}

// HasPending reports whether the controller holds undelivered data.
func (c *Controller) HasPending() bool {
	return c.Pending != nil
}

// Replace swaps in a new payload, discarding any previous one and its retry count.
func (c *Controller) Replace(payload []byte, correlationID string) {
	if payload == nil {
		payload = []byte{}
	}
	c.Pending = payload
	c.CorrelationID = correlationID
	c.Attempts = 0
}

// Clear drops the pending payload.
func (c *Controller) Clear() {
	c.Pending = nil
	c.CorrelationID = ""
	c.Attempts = 0
}

type Registry struct {
	floor time.Duration
	byID  map[uint32]*Controller
	order []*Controller
}

// New creates an empty registry. Intervals below floor are raised to it;
// a zero floor keeps intervals as given.
func New(floor time.Duration) *Registry {
	return &Registry{
		floor: floor,
		byID:  make(map[uint32]*Controller),
	}
}

func (r *Registry) Register(id uint32, credential string, minInterval time.Duration) (*Controller, error) {
	if _, ok := r.byID[id]; ok {
		return nil, fmt.Errorf("controller %d: %w", id, ErrAlreadyRegistered)
	}
	if credential == "" || len(credential) > MaxCredentialLength {
		return nil, fmt.Errorf("controller %d: %w", id, ErrInvalidCredential)
	}
	if minInterval < r.floor {
		minInterval = r.floor
	}

	c := &Controller{
		ID:          id,
		Credential:  credential,
		MinInterval: minInterval,
	}
	r.byID[id] = c
	r.order = append(r.order, c)
	return c, nil
}

func (r *Registry) Find(id uint32) (*Controller, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// ForEachPending calls fn for every controller with a pending payload, in
// registration order.
func (r *Registry) ForEachPending(fn func(c *Controller)) {
	for _, c := range r.order {
		if c.HasPending() {
			fn(c)
		}
	}
}

func (r *Registry) Len() int {
	return len(r.order)
}

// Clear releases every controller and its buffered payload.
func (r *Registry) Clear() {
	for _, c := range r.order {
		c.Clear()
	}
	r.byID = make(map[uint32]*Controller)
	r.order = nil
}
