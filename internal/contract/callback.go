package contract

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallbackState is the delivery state of a registered callback.
type CallbackState string

const (
	CallbackPending      CallbackState = "pending"
	CallbackAcknowledged CallbackState = "acknowledged"
	CallbackDelivered    CallbackState = "delivered"
	CallbackExpired      CallbackState = "expired"
	CallbackFailed       CallbackState = "failed"
)

// Terminal reports whether the state admits no further transitions.
// Delivered is terminal: delivery is single-use.
func (s CallbackState) Terminal() bool {
	return s == CallbackDelivered || s == CallbackExpired || s == CallbackFailed
}

// CallbackRecord tracks one pending delivery and its acknowledgement policy.
type CallbackRecord struct {
	ID                  string
	IdempotencyKey      string
	State               CallbackState
	CreatedAt           time.Time
	TTL                 time.Duration
	AckWindow           time.Duration
	Attempts            int
	MaxAttempts         int
	RequireAck          bool
	AllowDirectDelivery bool
}

// CallbackOptions configures a registered callback.
type CallbackOptions struct {
	TTL                 time.Duration
	AckWindow           time.Duration
	MaxAttempts         int
	RequireAck          bool
	AllowDirectDelivery bool
}

// CallbackContract registers callbacks keyed by idempotency key: at most one
// non-terminal record exists per key. The strict policy (default) rejects
// delivery of a pending callback that requires acknowledgement; the
// compatibility policy (AllowDirectDelivery) permits it.
type CallbackContract struct {
	mu      sync.Mutex
	records map[string]*CallbackRecord
	byKey   map[string]string
	now     func() time.Time
}

// NewCallbackContract creates an empty CallbackContract.
func NewCallbackContract() *CallbackContract {
	return &CallbackContract{
		records: map[string]*CallbackRecord{},
		byKey:   map[string]string{},
		now:     time.Now,
	}
}

// Register creates a callback for the given idempotency key, or returns the
// existing record when a non-terminal one is already registered for the key.
func (c *CallbackContract) Register(idempotencyKey string, opts CallbackOptions) CallbackRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byKey[idempotencyKey]; ok {
		if rec, ok := c.records[id]; ok {
			c.expireIfStaleLocked(rec)
			if !rec.State.Terminal() {
				return *rec
			}
		}
	}
	rec := &CallbackRecord{
		ID:                  uuid.NewString(),
		IdempotencyKey:      idempotencyKey,
		State:               CallbackPending,
		CreatedAt:           c.now(),
		TTL:                 opts.TTL,
		AckWindow:           opts.AckWindow,
		MaxAttempts:         opts.MaxAttempts,
		RequireAck:          opts.RequireAck,
		AllowDirectDelivery: opts.AllowDirectDelivery,
	}
	c.records[rec.ID] = rec
	c.byKey[idempotencyKey] = rec.ID
	return *rec
}

// Get returns the record, applying auto-expiry on read: a pending callback
// past its ack window (when ack is required) or any record past its TTL
// becomes expired.
func (c *CallbackContract) Get(id string) (CallbackRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return CallbackRecord{}, NewError("callback_not_found", "unknown callback: "+id)
	}
	c.expireIfStaleLocked(rec)
	return *rec, nil
}

// Acknowledge marks a pending callback acknowledged.
func (c *CallbackContract) Acknowledge(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return NewError("callback_not_found", "unknown callback: "+id)
	}
	c.expireIfStaleLocked(rec)
	if rec.State != CallbackPending {
		return NewError("invalid_transition", string(rec.State)+" -> acknowledged")
	}
	rec.State = CallbackAcknowledged
	return nil
}

// Deliver marks a callback delivered. Delivery is single-use: a second call
// fails. Under the strict policy a callback that is still pending with
// RequireAck set is rejected; AllowDirectDelivery permits delivery straight
// from pending.
func (c *CallbackContract) Deliver(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return NewError("callback_not_found", "unknown callback: "+id)
	}
	c.expireIfStaleLocked(rec)
	if rec.State.Terminal() {
		return NewError("invalid_transition", string(rec.State)+" -> delivered")
	}
	if rec.State == CallbackPending && rec.RequireAck && !rec.AllowDirectDelivery {
		return NewError("ack_required", "callback requires acknowledgement before delivery")
	}
	if rec.MaxAttempts > 0 && rec.Attempts >= rec.MaxAttempts {
		rec.State = CallbackFailed
		return NewError("attempts_exhausted", "callback delivery attempts exhausted")
	}
	rec.Attempts++
	rec.State = CallbackDelivered
	return nil
}

// Fail marks a non-terminal callback failed.
func (c *CallbackContract) Fail(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return NewError("callback_not_found", "unknown callback: "+id)
	}
	if rec.State.Terminal() {
		return NewError("invalid_transition", string(rec.State)+" -> failed")
	}
	rec.State = CallbackFailed
	return nil
}

func (c *CallbackContract) expireIfStaleLocked(rec *CallbackRecord) {
	if rec.State.Terminal() {
		return
	}
	age := c.now().Sub(rec.CreatedAt)
	if rec.State == CallbackPending && rec.RequireAck && rec.AckWindow > 0 && age > rec.AckWindow {
		rec.State = CallbackExpired
		return
	}
	if rec.TTL > 0 && age > rec.TTL {
		rec.State = CallbackExpired
	}
}
