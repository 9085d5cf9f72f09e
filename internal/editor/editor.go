// Package editor implements the per-property optimistic-write state machine:
// it decides when a user-entered value is transmitted, tracks whether the
// device echoed that exact value back, and exposes the flags the UI needs to
// render idle/editing/pending/confirmed/conflict/timed-out visuals.
package editor

import (
	"reflect"
	"sync"
	"time"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/clock"
)

// ConfirmTimeout bounds both the write-confirmation wait and the sibling
// read flow. Shorter than the transport request timeout on purpose: a
// user-facing control should report failure well before the outer request
// could even time out.
const ConfirmTimeout = 10 * time.Second

// SendFunc transmits a submitted value toward the device.
type SendFunc func(value any) error

// EqualFunc compares a submitted value against a device-reported one.
// Callers may supply tolerance-based equality, e.g. for floating point.
type EqualFunc func(a, b any) bool

// Snapshot is the compact state published upward when it changes.
type Snapshot struct {
	Pending   bool `json:"pending"`
	Confirmed bool `json:"confirmed"`
	Conflict  bool `json:"conflict"`
	TimedOut  bool `json:"timed_out"`
}

// Options configures New.
type Options struct {
	// Send is invoked on every accepted submission. Required.
	Send SendFunc

	// Equals defaults to deep equality.
	Equals EqualFunc

	// Batched disables pending/confirmed/timeout tracking entirely:
	// submissions only stage a local value and an external apply action
	// owns the device write.
	Batched bool

	// HasLocalChange optionally overrides the batched-mode unsaved-change
	// computation with an externally computed flag.
	HasLocalChange func() bool

	// Clock defaults to the system clock.
	Clock clock.Clock

	// ReadContext couples this editor with its sibling read flow. The
	// retry registration and snapshot publication are skipped in batched
	// mode.
	ReadContext *ReadContext

	// OnSnapshot receives the compact state whenever it changes.
	OnSnapshot func(Snapshot)
}

// Editor is the state machine for one editable device property. All methods
// are safe for concurrent use.
type Editor struct {
	mu sync.Mutex

	send       SendFunc
	eq         EqualFunc
	batched    bool
	localFn    func() bool
	clock      clock.Clock
	readCtx    *ReadContext
	onSnapshot func(Snapshot)

	sentValue any
	pending   bool

	confirmed      bool
	conflict       bool
	timedOut       bool
	editing        bool
	hasOverwritten bool

	lastSubmitted    any
	hasLastSubmitted bool

	deviceValue    any
	hasDeviceValue bool

	localValue    any
	hasLocalValue bool

	timer        clock.Timer
	lastSnapshot Snapshot
	published    bool
}

// New creates an Editor. It panics if Send is nil.
func New(opts Options) *Editor {
	if opts.Send == nil {
		panic("editor: Send is required")
	}
	if opts.Equals == nil {
		opts.Equals = func(a, b any) bool { return reflect.DeepEqual(a, b) }
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}

	e := &Editor{
		send:    opts.Send,
		eq:      opts.Equals,
		batched: opts.Batched,
		localFn: opts.HasLocalChange,
		clock:   opts.Clock,
		readCtx: opts.ReadContext,
	}
	if !e.batched {
		e.onSnapshot = opts.OnSnapshot
		if e.readCtx != nil {
			e.readCtx.RegisterRetry(e.Retry)
			e.readCtx.onReadBegin(e.clearConfirmedForRead)
		}
	}
	return e
}

// BeginEdit marks the start of an edit gesture (focus or drag-start).
func (e *Editor) BeginEdit() {
	e.mu.Lock()
	e.editing = true
	e.mu.Unlock()
	e.publish()
}

// Submit offers a candidate value. It reports whether the submission was
// accepted; rejected submissions have no side effect.
//
// A nil candidate represents a "clear" action: the send callback is invoked
// but the round trip is not tracked.
func (e *Editor) Submit(value any) bool {
	e.mu.Lock()

	if e.batched {
		e.localValue = value
		e.hasLocalValue = true
		e.mu.Unlock()
		e.send(value)
		return true
	}

	if value == nil {
		e.mu.Unlock()
		e.send(nil)
		return true
	}

	// Duplicate-submission suppression: a blur must not resend an
	// unchanged in-flight value.
	if e.hasLastSubmitted && e.eq(value, e.lastSubmitted) {
		e.mu.Unlock()
		return false
	}

	// No-op submit: candidate equals the confirmed device value and
	// nothing is pending.
	if e.hasDeviceValue && e.eq(value, e.deviceValue) && !e.pending {
		e.mu.Unlock()
		return false
	}

	if e.pending {
		e.hasOverwritten = true
	}
	e.sentValue = value
	e.pending = true
	e.lastSubmitted = value
	e.hasLastSubmitted = true
	e.localValue = value
	e.hasLocalValue = true
	e.confirmed = false
	e.conflict = false
	e.timedOut = false
	e.restartTimerLocked()
	e.mu.Unlock()

	e.send(value)
	e.publish()
	return true
}

// SetDeviceValue feeds the device's currently reported value into the
// machine. Only an actual change (vs. the previously reported value) is
// interpreted; repeated reports are ignored.
func (e *Editor) SetDeviceValue(value any) {
	e.mu.Lock()

	if e.hasDeviceValue && reflect.DeepEqual(value, e.deviceValue) {
		e.mu.Unlock()
		return
	}
	e.deviceValue = value
	e.hasDeviceValue = true

	if e.batched || !e.pending {
		e.mu.Unlock()
		return
	}

	switch {
	case e.eq(value, e.sentValue):
		// The device echoed the value we are waiting for.
		e.pending = false
		e.sentValue = nil
		e.hasOverwritten = false
		e.conflict = false
		e.timedOut = false
		e.editing = false
		e.confirmed = true
		e.hasLastSubmitted = false
		e.stopTimerLocked()
	case !e.hasOverwritten:
		// Our single request was not honored as sent.
		e.pending = false
		e.conflict = true
		e.stopTimerLocked()
	default:
		// Race guard: a stale echo for an earlier overwritten submission
		// is neither confirmation nor conflict for the latest one. Stay
		// pending, still awaiting the latest sentValue.
	}
	e.mu.Unlock()
	e.publish()
}

// Retry resubmits the last locally-edited value, clearing error flags and
// re-entering pending. It is exposed to the shared read context so a
// surrounding retry affordance can trigger it without knowing internal
// state.
func (e *Editor) Retry() {
	e.mu.Lock()
	if e.batched || !e.hasLocalValue {
		e.mu.Unlock()
		return
	}
	value := e.localValue
	e.conflict = false
	e.timedOut = false
	e.confirmed = false
	e.pending = true
	e.hasOverwritten = false
	e.sentValue = value
	e.lastSubmitted = value
	e.hasLastSubmitted = true
	e.restartTimerLocked()
	e.mu.Unlock()

	e.send(value)
	e.publish()
}

// ResetForEdit clears confirmed/conflict/timedOut when the user begins a
// fresh edit gesture over an error state. It deliberately preserves
// sentValue and the overwrite bookkeeping: an in-flight request must not be
// forgotten, and a subsequent submit of the device's own current value must
// still be sent while something is pending.
func (e *Editor) ResetForEdit() {
	e.mu.Lock()
	e.confirmed = false
	e.conflict = false
	e.timedOut = false
	e.mu.Unlock()
	e.publish()
}

// ClearStates is the lighter reset for a plain blur-without-submit: editing
// and confirmed only.
func (e *Editor) ClearStates() {
	e.mu.Lock()
	e.editing = false
	e.confirmed = false
	e.mu.Unlock()
	e.publish()
}

// Reset forces the machine back to idle. Used when the device identity
// behind the control changes.
func (e *Editor) Reset() {
	e.mu.Lock()
	e.stopTimerLocked()
	e.sentValue = nil
	e.pending = false
	e.confirmed = false
	e.conflict = false
	e.timedOut = false
	e.editing = false
	e.hasOverwritten = false
	e.lastSubmitted = nil
	e.hasLastSubmitted = false
	e.deviceValue = nil
	e.hasDeviceValue = false
	e.localValue = nil
	e.hasLocalValue = false
	e.mu.Unlock()
	e.publish()
}

// IsPending reports whether a submitted value awaits confirmation.
func (e *Editor) IsPending() bool { e.mu.Lock(); defer e.mu.Unlock(); return e.pending }

// IsConfirmed reports whether the latest submission was echoed back.
func (e *Editor) IsConfirmed() bool { e.mu.Lock(); defer e.mu.Unlock(); return e.confirmed }

// IsConflict reports whether the device answered with a different value.
func (e *Editor) IsConflict() bool { e.mu.Lock(); defer e.mu.Unlock(); return e.conflict }

// IsTimedOut reports whether the confirmation window elapsed.
func (e *Editor) IsTimedOut() bool { e.mu.Lock(); defer e.mu.Unlock(); return e.timedOut }

// IsEditing reports whether an edit gesture is in progress.
func (e *Editor) IsEditing() bool { e.mu.Lock(); defer e.mu.Unlock(); return e.editing }

// SentValue returns the value currently awaiting confirmation, if any.
func (e *Editor) SentValue() (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sentValue, e.pending
}

// DeviceValue returns the last device-reported value, if one was seen.
func (e *Editor) DeviceValue() (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deviceValue, e.hasDeviceValue
}

// HasLocalChange reports, in batched mode, whether the staged local value
// differs from the last-known device value (or defers to the externally
// computed flag when one was supplied).
func (e *Editor) HasLocalChange() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasLocalChangeLocked()
}

func (e *Editor) hasLocalChangeLocked() bool {
	if !e.batched {
		return false
	}
	if e.localFn != nil {
		return e.localFn()
	}
	if !e.hasLocalValue {
		return false
	}
	if !e.hasDeviceValue {
		return true
	}
	return !e.eq(e.localValue, e.deviceValue)
}

// Snapshot returns the compact published state.
func (e *Editor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Editor) snapshotLocked() Snapshot {
	return Snapshot{
		Pending:   e.pending,
		Confirmed: e.confirmed,
		Conflict:  e.conflict,
		TimedOut:  e.timedOut,
	}
}

// publish pushes the compact snapshot upward, but only when it actually
// changed, to avoid redundant parent updates. Skipped entirely in batched
// mode.
func (e *Editor) publish() {
	if e.batched || e.onSnapshot == nil {
		return
	}
	e.mu.Lock()
	snap := e.snapshotLocked()
	if e.published && snap == e.lastSnapshot {
		e.mu.Unlock()
		return
	}
	e.lastSnapshot = snap
	e.published = true
	e.mu.Unlock()
	e.onSnapshot(snap)
}

// clearConfirmedForRead drops a stale confirmation checkmark when a fresh
// read cycle begins.
func (e *Editor) clearConfirmedForRead() {
	e.mu.Lock()
	e.confirmed = false
	e.mu.Unlock()
	e.publish()
}

func (e *Editor) restartTimerLocked() {
	e.stopTimerLocked()
	e.timer = e.clock.AfterFunc(ConfirmTimeout, e.confirmationTimeout)
}

func (e *Editor) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Editor) confirmationTimeout() {
	e.mu.Lock()
	if !e.pending {
		e.mu.Unlock()
		return
	}
	e.pending = false
	e.timedOut = true
	e.timer = nil
	e.mu.Unlock()
	e.publish()
}
