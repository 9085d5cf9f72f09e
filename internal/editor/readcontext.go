package editor

import (
	"sync"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/clock"
)

// ReadContext is the explicit bidirectional interface shared by an editor
// and its sibling read flow for the same control: the read flow exposes its
// reading/timed-out flags, the editor registers its retry action, and a
// beginning read cycle clears a lingering confirmation checkmark.
type ReadContext struct {
	mu           sync.Mutex
	clock        clock.Clock
	reading      bool
	readTimedOut bool
	timer        clock.Timer
	retry        func()
	readBegin    []func()
}

// NewReadContext creates a ReadContext using the given clock.
func NewReadContext(clk clock.Clock) *ReadContext {
	if clk == nil {
		clk = clock.System{}
	}
	return &ReadContext{clock: clk}
}

// BeginRead starts a read cycle, time-boxed at the shared confirmation
// timeout.
func (rc *ReadContext) BeginRead() {
	rc.mu.Lock()
	rc.reading = true
	rc.readTimedOut = false
	if rc.timer != nil {
		rc.timer.Stop()
	}
	rc.timer = rc.clock.AfterFunc(ConfirmTimeout, rc.readTimeout)
	callbacks := rc.readBegin
	rc.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// CompleteRead ends the read cycle successfully.
func (rc *ReadContext) CompleteRead() {
	rc.mu.Lock()
	rc.reading = false
	if rc.timer != nil {
		rc.timer.Stop()
		rc.timer = nil
	}
	rc.mu.Unlock()
}

func (rc *ReadContext) readTimeout() {
	rc.mu.Lock()
	if !rc.reading {
		rc.mu.Unlock()
		return
	}
	rc.reading = false
	rc.readTimedOut = true
	rc.timer = nil
	rc.mu.Unlock()
}

// Reading reports whether a read cycle is in progress.
func (rc *ReadContext) Reading() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.reading
}

// ReadTimedOut reports whether the last read cycle timed out.
func (rc *ReadContext) ReadTimedOut() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.readTimedOut
}

// RegisterRetry records the editor's retry action.
func (rc *ReadContext) RegisterRetry(f func()) {
	rc.mu.Lock()
	rc.retry = f
	rc.mu.Unlock()
}

// Retry triggers the registered retry action, if any.
func (rc *ReadContext) Retry() {
	rc.mu.Lock()
	f := rc.retry
	rc.mu.Unlock()
	if f != nil {
		f()
	}
}

func (rc *ReadContext) onReadBegin(f func()) {
	rc.mu.Lock()
	rc.readBegin = append(rc.readBegin, f)
	rc.mu.Unlock()
}
