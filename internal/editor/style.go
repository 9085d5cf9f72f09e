package editor

// Variant is the visual severity of a control.
type Variant string

const (
	VariantDefault Variant = "default"
	VariantWarning Variant = "warning"
	VariantError   Variant = "error"
	VariantSuccess Variant = "success"
)

// Style is the derived visual state of a control.
type Style struct {
	Variant Variant
	Pulse   bool
}

// ControlKind selects the class-name prefix for a control type.
type ControlKind string

const (
	ControlInput  ControlKind = "input"
	ControlRange  ControlKind = "range"
	ControlToggle ControlKind = "toggle"
	ControlSelect ControlKind = "select"
	ControlButton ControlKind = "button"
)

// Style derives the visual state from the current flags. One priority-ordered
// decision list shared by every control type, evaluated fresh on each call.
func (e *Editor) Style() Style {
	e.mu.Lock()
	batched := e.batched
	localChange := e.hasLocalChangeLocked()
	confirmed := e.confirmed
	conflict := e.conflict
	timedOut := e.timedOut
	pending := e.pending
	editing := e.editing
	e.mu.Unlock()

	reading := false
	readTimedOut := false
	if e.readCtx != nil {
		reading = e.readCtx.Reading()
		readTimedOut = e.readCtx.ReadTimedOut()
	}

	switch {
	case batched && localChange:
		return Style{Variant: VariantWarning}
	case readTimedOut:
		return Style{Variant: VariantError}
	case reading:
		return Style{Variant: VariantWarning, Pulse: true}
	case confirmed:
		return Style{Variant: VariantSuccess}
	case conflict:
		return Style{Variant: VariantError}
	case timedOut:
		return Style{Variant: VariantError}
	case pending:
		return Style{Variant: VariantWarning, Pulse: true}
	case !batched && editing:
		return Style{Variant: VariantWarning}
	default:
		return Style{Variant: VariantDefault}
	}
}

// ClassFor renders the style as a class-name string with the control-type
// prefix, e.g. "range-error" or "toggle-warning pulse".
func (e *Editor) ClassFor(kind ControlKind) string {
	s := e.Style()
	class := string(kind) + "-" + string(s.Variant)
	if s.Pulse {
		class += " pulse"
	}
	return class
}

// InputClass returns the class for a text input control.
func (e *Editor) InputClass() string { return e.ClassFor(ControlInput) }

// RangeClass returns the class for a range slider control.
func (e *Editor) RangeClass() string { return e.ClassFor(ControlRange) }

// ToggleClass returns the class for a toggle control.
func (e *Editor) ToggleClass() string { return e.ClassFor(ControlToggle) }

// SelectClass returns the class for a select control.
func (e *Editor) SelectClass() string { return e.ClassFor(ControlSelect) }

// ButtonClass returns the class for a button control.
func (e *Editor) ButtonClass() string { return e.ClassFor(ControlButton) }
