package monitor

import (
	"strings"
	"sync/atomic"

	"exam-proctor/internal/config"
	"exam-proctor/internal/session"
)

// Combo is one forbidden key combination. A modifier is required only when
// set; the key compares case-insensitively.
type Combo struct {
	Name  string
	Key   string
	Ctrl  bool
	Shift bool
	Alt   bool
}

func (c Combo) matches(ev session.InputEvent) bool {
	return (!c.Ctrl || ev.Ctrl) &&
		(!c.Shift || ev.Shift) &&
		(!c.Alt || ev.Alt) &&
		strings.EqualFold(ev.Key, c.Key)
}

func (c Combo) String() string {
	var b strings.Builder
	if c.Ctrl {
		b.WriteString("ctrl+")
	}
	if c.Shift {
		b.WriteString("shift+")
	}
	if c.Alt {
		b.WriteString("alt+")
	}
	b.WriteString(strings.ToLower(c.Key))
	return b.String()
}

// DefaultCombos covers copy, paste, select-all, window switching, developer
// tools and view-source.
func DefaultCombos() []Combo {
	return []Combo{
		{Name: "copy", Key: "c", Ctrl: true},
		{Name: "paste", Key: "v", Ctrl: true},
		{Name: "select_all", Key: "a", Ctrl: true},
		{Name: "alt_tab", Key: "Tab", Alt: true},
		{Name: "devtools", Key: "F12"},
		{Name: "devtools", Key: "I", Ctrl: true, Shift: true},
		{Name: "console", Key: "J", Ctrl: true, Shift: true},
		{Name: "view_source", Key: "u", Ctrl: true},
	}
}

// CombosFromConfig converts the configured table. An empty table yields the
// defaults.
func CombosFromConfig(keys []config.KeyCombo) []Combo {
	if len(keys) == 0 {
		return DefaultCombos()
	}
	out := make([]Combo, 0, len(keys))
	for _, k := range keys {
		out = append(out, Combo{Name: k.Name, Key: k.Key, Ctrl: k.Ctrl, Shift: k.Shift, Alt: k.Alt})
	}
	return out
}

// KeyMonitor logs every key press and flags forbidden combinations and
// context-menu attempts. The combo table can be swapped while sessions run.
type KeyMonitor struct {
	combos atomic.Pointer[[]Combo]
}

// NewKeyMonitor creates a monitor over combos, or DefaultCombos if nil.
func NewKeyMonitor(combos []Combo) *KeyMonitor {
	if combos == nil {
		combos = DefaultCombos()
	}
	k := &KeyMonitor{}
	k.SetCombos(combos)
	return k
}

// SetCombos replaces the forbidden table for every running session.
func (k *KeyMonitor) SetCombos(combos []Combo) {
	c := make([]Combo, len(combos))
	copy(c, combos)
	k.combos.Store(&c)
}

func (k *KeyMonitor) Combos() []Combo {
	c := *k.combos.Load()
	out := make([]Combo, len(c))
	copy(out, c)
	return out
}

func (k *KeyMonitor) Name() string { return "keyboard" }

// Match returns the first forbidden combo ev hits.
func (k *KeyMonitor) Match(ev session.InputEvent) (Combo, bool) {
	for _, c := range *k.combos.Load() {
		if c.matches(ev) {
			return c, true
		}
	}
	return Combo{}, false
}

func (k *KeyMonitor) Start(src Source, sink Sink) (func(), error) {
	if src == nil {
		return nil, ErrNoSource
	}

	detachKeys := src.Listen(session.InputKeyDown, func(ev session.InputEvent) session.Verdict {
		sink.KeyLog(ev.Key)
		if _, ok := k.Match(ev); !ok {
			return session.Verdict{}
		}
		sink.Violation(session.ViolationSpec{
			Type:        session.ForbiddenKey,
			Severity:    session.SeverityMedium,
			Description: "Attempted forbidden key combination: " + ev.Key,
		})
		return session.Verdict{Suppress: true}
	})
	detachMenu := src.Listen(session.InputContextMenu, func(session.InputEvent) session.Verdict {
		sink.Violation(session.ViolationSpec{
			Type:        session.ForbiddenKey,
			Severity:    session.SeverityLow,
			Description: "Right-click attempted",
		})
		return session.Verdict{Suppress: true}
	})

	return func() {
		detachKeys()
		detachMenu()
	}, nil
}
