package monitor

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"exam-proctor/internal/config"
	"exam-proctor/internal/session"
)

type recordingSink struct {
	violations []session.ViolationSpec
	keys       []string
}

func (s *recordingSink) Violation(spec session.ViolationSpec) { s.violations = append(s.violations, spec) }
func (s *recordingSink) KeyLog(key string)                    { s.keys = append(s.keys, key) }

func TestKeyMonitorForbiddenCombos(t *testing.T) {
	tests := []struct {
		name         string
		ev           session.InputEvent
		wantSuppress bool
	}{
		{"ctrl+c", session.InputEvent{Kind: session.InputKeyDown, Key: "c", Ctrl: true}, true},
		{"ctrl+C upper", session.InputEvent{Kind: session.InputKeyDown, Key: "C", Ctrl: true}, true},
		{"ctrl+v", session.InputEvent{Kind: session.InputKeyDown, Key: "v", Ctrl: true}, true},
		{"ctrl+a", session.InputEvent{Kind: session.InputKeyDown, Key: "a", Ctrl: true}, true},
		{"alt+tab", session.InputEvent{Kind: session.InputKeyDown, Key: "Tab", Alt: true}, true},
		{"f12", session.InputEvent{Kind: session.InputKeyDown, Key: "F12"}, true},
		{"ctrl+shift+i", session.InputEvent{Kind: session.InputKeyDown, Key: "I", Ctrl: true, Shift: true}, true},
		{"ctrl+shift+j", session.InputEvent{Kind: session.InputKeyDown, Key: "J", Ctrl: true, Shift: true}, true},
		{"ctrl+u", session.InputEvent{Kind: session.InputKeyDown, Key: "u", Ctrl: true}, true},
		{"plain c", session.InputEvent{Kind: session.InputKeyDown, Key: "c"}, false},
		{"tab without alt", session.InputEvent{Kind: session.InputKeyDown, Key: "Tab"}, false},
		{"ctrl+i without shift", session.InputEvent{Kind: session.InputKeyDown, Key: "i", Ctrl: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := session.NewBus()
			sink := &recordingSink{}
			stop, err := NewKeyMonitor(nil).Start(bus, sink)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer stop()

			v := bus.Dispatch(tt.ev)
			if v.Suppress != tt.wantSuppress {
				t.Errorf("Suppress = %v, want %v", v.Suppress, tt.wantSuppress)
			}
			if len(sink.keys) != 1 || sink.keys[0] != tt.ev.Key {
				t.Errorf("key log = %v, want [%s]", sink.keys, tt.ev.Key)
			}

			wantViolations := 0
			if tt.wantSuppress {
				wantViolations = 1
			}
			if len(sink.violations) != wantViolations {
				t.Fatalf("got %d violations, want %d", len(sink.violations), wantViolations)
			}
			if wantViolations == 1 {
				got := sink.violations[0]
				if got.Type != session.ForbiddenKey || got.Severity != session.SeverityMedium {
					t.Errorf("violation = %+v", got)
				}
			}
		})
	}
}

func TestKeyMonitorContextMenu(t *testing.T) {
	bus := session.NewBus()
	sink := &recordingSink{}
	stop, _ := NewKeyMonitor(nil).Start(bus, sink)
	defer stop()

	for i := 0; i < 2; i++ {
		if v := bus.Dispatch(session.InputEvent{Kind: session.InputContextMenu}); !v.Suppress {
			t.Error("context menu should be suppressed")
		}
	}
	if len(sink.violations) != 2 {
		t.Fatalf("got %d violations, want 2", len(sink.violations))
	}
	for _, v := range sink.violations {
		if v.Severity != session.SeverityLow || v.Description != "Right-click attempted" {
			t.Errorf("violation = %+v", v)
		}
	}
}

func TestKeyMonitorSetCombos(t *testing.T) {
	k := NewKeyMonitor(nil)
	bus := session.NewBus()
	sink := &recordingSink{}
	stop, _ := k.Start(bus, sink)
	defer stop()

	printScreen := session.InputEvent{Kind: session.InputKeyDown, Key: "PrintScreen"}
	if bus.Dispatch(printScreen).Suppress {
		t.Fatal("PrintScreen is not forbidden by default")
	}

	k.SetCombos([]Combo{{Name: "screenshot", Key: "printscreen"}})
	if !bus.Dispatch(printScreen).Suppress {
		t.Error("running monitor did not pick up the new table")
	}
	if bus.Dispatch(session.InputEvent{Kind: session.InputKeyDown, Key: "c", Ctrl: true}).Suppress {
		t.Error("ctrl+c still forbidden after table swap")
	}
	if got := k.Combos(); len(got) != 1 || got[0].String() != "printscreen" {
		t.Errorf("Combos() = %v", got)
	}
}

func TestCombosFromConfig(t *testing.T) {
	if got := CombosFromConfig(nil); len(got) != len(DefaultCombos()) {
		t.Errorf("empty config should yield defaults, got %d combos", len(got))
	}
	got := CombosFromConfig([]config.KeyCombo{{Name: "print", Key: "p", Ctrl: true}})
	if len(got) != 1 || got[0].String() != "ctrl+p" {
		t.Errorf("CombosFromConfig = %v", got)
	}
}

func TestWindowMonitors(t *testing.T) {
	bus := session.NewBus()
	sink := &recordingSink{}
	h, err := NewDefaultDetector(nil).Start(bus, sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	bus.Dispatch(session.InputEvent{Kind: session.InputBlur})
	bus.Dispatch(session.InputEvent{Kind: session.InputFocus})
	bus.Dispatch(session.InputEvent{Kind: session.InputFullscreenChange, Fullscreen: true})
	bus.Dispatch(session.InputEvent{Kind: session.InputFullscreenChange, Fullscreen: false})

	if len(sink.violations) != 2 {
		t.Fatalf("got %d violations, want 2: %+v", len(sink.violations), sink.violations)
	}
	if v := sink.violations[0]; v.Type != session.FocusLoss || v.Severity != session.SeverityMedium {
		t.Errorf("first violation = %+v", v)
	}
	if v := sink.violations[1]; v.Type != session.FullscreenExit || v.Severity != session.SeverityHigh {
		t.Errorf("second violation = %+v", v)
	}

	h.Stop()
	h.Stop()
	if n := bus.Listeners(); n != 0 {
		t.Errorf("%d listeners left after Stop", n)
	}
}

type failingMonitor struct{}

func (failingMonitor) Name() string { return "broken" }
func (failingMonitor) Start(Source, Sink) (func(), error) {
	return nil, errors.New("boom")
}

func TestDetectorStartRollsBack(t *testing.T) {
	bus := session.NewBus()
	d := NewDetector(NewKeyMonitor(nil), FocusMonitor{}, failingMonitor{})

	if _, err := d.Start(bus, &recordingSink{}); err == nil {
		t.Fatal("expected error")
	}
	if n := bus.Listeners(); n != 0 {
		t.Errorf("%d listeners leaked after failed start", n)
	}
	if _, err := d.Start(nil, &recordingSink{}); !errors.Is(err, ErrNoSource) {
		t.Errorf("nil source err = %v", err)
	}
	if names := d.Monitors(); len(names) != 3 || names[0] != "keyboard" {
		t.Errorf("Monitors() = %v", names)
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordSessionStart()
	m.RecordSessionStart()
	m.RecordSessionClose("completed", 120)
	m.RecordViolation("focus_loss", "medium")
	m.RecordSinkEvent("dropped")

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Violations.WithLabelValues("focus_loss", "medium")); got != 1 {
		t.Errorf("violations = %v, want 1", got)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordSessionStart()
	nilMetrics.RecordViolation("x", "y")
}
