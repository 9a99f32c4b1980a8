package session

import "sync"

// InputKind identifies a raw client-side signal.
type InputKind string

const (
	InputKeyDown          InputKind = "keydown"
	InputContextMenu      InputKind = "contextmenu"
	InputBlur             InputKind = "blur"
	InputFocus            InputKind = "focus"
	InputFullscreenChange InputKind = "fullscreenchange"
)

func (k InputKind) Valid() bool {
	switch k {
	case InputKeyDown, InputContextMenu, InputBlur, InputFocus, InputFullscreenChange:
		return true
	}
	return false
}

// InputEvent is one keyboard, window or fullscreen signal from the student's
// client, independent of the transport that carried it.
type InputEvent struct {
	Kind       InputKind `json:"kind"`
	Key        string    `json:"key,omitempty"`
	Ctrl       bool      `json:"ctrl,omitempty"`
	Shift      bool      `json:"shift,omitempty"`
	Alt        bool      `json:"alt,omitempty"`
	Meta       bool      `json:"meta,omitempty"`
	Fullscreen bool      `json:"fullscreen,omitempty"`
}

// Verdict tells the client how to treat the event it reported.
type Verdict struct {
	Suppress bool `json:"suppress"`
}

// Handler reacts to an input event.
type Handler func(InputEvent) Verdict

// Bus fans input events out to the listeners registered for their kind. Each
// session owns one Bus; listeners detach through the func returned by Listen.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[InputKind]map[int]Handler
}

func NewBus() *Bus {
	return &Bus{
		listeners: make(map[InputKind]map[int]Handler),
	}
}

// Listen registers fn for events of the given kind. The returned func removes
// the listener and is safe to call more than once.
func (b *Bus) Listen(kind InputKind, fn Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.listeners[kind] == nil {
		b.listeners[kind] = make(map[int]Handler)
	}
	b.listeners[kind][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners[kind], id)
			b.mu.Unlock()
		})
	}
}

// Dispatch delivers ev to every listener for its kind. The event is
// suppressed if any listener asks for it.
func (b *Bus) Dispatch(ev InputEvent) Verdict {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.listeners[ev.Kind]))
	for _, h := range b.listeners[ev.Kind] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	var v Verdict
	for _, h := range handlers {
		if h(ev).Suppress {
			v.Suppress = true
		}
	}
	return v
}

// Listeners returns the number of attached listeners across all kinds.
func (b *Bus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.listeners {
		n += len(m)
	}
	return n
}
