package relaywire

import (
	"fmt"
	"net"
	"sync"
)

// TestTransport is a scripted in-memory Transport for tests: written frames
// are recorded, device-side frames are pushed with PushFrame, and OnWrite
// can synthesize firmware replies.
type TestTransport struct {
	mu        sync.Mutex
	written   []Frame
	incoming  chan Frame
	closed    chan struct{}
	closeOnce sync.Once

	// OnWrite, when set, returns frames the fake device sends back in
	// response to each written frame.
	OnWrite func(Frame) []Frame
}

func NewTestTransport() *TestTransport {
	return &TestTransport{
		incoming: make(chan Frame, 64),
		closed:   make(chan struct{}),
	}
}

func (t *TestTransport) ReadFrame() (Frame, error) {
	select {
	case f := <-t.incoming:
		return f, nil
	case <-t.closed:
		return nil, net.ErrClosed
	}
}

func (t *TestTransport) WriteFrame(f Frame) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}
	t.mu.Lock()
	t.written = append(t.written, f)
	onWrite := t.OnWrite
	t.mu.Unlock()
	if onWrite != nil {
		for _, reply := range onWrite(f) {
			t.PushFrame(reply)
		}
	}
	return nil
}

// PushFrame simulates a device-initiated frame.
func (t *TestTransport) PushFrame(f Frame) {
	select {
	case t.incoming <- f:
	case <-t.closed:
	}
}

// Written returns a snapshot of every frame written so far.
func (t *TestTransport) Written() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Frame, len(t.written))
	copy(out, t.written)
	return out
}

func (t *TestTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *TestTransport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *TestTransport) RemoteAddr() string { return "testconn" }

// AckRelayCommands is an OnWrite script that acknowledges every relay
// command with the matching state frame, like real firmware does.
func AckRelayCommands(f Frame) []Frame {
	switch cmd := f.(type) {
	case SetRelayFrame:
		return []Frame{RelayStateFrame{States: map[string]bool{cmd.Relay: cmd.State}}}
	case RelayControlFrame:
		return []Frame{RelayStateFrame{States: map[string]bool{fmt.Sprintf("relay_%d", cmd.Relay): cmd.State}}}
	default:
		return nil
	}
}
