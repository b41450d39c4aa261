package connection

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/device-gateway-service/internal/model"
)

// LoopbackDialer is an in-process transport for local development and smoke
// testing. Pairing completes on its own after PairingDelay and every send
// succeeds without touching a network. Real deployments plug a protocol
// adapter in here instead.
type LoopbackDialer struct {
	// PairingDelay is how long an unpaired session waits before the simulated
	// approval arrives. Defaults to 3s.
	PairingDelay time.Duration
}

func (d *LoopbackDialer) Dial(ctx context.Context, deviceID string, state *model.AuthState) (Transport, error) {
	t := &loopbackTransport{events: make(chan Event, 8)}

	if state.HasCredentials() {
		t.events <- OpenedEvent{}
		return t, nil
	}

	t.events <- PairingCodeEvent{Code: loopbackPairingCode()}
	delay := d.PairingDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}
	time.AfterFunc(delay, func() {
		t.emit(CredentialsEvent{Credentials: map[string]any{
			"session_id": uuid.New().String(),
			"paired_at":  time.Now().UTC().Format(time.RFC3339),
		}})
		t.emit(OpenedEvent{})
	})
	return t, nil
}

type loopbackTransport struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

func (t *loopbackTransport) Send(ctx context.Context, to string, kind model.MessageKind, body string) (*model.SendResult, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, model.ErrNotConnected
	}
	return &model.SendResult{Success: true, MessageID: uuid.New().String(), Timestamp: time.Now()}, nil
}

func (t *loopbackTransport) Events() <-chan Event { return t.events }

func (t *loopbackTransport) Contacts(ctx context.Context) ([]model.Contact, error) {
	return nil, model.ErrRosterUnsupported
}

func (t *loopbackTransport) Groups(ctx context.Context) ([]model.Group, error) {
	return nil, model.ErrRosterUnsupported
}

func (t *loopbackTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.events)
	return nil
}

// emit drops the event if the transport was closed in the meantime.
func (t *loopbackTransport) emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events <- ev
}

func loopbackPairingCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return raw[:4] + "-" + raw[4:8]
}
