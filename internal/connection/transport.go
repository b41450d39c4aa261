package connection

import (
	"context"

	"github.com/relaymesh/device-gateway-service/internal/model"
)

// Transport is the chat-network connection capability. The wire protocol
// behind it (handshake, framing, encryption) is not this service's concern;
// the manager only drives it through this surface.
//
// A transport pushes typed events onto the channel returned by Events; the
// manager consumes them sequentially with one goroutine per device, so no
// handler ever races another handler for the same device. The channel must be
// closed when the underlying connection is gone for good.
type Transport interface {
	Send(ctx context.Context, to string, kind model.MessageKind, body string) (*model.SendResult, error)
	Events() <-chan Event
	// Contacts and Groups return the currently-known remote roster. A
	// transport without bulk fetch returns model.ErrRosterUnsupported and the
	// roster is populated passively from ContactEvents instead.
	Contacts(ctx context.Context) ([]model.Contact, error)
	Groups(ctx context.Context) ([]model.Group, error)
	Close() error
}

// Dialer opens a transport for a device, resuming from prior session
// material when the auth state carries any.
type Dialer interface {
	Dial(ctx context.Context, deviceID string, state *model.AuthState) (Transport, error)
}

// Event is one of the concrete event types below.
type Event interface{ isEvent() }

// PairingCodeEvent carries a fresh pairing artifact for an unpaired device.
type PairingCodeEvent struct {
	Code string
}

// OpenedEvent signals the connection is established and usable.
type OpenedEvent struct{}

// ClosedEvent signals the connection dropped. LoggedOut means the remote
// side invalidated the session and reconnecting without re-pairing is
// pointless.
type ClosedEvent struct {
	Reason    string
	LoggedOut bool
}

// CredentialsEvent carries updated credential material. Persisted
// immediately: it may be needed for the very next reconnect.
type CredentialsEvent struct {
	Credentials map[string]any
}

// KeysEvent carries updated key material by type and id.
type KeysEvent struct {
	Keys map[string]map[string][]byte
}

// ContactEvent carries a single roster entry pushed by the network, used for
// passive roster population.
type ContactEvent struct {
	Contact model.Contact
}

func (PairingCodeEvent) isEvent() {}
func (OpenedEvent) isEvent()      {}
func (ClosedEvent) isEvent()      {}
func (CredentialsEvent) isEvent() {}
func (KeysEvent) isEvent()        {}
func (ContactEvent) isEvent()     {}
