package model

import (
	"time"

	"github.com/google/uuid"
)

// Device represents the devices table: one connection slot to the chat
// network, owned by a tenant's user.
type Device struct {
	ID               uuid.UUID  `json:"id"`
	DeviceID         string     `json:"device_id"`
	UserID           uuid.UUID  `json:"user_id"`
	TenantID         uuid.UUID  `json:"tenant_id"`
	Label            string     `json:"label"`
	Connected        bool       `json:"connected"`
	LastConnectedAt  *time.Time `json:"last_connected_at,omitempty"`
	Active           bool       `json:"active"`
	PairingCode      *string    `json:"pairing_code,omitempty"`
	PairingExpiresAt *time.Time `json:"pairing_expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PairingValidity is how long an emitted pairing code stays usable.
const PairingValidity = 5 * time.Minute

// HasValidPairingCode checks the pairing artifact against wall-clock time.
// Expired artifacts are treated as absent.
func (d *Device) HasValidPairingCode(now time.Time) bool {
	return d.PairingCode != nil && d.PairingExpiresAt != nil && now.Before(*d.PairingExpiresAt)
}

// OwnedBy reports whether the device belongs to the given user and tenant.
func (d *Device) OwnedBy(userID, tenantID uuid.UUID) bool {
	return d.UserID == userID && d.TenantID == tenantID
}

// CredentialKind distinguishes the single credentials row from per-key rows.
type CredentialKind string

const (
	KindCredentials CredentialKind = "credentials"
	KindKeys        CredentialKind = "keys"
)

// CredentialRecord represents the device_credentials table: one encrypted row
// per (device, kind, material id) triple.
type CredentialRecord struct {
	ID         uuid.UUID      `json:"id"`
	DeviceID   string         `json:"device_id"`
	Kind       CredentialKind `json:"kind"`
	MaterialID string         `json:"material_id"`
	Payload    []byte         // Ciphertext, stored in DB
	IV         []byte         // Stored in DB
	Active     bool           `json:"active"`
	UserID     uuid.UUID      `json:"user_id"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	AccessedAt time.Time      `json:"accessed_at"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// KeyEntry is one piece of key material, tagged explicitly instead of being
// merged into an untyped map at runtime.
type KeyEntry struct {
	KeyType string `json:"key_type"`
	KeyID   string `json:"key_id"`
	Value   []byte `json:"value"`
}

// AuthState is the in-memory session material a transport needs to resume a
// connection: an opaque credentials blob plus key material indexed by
// key-type then key-id. Empty maps mean a brand-new device.
type AuthState struct {
	Credentials map[string]any               `json:"credentials"`
	Keys        map[string]map[string][]byte `json:"keys"`
}

// NewAuthState returns an empty, non-nil state.
func NewAuthState() *AuthState {
	return &AuthState{
		Credentials: make(map[string]any),
		Keys:        make(map[string]map[string][]byte),
	}
}

// HasCredentials reports whether the state carries a resumable session.
func (s *AuthState) HasCredentials() bool {
	return s != nil && len(s.Credentials) > 0
}

// Contact represents the contacts table: a device-scoped remote identity
// snapshot, unique per (device, remote JID).
type Contact struct {
	ID          uuid.UUID `json:"id"`
	DeviceID    string    `json:"device_id"`
	RemoteJID   string    `json:"remote_jid"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	IsBusiness  bool      `json:"is_business"`
	IsBlocked   bool      `json:"is_blocked"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GroupParticipant is one member of a group roster entry.
type GroupParticipant struct {
	JID     string `json:"jid"`
	IsAdmin bool   `json:"is_admin"`
}

// Group represents the groups table, unique per (device, remote JID).
type Group struct {
	ID           uuid.UUID          `json:"id"`
	DeviceID     string             `json:"device_id"`
	RemoteJID    string             `json:"remote_jid"`
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	OwnerJID     string             `json:"owner_jid"`
	AnnounceOnly bool               `json:"announce_only"`
	Locked       bool               `json:"locked"`
	Participants []GroupParticipant `json:"participants"`
	Active       bool               `json:"active"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// MessageKind is the outbound content type.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageMedia MessageKind = "media"
)

// ValidKind rejects unknown content kinds before any network I/O happens.
func ValidKind(k MessageKind) bool {
	return k == MessageText || k == MessageMedia
}

// MessageLog represents the message_logs table: one row per send attempt
// outcome.
type MessageLog struct {
	ID                uuid.UUID   `json:"id"`
	DeviceID          string      `json:"device_id"`
	JobID             string      `json:"job_id"`
	Recipient         string      `json:"recipient"`
	Kind              MessageKind `json:"kind"`
	Status            string      `json:"status"` // "sent" or "failed"
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	Error             string      `json:"error,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// SendResult is what a successful send returns to the caller.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}
