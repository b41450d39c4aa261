package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relaymesh/device-gateway-service/internal/cache"
	"github.com/relaymesh/device-gateway-service/internal/model"
	"github.com/relaymesh/device-gateway-service/internal/monitoring"
)

// DeviceStore is the device persistence surface the manager drives. The
// manager is the only writer of connection-status fields.
type DeviceStore interface {
	Create(ctx context.Context, device *model.Device) error
	GetByDeviceID(ctx context.Context, deviceID string) (*model.Device, error)
	SetConnected(ctx context.Context, deviceID string, connected bool) error
	SetPairingCode(ctx context.Context, deviceID string, code *string, expiresAt *time.Time) error
	Delete(ctx context.Context, deviceID string) error
}

// CredentialStore is the load-then-mutate-then-save cycle the manager
// consumes. Satisfied by service.CredentialService.
type CredentialStore interface {
	LoadAuthState(ctx context.Context, deviceID string) (*model.AuthState, error)
	SaveCredentials(ctx context.Context, deviceID string, userID, tenantID uuid.UUID, credentials map[string]any) error
	SaveKeys(ctx context.Context, deviceID string, userID, tenantID uuid.UUID, keys map[string]map[string][]byte) error
	ClearDeviceSession(ctx context.Context, deviceID string) error
	HasExistingCredentials(ctx context.Context, deviceID string) (bool, error)
}

// ContactWriter receives passively populated roster entries.
type ContactWriter interface {
	UpsertContact(ctx context.Context, c *model.Contact) error
}

// Config bounds the manager's timing behavior.
type Config struct {
	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration
	// PairingWait is how long CreateConnection lets a fresh connection emit
	// its first pairing artifact before status is read back.
	PairingWait time.Duration
	// ReconnectMaxAttempts bounds automatic reconnects after abnormal closes.
	ReconnectMaxAttempts int
	// ReconnectInitialInterval seeds the exponential backoff between attempts.
	ReconnectInitialInterval time.Duration
	// ReconnectMaxInterval caps the backoff.
	ReconnectMaxInterval time.Duration
	// OpTimeout bounds persistence calls made from event handlers.
	OpTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:           30 * time.Second,
		PairingWait:              2 * time.Second,
		ReconnectMaxAttempts:     6,
		ReconnectInitialInterval: 2 * time.Second,
		ReconnectMaxInterval:     2 * time.Minute,
		OpTimeout:                10 * time.Second,
	}
}

// Status is a read-only connection snapshot. Reads never fail; on internal
// error callers get a conservative "not connected".
type Status struct {
	DeviceID       string        `json:"device_id"`
	IsConnected    bool          `json:"is_connected"`
	State          State         `json:"state"`
	HasPairingCode bool          `json:"has_pairing_code"`
	PairingCode    string        `json:"pairing_code,omitempty"`
	Device         *model.Device `json:"device,omitempty"`
}

// Manager owns the registry of live per-device connections and drives every
// connect, reconnect, and disconnect transition.
type Manager struct {
	cfg      Config
	registry *Registry
	devices  DeviceStore
	creds    CredentialStore
	dialer   Dialer
	contacts ContactWriter
	cache    *cache.Cache // optional, best-effort
}

func NewManager(cfg Config, registry *Registry, devices DeviceStore, creds CredentialStore, dialer Dialer, contacts ContactWriter, deviceCache *cache.Cache) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		devices:  devices,
		creds:    creds,
		dialer:   dialer,
		contacts: contacts,
		cache:    deviceCache,
	}
}

// RegisterDevice persists a new device slot and then attempts its first
// connection. The record is the durable intent: a failed connect leaves the
// device registered and retryable later, so only the persistence error is
// fatal.
func (m *Manager) RegisterDevice(ctx context.Context, deviceID, label string, userID, tenantID uuid.UUID) (*model.Device, *Status, error) {
	device, err := m.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, nil, err
	}
	if device != nil {
		if !device.OwnedBy(userID, tenantID) {
			return nil, nil, model.ErrNotOwned
		}
	} else {
		device = &model.Device{
			DeviceID: deviceID,
			UserID:   userID,
			TenantID: tenantID,
			Label:    label,
		}
		if err := m.devices.Create(ctx, device); err != nil {
			return nil, nil, err
		}
		m.invalidateDevice(ctx, deviceID)
	}

	status, err := m.CreateConnection(ctx, deviceID, userID, tenantID)
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).
			Msg("Initial connection attempt failed, device stays registered")
		return device, m.GetConnectionStatus(ctx, deviceID), nil
	}
	return device, status, nil
}

// CreateConnection establishes (or re-establishes) the single logical
// connection for a device. A connection already tracked for the device is
// torn down first so there is never more than one live socket per device id.
func (m *Manager) CreateConnection(ctx context.Context, deviceID string, userID, tenantID uuid.UUID) (*Status, error) {
	device, err := m.ownedDevice(ctx, deviceID, userID, tenantID)
	if err != nil {
		return nil, err
	}

	e := m.registry.acquire(deviceID, userID, tenantID)
	if e == nil {
		return nil, fmt.Errorf("connection registry is shut down")
	}
	m.teardownLocked(e)

	resumed, err := m.connectLocked(ctx, e)
	ready := e.pairingReady
	e.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to open connection")
		return nil, err
	}

	log.Info().Str("device_id", deviceID).Bool("resumed", resumed).Msg("Connection opened")

	// A brand-new session needs a moment to emit its pairing artifact before
	// the caller reads status back.
	if !resumed {
		select {
		case <-ready:
		case <-time.After(m.cfg.PairingWait):
		case <-ctx.Done():
		}
	}

	status := m.GetConnectionStatus(ctx, deviceID)
	status.Device = device
	return status, nil
}

// SendMessage delivers one message over the device's active connection.
// Unknown kinds are rejected before any network I/O; a missing connection is
// a terminal NotConnected failure, never retried here.
func (m *Manager) SendMessage(ctx context.Context, deviceID, to, body string, kind model.MessageKind) (*model.SendResult, error) {
	if !model.ValidKind(kind) {
		return nil, &model.ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported message kind %q", kind)}
	}
	if to == "" {
		return nil, &model.ValidationError{Field: "to", Reason: "recipient is required"}
	}

	e := m.registry.get(deviceID)
	if e == nil {
		return nil, model.ErrNotConnected
	}
	transport, state := e.transport, e.state
	e.mu.Unlock()
	if state != StateConnected || transport == nil {
		return nil, model.ErrNotConnected
	}

	result, err := transport.Send(ctx, to, kind, body)
	if err != nil {
		monitoring.MessagesSent.WithLabelValues("failed").Inc()
		return nil, err
	}
	monitoring.MessagesSent.WithLabelValues("sent").Inc()
	return result, nil
}

// GetConnectionStatus returns a snapshot without ever failing. Pairing
// artifact expiry is checked against wall-clock time on every read.
func (m *Manager) GetConnectionStatus(ctx context.Context, deviceID string) *Status {
	status := &Status{DeviceID: deviceID, State: StateUninitialized}

	if device, err := m.cachedDevice(ctx, deviceID); err == nil {
		status.Device = device
	}

	e := m.registry.get(deviceID)
	if e == nil {
		return status
	}
	defer e.mu.Unlock()

	status.State = e.state
	status.IsConnected = e.state == StateConnected && e.transport != nil
	if e.hasValidPairing(time.Now()) {
		status.HasPairingCode = true
		status.PairingCode = e.pairingCode
	}
	return status
}

// TransportFor hands the live transport to collaborators such as roster
// sync.
func (m *Manager) TransportFor(deviceID string) (Transport, error) {
	e := m.registry.get(deviceID)
	if e == nil {
		return nil, model.ErrNotConnected
	}
	defer e.mu.Unlock()
	if e.state != StateConnected || e.transport == nil {
		return nil, model.ErrNotConnected
	}
	return e.transport, nil
}

// Disconnect tears down the device's connection. Safe to call when nothing
// is open.
func (m *Manager) Disconnect(ctx context.Context, deviceID string) error {
	e := m.registry.get(deviceID)
	if e == nil {
		return nil
	}
	m.teardownLocked(e)
	e.state = StateUninitialized
	e.mu.Unlock()
	m.registry.remove(deviceID)

	if err := m.devices.SetConnected(ctx, deviceID, false); err != nil {
		return err
	}
	m.invalidateDevice(ctx, deviceID)
	return nil
}

// ClearSession disconnects and purges the device's local auth state so the
// next connect re-pairs from scratch.
func (m *Manager) ClearSession(ctx context.Context, deviceID string) error {
	if err := m.Disconnect(ctx, deviceID); err != nil {
		return err
	}
	if err := m.creds.ClearDeviceSession(ctx, deviceID); err != nil {
		return err
	}
	if err := m.devices.SetPairingCode(ctx, deviceID, nil, nil); err != nil {
		return err
	}
	m.invalidateDevice(ctx, deviceID)
	log.Info().Str("device_id", deviceID).Msg("Device session cleared")
	return nil
}

// ForceReconnect tears the connection down and dials again immediately.
func (m *Manager) ForceReconnect(ctx context.Context, deviceID string) (*Status, error) {
	var userID, tenantID uuid.UUID
	if e := m.registry.peek(deviceID); e != nil {
		userID, tenantID = e.userID, e.tenantID
	} else {
		device, err := m.devices.GetByDeviceID(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		if device == nil {
			return nil, model.ErrDeviceNotFound
		}
		userID, tenantID = device.UserID, device.TenantID
	}
	return m.CreateConnection(ctx, deviceID, userID, tenantID)
}

// RemoveDevice soft-deletes a device, cascading a best-effort disconnect and
// credential purge.
func (m *Manager) RemoveDevice(ctx context.Context, deviceID string, userID, tenantID uuid.UUID) error {
	if _, err := m.ownedDevice(ctx, deviceID, userID, tenantID); err != nil {
		return err
	}
	if err := m.Disconnect(ctx, deviceID); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Disconnect during device removal failed")
	}
	if err := m.creds.ClearDeviceSession(ctx, deviceID); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Credential purge during device removal failed")
	}
	if err := m.devices.Delete(ctx, deviceID); err != nil {
		return err
	}
	m.invalidateDevice(ctx, deviceID)
	return nil
}

// Shutdown closes every tracked connection and stops the registry.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, e := range m.registry.drain() {
		e.mu.Lock()
		m.teardownLocked(e)
		e.mu.Unlock()
	}
	log.Info().Msg("Connection manager shut down")
}

// ActiveConnections reports how many devices are tracked.
func (m *Manager) ActiveConnections() int {
	return m.registry.size()
}

// ConnectedDevices lists the device ids with a live, opened connection.
func (m *Manager) ConnectedDevices() []string {
	return m.registry.connectedIDs()
}

// connectLocked loads auth state, dials, and starts the event loop. Caller
// holds e.mu. Reports whether the session was resumed from prior material.
func (m *Manager) connectLocked(ctx context.Context, e *deviceEntry) (bool, error) {
	state, err := m.creds.LoadAuthState(ctx, e.deviceID)
	if err != nil {
		return false, err
	}
	resumed := state.HasCredentials()
	e.authState = &authSnapshot{}
	e.authState.set(state.Credentials)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	transport, err := m.dialer.Dial(dialCtx, e.deviceID, state)
	if err != nil {
		return false, err
	}

	e.transport = transport
	e.gen++
	e.pairingReady = make(chan struct{})
	e.pairingOnce = sync.Once{}
	if resumed {
		e.state = StateUninitialized // awaiting the opened event
	} else {
		e.state = StatePairing
	}

	go m.eventLoop(e, transport, e.gen)
	return resumed, nil
}

// teardownLocked closes any current transport. The old event loop notices
// its generation is stale and exits without touching the entry again.
func (m *Manager) teardownLocked(e *deviceEntry) {
	if e.transport == nil {
		return
	}
	e.state = StateClosing
	if err := e.transport.Close(); err != nil {
		log.Warn().Err(err).Str("device_id", e.deviceID).Msg("Error closing transport")
	}
	e.transport = nil
	e.gen++
}

// eventLoop consumes the transport's typed events sequentially, preserving
// the one-state-machine-per-device invariant.
func (m *Manager) eventLoop(e *deviceEntry, transport Transport, gen uint64) {
	closed := false
	for ev := range transport.Events() {
		switch ev := ev.(type) {
		case PairingCodeEvent:
			m.handlePairing(e, gen, ev)
		case OpenedEvent:
			m.handleOpened(e, gen)
		case CredentialsEvent:
			m.handleCredentials(e, gen, ev)
		case KeysEvent:
			m.handleKeys(e, gen, ev)
		case ContactEvent:
			m.handleContact(e, ev)
		case ClosedEvent:
			m.handleClosed(e, gen, ev)
			closed = true
		}
		if closed {
			return
		}
	}
	// Stream ended without a close event; treat as an abnormal close.
	m.handleClosed(e, gen, ClosedEvent{Reason: "event stream ended"})
}

func (m *Manager) handlePairing(e *deviceEntry, gen uint64, ev PairingCodeEvent) {
	expiresAt := time.Now().Add(model.PairingValidity)

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.signalPairing(ev.Code, expiresAt)
	deviceID := e.deviceID
	e.mu.Unlock()

	ctx, cancel := m.opContext()
	defer cancel()
	if err := m.devices.SetPairingCode(ctx, deviceID, &ev.Code, &expiresAt); err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to persist pairing code")
	}
	m.invalidateDevice(ctx, deviceID)
	log.Info().Str("device_id", deviceID).Time("expires_at", expiresAt).Msg("Pairing code emitted")
}

func (m *Manager) handleOpened(e *deviceEntry, gen uint64) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.state = StateConnected
	e.retries = 0
	e.bo = nil
	e.pairingCode = ""
	deviceID, userID, tenantID := e.deviceID, e.userID, e.tenantID
	creds := e.authState.get()
	e.mu.Unlock()

	monitoring.ConnectionsOpened.Inc()

	ctx, cancel := m.opContext()
	defer cancel()
	if err := m.devices.SetConnected(ctx, deviceID, true); err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to mark device connected")
	}
	if err := m.devices.SetPairingCode(ctx, deviceID, nil, nil); err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to clear pairing code")
	}
	if err := m.creds.SaveCredentials(ctx, deviceID, userID, tenantID, creds); err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to persist credentials on open")
	}
	m.invalidateDevice(ctx, deviceID)
	log.Info().Str("device_id", deviceID).Msg("Device connected")
}

// handleCredentials persists immediately: the material may be needed for the
// very next reconnect.
func (m *Manager) handleCredentials(e *deviceEntry, gen uint64, ev CredentialsEvent) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.authState.set(ev.Credentials)
	deviceID, userID, tenantID := e.deviceID, e.userID, e.tenantID
	creds := e.authState.get()
	e.mu.Unlock()

	ctx, cancel := m.opContext()
	defer cancel()
	if err := m.creds.SaveCredentials(ctx, deviceID, userID, tenantID, creds); err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to persist credential update")
	}
}

func (m *Manager) handleKeys(e *deviceEntry, gen uint64, ev KeysEvent) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	deviceID, userID, tenantID := e.deviceID, e.userID, e.tenantID
	e.mu.Unlock()

	ctx, cancel := m.opContext()
	defer cancel()
	if err := m.creds.SaveKeys(ctx, deviceID, userID, tenantID, ev.Keys); err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to persist key material update")
	}
}

// handleContact populates the roster passively for transports without a bulk
// fetch.
func (m *Manager) handleContact(e *deviceEntry, ev ContactEvent) {
	if m.contacts == nil {
		return
	}
	contact := ev.Contact
	contact.DeviceID = e.deviceID

	ctx, cancel := m.opContext()
	defer cancel()
	if err := m.contacts.UpsertContact(ctx, &contact); err != nil {
		log.Warn().Err(err).Str("device_id", e.deviceID).Str("remote_jid", contact.RemoteJID).
			Msg("Failed to upsert pushed contact")
	}
}

func (m *Manager) handleClosed(e *deviceEntry, gen uint64, ev ClosedEvent) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.transport = nil
	e.gen++
	deviceID := e.deviceID

	if ev.LoggedOut {
		e.state = StateLoggedOut
		e.mu.Unlock()

		monitoring.ConnectionsClosed.WithLabelValues("logged_out").Inc()
		ctx, cancel := m.opContext()
		defer cancel()
		if err := m.devices.SetConnected(ctx, deviceID, false); err != nil {
			log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to mark device disconnected")
		}
		if err := m.creds.ClearDeviceSession(ctx, deviceID); err != nil {
			log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to clear session after logout")
		}
		m.invalidateDevice(ctx, deviceID)
		log.Warn().Str("device_id", deviceID).Str("reason", ev.Reason).
			Msg("Device logged out, re-pairing required")
		return
	}

	e.retries++
	retries := e.retries
	if e.bo == nil {
		e.bo = m.newBackoff()
	}
	delay := e.bo.NextBackOff()
	gaveUp := retries > m.cfg.ReconnectMaxAttempts || delay == backoff.Stop
	if gaveUp {
		e.state = StateFailed
	} else {
		e.state = StateReconnecting
	}
	e.mu.Unlock()

	monitoring.ConnectionsClosed.WithLabelValues("abnormal").Inc()
	ctx, cancel := m.opContext()
	if err := m.devices.SetConnected(ctx, deviceID, false); err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to mark device disconnected")
	}
	m.invalidateDevice(ctx, deviceID)
	cancel()

	if gaveUp {
		monitoring.Alert("device reconnect budget exhausted", map[string]string{"device_id": deviceID})
		log.Error().Str("device_id", deviceID).Int("attempts", retries-1).
			Msg("Giving up on reconnect, manual re-pair required")
		return
	}

	log.Warn().Str("device_id", deviceID).Str("reason", ev.Reason).
		Dur("delay", delay).Int("attempt", retries).Msg("Connection closed, scheduling reconnect")
	monitoring.ReconnectAttempts.Inc()
	time.AfterFunc(delay, func() { m.reconnect(deviceID) })
}

// reconnect runs one scheduled attempt. A competing CreateConnection or
// Disconnect supersedes it via the entry state check.
func (m *Manager) reconnect(deviceID string) {
	e := m.registry.get(deviceID)
	if e == nil {
		return
	}
	if e.state != StateReconnecting || e.transport != nil {
		// Superseded by an explicit create, disconnect, or a successful
		// earlier attempt.
		e.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout+m.cfg.OpTimeout)
	defer cancel()
	_, err := m.connectLocked(ctx, e)
	if err == nil {
		e.mu.Unlock()
		return
	}

	e.retries++
	retries := e.retries
	if e.bo == nil {
		e.bo = m.newBackoff()
	}
	delay := e.bo.NextBackOff()
	gaveUp := retries > m.cfg.ReconnectMaxAttempts || delay == backoff.Stop
	if gaveUp {
		e.state = StateFailed
	}
	e.mu.Unlock()

	if gaveUp {
		monitoring.Alert("device reconnect budget exhausted", map[string]string{"device_id": deviceID})
		log.Error().Err(err).Str("device_id", deviceID).Msg("Giving up on reconnect, manual re-pair required")
		return
	}
	log.Warn().Err(err).Str("device_id", deviceID).Dur("delay", delay).Int("attempt", retries).
		Msg("Reconnect attempt failed, scheduling another")
	monitoring.ReconnectAttempts.Inc()
	time.AfterFunc(delay, func() { m.reconnect(deviceID) })
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectInitialInterval
	bo.MaxInterval = m.cfg.ReconnectMaxInterval
	bo.MaxElapsedTime = 0 // attempts are bounded by count, not wall clock
	return bo
}

// ownedDevice loads the device and enforces tenant/user ownership.
func (m *Manager) ownedDevice(ctx context.Context, deviceID string, userID, tenantID uuid.UUID) (*model.Device, error) {
	device, err := m.cachedDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, model.ErrDeviceNotFound
	}
	if !device.OwnedBy(userID, tenantID) {
		return nil, model.ErrNotOwned
	}
	return device, nil
}

// cachedDevice reads the device record through the cache when one is wired.
func (m *Manager) cachedDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	if m.cache == nil {
		return m.devices.GetByDeviceID(ctx, deviceID)
	}
	device := &model.Device{}
	err := m.cache.Wrap(ctx, cache.DeviceKey("device", deviceID), 5*time.Minute, device,
		func(ctx context.Context) (any, error) {
			d, err := m.devices.GetByDeviceID(ctx, deviceID)
			if err != nil {
				return nil, err
			}
			if d == nil {
				return nil, model.ErrDeviceNotFound
			}
			return d, nil
		})
	if errors.Is(err, model.ErrDeviceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (m *Manager) invalidateDevice(ctx context.Context, deviceID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Del(ctx, cache.DeviceKey("device", deviceID)); err != nil {
		log.Debug().Err(err).Str("device_id", deviceID).Msg("Cache invalidation failed")
	}
}

func (m *Manager) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.cfg.OpTimeout)
}
