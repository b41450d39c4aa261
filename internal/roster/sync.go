package roster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaymesh/device-gateway-service/internal/cache"
	"github.com/relaymesh/device-gateway-service/internal/connection"
	"github.com/relaymesh/device-gateway-service/internal/model"
	"github.com/relaymesh/device-gateway-service/internal/monitoring"
)

// Store is the roster persistence surface. Satisfied by
// store.RosterRepository.
type Store interface {
	UpsertContact(ctx context.Context, c *model.Contact) error
	UpsertGroup(ctx context.Context, g *model.Group) error
	ListContacts(ctx context.Context, deviceID string) ([]*model.Contact, error)
	ListGroups(ctx context.Context, deviceID string) ([]*model.Group, error)
}

// TransportProvider hands out the live transport for a device. Satisfied by
// connection.Manager.
type TransportProvider interface {
	TransportFor(deviceID string) (connection.Transport, error)
}

// Result reports one sync run. Item failures are isolated: one bad record
// never aborts the batch.
type Result struct {
	Synced int `json:"synced"`
	Errors int `json:"errors"`
	// Skipped is set when the min-interval guard suppressed the run.
	Skipped bool `json:"skipped,omitempty"`
}

// Config bounds sync frequency and cache lifetime.
type Config struct {
	// MinInterval suppresses repeat full syncs per device unless forced.
	MinInterval time.Duration
	// CacheTTL bounds the write-through roster cache entries.
	CacheTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinInterval: 5 * time.Minute,
		CacheTTL:    10 * time.Minute,
	}
}

// Service pulls remote roster snapshots through a device's live transport and
// mirrors them into local storage, pushing the result through the cache.
type Service struct {
	cfg        Config
	store      Store
	transports TransportProvider
	cache      *cache.Cache // optional, best-effort

	mu           sync.Mutex
	lastContacts map[string]time.Time
	lastGroups   map[string]time.Time
}

func NewService(cfg Config, store Store, transports TransportProvider, rosterCache *cache.Cache) *Service {
	if cfg.MinInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Service{
		cfg:          cfg,
		store:        store,
		transports:   transports,
		cache:        rosterCache,
		lastContacts: make(map[string]time.Time),
		lastGroups:   make(map[string]time.Time),
	}
}

// SyncContacts mirrors the transport's known contacts into storage. A
// transport without bulk fetch yields an empty result: the roster fills
// passively from pushed contact events instead.
func (s *Service) SyncContacts(ctx context.Context, deviceID string, force bool) (*Result, error) {
	if s.guarded(s.lastContacts, deviceID, force) {
		return &Result{Skipped: true}, nil
	}

	transport, err := s.transports.TransportFor(deviceID)
	if err != nil {
		return nil, err
	}
	contacts, err := transport.Contacts(ctx)
	if errors.Is(err, model.ErrRosterUnsupported) {
		log.Debug().Str("device_id", deviceID).Msg("Transport has no contact fetch, relying on pushed events")
		return &Result{}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for i := range contacts {
		c := contacts[i]
		c.DeviceID = deviceID
		c.Active = true
		if c.RemoteJID == "" {
			result.Errors++
			monitoring.RosterEntriesSynced.WithLabelValues("contact", "error").Inc()
			log.Warn().Str("device_id", deviceID).Msg("Skipping contact without a remote JID")
			continue
		}
		if err := s.store.UpsertContact(ctx, &c); err != nil {
			result.Errors++
			monitoring.RosterEntriesSynced.WithLabelValues("contact", "error").Inc()
			log.Warn().Err(err).Str("device_id", deviceID).Str("remote_jid", c.RemoteJID).
				Msg("Failed to upsert contact")
			continue
		}
		result.Synced++
		monitoring.RosterEntriesSynced.WithLabelValues("contact", "synced").Inc()
	}

	s.touch(s.lastContacts, deviceID)
	s.refreshContactCache(ctx, deviceID)
	log.Info().Str("device_id", deviceID).Int("synced", result.Synced).Int("errors", result.Errors).
		Msg("Contact sync finished")
	return result, nil
}

// SyncGroups mirrors the transport's known groups into storage.
func (s *Service) SyncGroups(ctx context.Context, deviceID string, force bool) (*Result, error) {
	if s.guarded(s.lastGroups, deviceID, force) {
		return &Result{Skipped: true}, nil
	}

	transport, err := s.transports.TransportFor(deviceID)
	if err != nil {
		return nil, err
	}
	groups, err := transport.Groups(ctx)
	if errors.Is(err, model.ErrRosterUnsupported) {
		log.Debug().Str("device_id", deviceID).Msg("Transport has no group fetch")
		return &Result{}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for i := range groups {
		g := groups[i]
		g.DeviceID = deviceID
		g.Active = true
		if g.RemoteJID == "" {
			result.Errors++
			monitoring.RosterEntriesSynced.WithLabelValues("group", "error").Inc()
			log.Warn().Str("device_id", deviceID).Msg("Skipping group without a remote JID")
			continue
		}
		if err := s.store.UpsertGroup(ctx, &g); err != nil {
			result.Errors++
			monitoring.RosterEntriesSynced.WithLabelValues("group", "error").Inc()
			log.Warn().Err(err).Str("device_id", deviceID).Str("remote_jid", g.RemoteJID).
				Msg("Failed to upsert group")
			continue
		}
		result.Synced++
		monitoring.RosterEntriesSynced.WithLabelValues("group", "synced").Inc()
	}

	s.touch(s.lastGroups, deviceID)
	s.refreshGroupCache(ctx, deviceID)
	log.Info().Str("device_id", deviceID).Int("synced", result.Synced).Int("errors", result.Errors).
		Msg("Group sync finished")
	return result, nil
}

// GetContacts serves the device's mirrored contacts, through the cache when
// one is wired.
func (s *Service) GetContacts(ctx context.Context, deviceID string) ([]*model.Contact, error) {
	if s.cache == nil {
		return s.store.ListContacts(ctx, deviceID)
	}
	var contacts []*model.Contact
	err := s.cache.Wrap(ctx, cache.DeviceKey("roster:contacts", deviceID), s.cfg.CacheTTL, &contacts,
		func(ctx context.Context) (any, error) {
			return s.store.ListContacts(ctx, deviceID)
		})
	if err != nil {
		return nil, err
	}
	return contacts, nil
}

// GetGroups serves the device's mirrored groups, through the cache when one
// is wired.
func (s *Service) GetGroups(ctx context.Context, deviceID string) ([]*model.Group, error) {
	if s.cache == nil {
		return s.store.ListGroups(ctx, deviceID)
	}
	var groups []*model.Group
	err := s.cache.Wrap(ctx, cache.DeviceKey("roster:groups", deviceID), s.cfg.CacheTTL, &groups,
		func(ctx context.Context) (any, error) {
			return s.store.ListGroups(ctx, deviceID)
		})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// guarded reports whether the min-interval guard suppresses this run.
func (s *Service) guarded(last map[string]time.Time, deviceID string, force bool) bool {
	if force {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := last[deviceID]
	return ok && time.Since(at) < s.cfg.MinInterval
}

func (s *Service) touch(last map[string]time.Time, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last[deviceID] = time.Now()
}

// refreshContactCache pushes the freshly synced roster so reads skip storage.
func (s *Service) refreshContactCache(ctx context.Context, deviceID string) {
	if s.cache == nil {
		return
	}
	contacts, err := s.store.ListContacts(ctx, deviceID)
	if err != nil {
		log.Debug().Err(err).Str("device_id", deviceID).Msg("Contact cache refresh read failed")
		return
	}
	if err := s.cache.Set(ctx, cache.DeviceKey("roster:contacts", deviceID), contacts, s.cfg.CacheTTL); err != nil {
		log.Debug().Err(err).Str("device_id", deviceID).Msg("Contact cache refresh write failed")
	}
}

func (s *Service) refreshGroupCache(ctx context.Context, deviceID string) {
	if s.cache == nil {
		return
	}
	groups, err := s.store.ListGroups(ctx, deviceID)
	if err != nil {
		log.Debug().Err(err).Str("device_id", deviceID).Msg("Group cache refresh read failed")
		return
	}
	if err := s.cache.Set(ctx, cache.DeviceKey("roster:groups", deviceID), groups, s.cfg.CacheTTL); err != nil {
		log.Debug().Err(err).Str("device_id", deviceID).Msg("Group cache refresh write failed")
	}
}
