package roster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/device-gateway-service/internal/connection"
	"github.com/relaymesh/device-gateway-service/internal/model"
)

type fakeStore struct {
	mu       sync.Mutex
	contacts map[string]map[string]*model.Contact // device -> jid -> contact
	groups   map[string]map[string]*model.Group
	failJIDs map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contacts: make(map[string]map[string]*model.Contact),
		groups:   make(map[string]map[string]*model.Group),
		failJIDs: make(map[string]bool),
	}
}

func (s *fakeStore) UpsertContact(ctx context.Context, c *model.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failJIDs[c.RemoteJID] {
		return errors.New("constraint violation")
	}
	if s.contacts[c.DeviceID] == nil {
		s.contacts[c.DeviceID] = make(map[string]*model.Contact)
	}
	cp := *c
	s.contacts[c.DeviceID][c.RemoteJID] = &cp
	return nil
}

func (s *fakeStore) UpsertGroup(ctx context.Context, g *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failJIDs[g.RemoteJID] {
		return errors.New("constraint violation")
	}
	if s.groups[g.DeviceID] == nil {
		s.groups[g.DeviceID] = make(map[string]*model.Group)
	}
	cp := *g
	s.groups[g.DeviceID][g.RemoteJID] = &cp
	return nil
}

func (s *fakeStore) ListContacts(ctx context.Context, deviceID string) ([]*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Contact
	for _, c := range s.contacts[deviceID] {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) ListGroups(ctx context.Context, deviceID string) ([]*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Group
	for _, g := range s.groups[deviceID] {
		out = append(out, g)
	}
	return out, nil
}

type fakeRosterTransport struct {
	contacts    []model.Contact
	groups      []model.Group
	contactsErr error
	groupsErr   error
}

func (f *fakeRosterTransport) Send(ctx context.Context, to string, kind model.MessageKind, body string) (*model.SendResult, error) {
	return nil, model.ErrNotConnected
}

func (f *fakeRosterTransport) Events() <-chan connection.Event { return nil }

func (f *fakeRosterTransport) Contacts(ctx context.Context) ([]model.Contact, error) {
	if f.contactsErr != nil {
		return nil, f.contactsErr
	}
	return f.contacts, nil
}

func (f *fakeRosterTransport) Groups(ctx context.Context) ([]model.Group, error) {
	if f.groupsErr != nil {
		return nil, f.groupsErr
	}
	return f.groups, nil
}

func (f *fakeRosterTransport) Close() error { return nil }

type fakeProvider struct {
	transports map[string]connection.Transport
}

func (p *fakeProvider) TransportFor(deviceID string) (connection.Transport, error) {
	tr, ok := p.transports[deviceID]
	if !ok {
		return nil, model.ErrNotConnected
	}
	return tr, nil
}

func testService(store Store, tr connection.Transport) *Service {
	provider := &fakeProvider{transports: map[string]connection.Transport{"dev-1": tr}}
	return NewService(Config{MinInterval: 5 * time.Minute, CacheTTL: time.Minute}, store, provider, nil)
}

func TestSyncContacts_PerItemIsolation(t *testing.T) {
	store := newFakeStore()
	store.failJIDs["broken@net"] = true
	tr := &fakeRosterTransport{contacts: []model.Contact{
		{RemoteJID: "alice@net", DisplayName: "Alice"},
		{RemoteJID: "broken@net", DisplayName: "Broken"},
		{RemoteJID: "bob@net", DisplayName: "Bob"},
		{RemoteJID: "", DisplayName: "No JID"},
	}}
	s := testService(store, tr)

	result, err := s.SyncContacts(context.Background(), "dev-1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 2, result.Errors)

	contacts, err := store.ListContacts(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Len(t, contacts, 2, "valid entries persist despite the bad ones")
	for _, c := range contacts {
		assert.Equal(t, "dev-1", c.DeviceID)
		assert.True(t, c.Active)
	}
}

func TestSyncContacts_UpsertReplacesDisplayName(t *testing.T) {
	store := newFakeStore()
	tr := &fakeRosterTransport{contacts: []model.Contact{
		{RemoteJID: "alice@net", DisplayName: "Alice"},
	}}
	s := testService(store, tr)

	_, err := s.SyncContacts(context.Background(), "dev-1", false)
	require.NoError(t, err)

	tr.contacts[0].DisplayName = "Alice B."
	result, err := s.SyncContacts(context.Background(), "dev-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	contacts, err := store.ListContacts(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Len(t, contacts, 1, "same (device, remote JID) stays one row")
	assert.Equal(t, "Alice B.", contacts[0].DisplayName)
}

func TestSyncContacts_MinIntervalGuard(t *testing.T) {
	store := newFakeStore()
	tr := &fakeRosterTransport{contacts: []model.Contact{{RemoteJID: "alice@net"}}}
	s := testService(store, tr)

	result, err := s.SyncContacts(context.Background(), "dev-1", false)
	require.NoError(t, err)
	assert.False(t, result.Skipped)

	result, err = s.SyncContacts(context.Background(), "dev-1", false)
	require.NoError(t, err)
	assert.True(t, result.Skipped, "repeat sync inside the window is suppressed")
	assert.Zero(t, result.Synced)

	result, err = s.SyncContacts(context.Background(), "dev-1", true)
	require.NoError(t, err)
	assert.False(t, result.Skipped, "force bypasses the guard")
	assert.Equal(t, 1, result.Synced)
}

func TestSyncContacts_NotConnected(t *testing.T) {
	s := testService(newFakeStore(), &fakeRosterTransport{})

	_, err := s.SyncContacts(context.Background(), "dev-other", false)
	assert.ErrorIs(t, err, model.ErrNotConnected)
}

func TestSyncContacts_UnsupportedTransportIsPassive(t *testing.T) {
	store := newFakeStore()
	tr := &fakeRosterTransport{contactsErr: model.ErrRosterUnsupported}
	s := testService(store, tr)

	result, err := s.SyncContacts(context.Background(), "dev-1", false)
	require.NoError(t, err)
	assert.Zero(t, result.Synced)
	assert.Zero(t, result.Errors)
}

func TestSyncGroups(t *testing.T) {
	store := newFakeStore()
	tr := &fakeRosterTransport{groups: []model.Group{
		{RemoteJID: "team@net", Name: "Team", Participants: []model.GroupParticipant{
			{JID: "alice@net", IsAdmin: true},
			{JID: "bob@net"},
		}},
		{RemoteJID: "", Name: "No JID"},
	}}
	s := testService(store, tr)

	result, err := s.SyncGroups(context.Background(), "dev-1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.Errors)

	groups, err := store.ListGroups(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Team", groups[0].Name)
	assert.Len(t, groups[0].Participants, 2)
}

func TestSyncGroups_TransportFailurePropagates(t *testing.T) {
	tr := &fakeRosterTransport{groupsErr: errors.New("stream reset")}
	s := testService(newFakeStore(), tr)

	_, err := s.SyncGroups(context.Background(), "dev-1", false)
	assert.Error(t, err)

	// A failed run does not arm the guard.
	tr.groupsErr = nil
	tr.groups = []model.Group{{RemoteJID: "team@net", Name: "Team"}}
	result, err := s.SyncGroups(context.Background(), "dev-1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
}

func TestGetContactsWithoutCache(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.UpsertContact(context.Background(), &model.Contact{
		DeviceID: "dev-1", RemoteJID: "alice@net", DisplayName: "Alice",
	}))
	s := testService(store, &fakeRosterTransport{})

	contacts, err := s.GetContacts(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Len(t, contacts, 1)
}
