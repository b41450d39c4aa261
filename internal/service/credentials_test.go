package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/device-gateway-service/internal/crypto"
	"github.com/relaymesh/device-gateway-service/internal/model"
)

// fakeRows is an in-memory CredentialRows keyed the way the unique index is.
type fakeRows struct {
	mu      sync.Mutex
	rows    map[string]*model.CredentialRecord
	upserts int
	failFor string // material id that refuses to upsert
}

func newFakeRows() *fakeRows {
	return &fakeRows{rows: map[string]*model.CredentialRecord{}}
}

func rowKey(deviceID string, kind model.CredentialKind, materialID string) string {
	return deviceID + "|" + string(kind) + "|" + materialID
}

func (f *fakeRows) Upsert(ctx context.Context, rec *model.CredentialRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != "" && rec.MaterialID == f.failFor {
		return errors.New("upsert refused")
	}
	f.upserts++
	clone := *rec
	clone.Active = true
	f.rows[rowKey(rec.DeviceID, rec.Kind, rec.MaterialID)] = &clone
	return nil
}

func (f *fakeRows) ListActive(ctx context.Context, deviceID string, kind model.CredentialKind) ([]*model.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.CredentialRecord
	for _, rec := range f.rows {
		if rec.DeviceID == deviceID && rec.Kind == kind && rec.Active {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeRows) DeactivateAll(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.rows {
		if rec.DeviceID == deviceID {
			rec.Active = false
		}
	}
	return nil
}

func (f *fakeRows) CountActive(ctx context.Context, deviceID string, kind model.CredentialKind) (int, error) {
	active, err := f.ListActive(ctx, deviceID, kind)
	return len(active), err
}

func setupCredentialService(t *testing.T) (*CredentialService, *fakeRows) {
	cryptoSvc, err := crypto.NewService("unit-test-master-key-0123456789")
	require.NoError(t, err)
	rows := newFakeRows()
	return NewCredentialService(rows, cryptoSvc), rows
}

func TestAuthState_RoundTrip(t *testing.T) {
	svc, _ := setupCredentialService(t)
	ctx := context.Background()
	userID, tenantID := uuid.New(), uuid.New()

	creds := map[string]any{"registration_id": float64(17), "platform": "web"}
	keys := map[string]map[string][]byte{
		"pre-key":    {"1": []byte("pk-1"), "2": []byte("pk-2")},
		"session":    {"peer@s": []byte("sess")},
		"sender-key": {"group@g": []byte("sk")},
	}

	require.NoError(t, svc.SaveCredentials(ctx, "dev-1", userID, tenantID, creds))
	require.NoError(t, svc.SaveKeys(ctx, "dev-1", userID, tenantID, keys))

	state, err := svc.LoadAuthState(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, creds, state.Credentials)
	assert.Equal(t, keys, state.Keys)
	assert.True(t, state.HasCredentials())
}

func TestLoadAuthState_EmptyForNewDevice(t *testing.T) {
	svc, _ := setupCredentialService(t)

	state, err := svc.LoadAuthState(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.NotNil(t, state)
	assert.Empty(t, state.Credentials)
	assert.Empty(t, state.Keys)
	assert.False(t, state.HasCredentials())
}

func TestSaveCredentials_EmptyIsNoOp(t *testing.T) {
	svc, rows := setupCredentialService(t)

	require.NoError(t, svc.SaveCredentials(context.Background(), "dev-1", uuid.New(), uuid.New(), nil))
	require.NoError(t, svc.SaveCredentials(context.Background(), "dev-1", uuid.New(), uuid.New(), map[string]any{}))
	assert.Zero(t, rows.upserts, "no write may occur for empty credentials")
}

func TestSaveKeys_PartialFailureKeepsOtherRows(t *testing.T) {
	svc, rows := setupCredentialService(t)
	rows.failFor = MaterialID("pre-key", "2")
	ctx := context.Background()

	err := svc.SaveKeys(ctx, "dev-1", uuid.New(), uuid.New(), map[string]map[string][]byte{
		"pre-key": {"1": []byte("a"), "2": []byte("b"), "3": []byte("c")},
	})
	require.Error(t, err)

	state, loadErr := svc.LoadAuthState(ctx, "dev-1")
	require.NoError(t, loadErr)
	assert.Len(t, state.Keys["pre-key"], 2)
	assert.NotContains(t, state.Keys["pre-key"], "2")
}

func TestLoadAuthState_CorruptRowStartsFresh(t *testing.T) {
	svc, rows := setupCredentialService(t)
	ctx := context.Background()
	userID, tenantID := uuid.New(), uuid.New()

	require.NoError(t, svc.SaveCredentials(ctx, "dev-1", userID, tenantID, map[string]any{"a": "b"}))
	require.NoError(t, svc.SaveKeys(ctx, "dev-1", userID, tenantID,
		map[string]map[string][]byte{"session": {"x": []byte("v")}}))

	// Corrupt both ciphertexts in place.
	for _, rec := range rows.rows {
		rec.Payload[0] ^= 0xff
	}

	state, err := svc.LoadAuthState(ctx, "dev-1")
	require.NoError(t, err, "corrupt session must never surface an error")
	assert.Empty(t, state.Credentials)
	assert.Empty(t, state.Keys)
}

func TestClearDeviceSession(t *testing.T) {
	svc, _ := setupCredentialService(t)
	ctx := context.Background()

	require.NoError(t, svc.SaveCredentials(ctx, "dev-1", uuid.New(), uuid.New(), map[string]any{"a": "b"}))

	has, err := svc.HasExistingCredentials(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, svc.ClearDeviceSession(ctx, "dev-1"))

	has, err = svc.HasExistingCredentials(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMaterialID_RoundTrip(t *testing.T) {
	id := MaterialID("pre-key", "42")
	assert.Equal(t, "pre-key:42", id)
	keyType, keyID := SplitMaterialID(id)
	assert.Equal(t, "pre-key", keyType)
	assert.Equal(t, "42", keyID)
}
