package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/device-gateway-service/internal/model"
)

// testPool connects to the database named by TEST_DATABASE_DSN and truncates
// every table. Tests are skipped when the variable is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set, skipping database tests")
	}

	ctx := context.Background()
	pool, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE TABLE devices, device_credentials, contacts, groups, message_logs`)
	require.NoError(t, err)
	return pool
}

func TestDeviceRepository_CreateAndGet(t *testing.T) {
	repo := NewDeviceRepository(testPool(t))
	ctx := context.Background()

	device := &model.Device{
		DeviceID: "dev-1",
		UserID:   uuid.New(),
		TenantID: uuid.New(),
		Label:    "warehouse phone",
	}
	require.NoError(t, repo.Create(ctx, device))

	fetched, err := repo.GetByDeviceID(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, device.ID, fetched.ID)
	assert.Equal(t, "warehouse phone", fetched.Label)
	assert.False(t, fetched.Connected)
	assert.True(t, fetched.Active)

	absent, err := repo.GetByDeviceID(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, absent)

	devices, err := repo.ListByUser(ctx, device.UserID, device.TenantID)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestDeviceRepository_ConnectionStatus(t *testing.T) {
	repo := NewDeviceRepository(testPool(t))
	ctx := context.Background()

	device := &model.Device{DeviceID: "dev-1", UserID: uuid.New(), TenantID: uuid.New()}
	require.NoError(t, repo.Create(ctx, device))

	require.NoError(t, repo.SetConnected(ctx, "dev-1", true))
	fetched, err := repo.GetByDeviceID(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, fetched.Connected)
	assert.NotNil(t, fetched.LastConnectedAt)

	require.NoError(t, repo.SetConnected(ctx, "dev-1", false))
	fetched, err = repo.GetByDeviceID(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, fetched.Connected)
	assert.NotNil(t, fetched.LastConnectedAt, "disconnecting keeps the last-connected stamp")
}

func TestDeviceRepository_PairingCode(t *testing.T) {
	repo := NewDeviceRepository(testPool(t))
	ctx := context.Background()

	device := &model.Device{DeviceID: "dev-1", UserID: uuid.New(), TenantID: uuid.New()}
	require.NoError(t, repo.Create(ctx, device))

	code := "ABCD-1234"
	expiresAt := time.Now().Add(model.PairingValidity)
	require.NoError(t, repo.SetPairingCode(ctx, "dev-1", &code, &expiresAt))

	fetched, err := repo.GetByDeviceID(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, fetched.PairingCode)
	assert.Equal(t, code, *fetched.PairingCode)
	assert.True(t, fetched.HasValidPairingCode(time.Now()))

	require.NoError(t, repo.SetPairingCode(ctx, "dev-1", nil, nil))
	fetched, err = repo.GetByDeviceID(ctx, "dev-1")
	require.NoError(t, err)
	assert.Nil(t, fetched.PairingCode)
}

func TestDeviceRepository_SoftDelete(t *testing.T) {
	repo := NewDeviceRepository(testPool(t))
	ctx := context.Background()

	device := &model.Device{DeviceID: "dev-1", UserID: uuid.New(), TenantID: uuid.New()}
	require.NoError(t, repo.Create(ctx, device))

	require.NoError(t, repo.Delete(ctx, "dev-1"))

	fetched, err := repo.GetByDeviceID(ctx, "dev-1")
	require.NoError(t, err)
	assert.Nil(t, fetched, "soft-deleted devices read back as absent")

	assert.ErrorIs(t, repo.Delete(ctx, "dev-1"), model.ErrDeviceNotFound)
}

func TestCredentialRepository_UpsertAndDeactivate(t *testing.T) {
	repo := NewCredentialRepository(testPool(t))
	ctx := context.Background()
	userID, tenantID := uuid.New(), uuid.New()

	rec := &model.CredentialRecord{
		DeviceID:   "dev-1",
		Kind:       model.KindKeys,
		MaterialID: "prekey:17",
		Payload:    []byte{0xde, 0xad},
		IV:         []byte{0x01, 0x02},
		UserID:     userID,
		TenantID:   tenantID,
	}
	require.NoError(t, repo.Upsert(ctx, rec))

	// Same triple again: the row is replaced, not duplicated.
	rec2 := &model.CredentialRecord{
		DeviceID:   "dev-1",
		Kind:       model.KindKeys,
		MaterialID: "prekey:17",
		Payload:    []byte{0xbe, 0xef},
		IV:         []byte{0x03, 0x04},
		UserID:     userID,
		TenantID:   tenantID,
	}
	require.NoError(t, repo.Upsert(ctx, rec2))

	count, err := repo.CountActive(ctx, "dev-1", model.KindKeys)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	records, err := repo.ListActive(ctx, "dev-1", model.KindKeys)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte{0xbe, 0xef}, records[0].Payload)

	require.NoError(t, repo.DeactivateAll(ctx, "dev-1"))
	count, err = repo.CountActive(ctx, "dev-1", model.KindKeys)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Rows are kept, only flagged inactive.
	var total int
	err = repo.pool.QueryRow(ctx, `SELECT COUNT(*) FROM device_credentials WHERE device_id = 'dev-1'`).Scan(&total)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRosterRepository_ContactUpsertReplaces(t *testing.T) {
	repo := NewRosterRepository(testPool(t))
	ctx := context.Background()

	require.NoError(t, repo.UpsertContact(ctx, &model.Contact{
		DeviceID: "dev-1", RemoteJID: "alice@net", DisplayName: "Alice",
	}))
	require.NoError(t, repo.UpsertContact(ctx, &model.Contact{
		DeviceID: "dev-1", RemoteJID: "alice@net", DisplayName: "Alice B.",
	}))

	contacts, err := repo.ListContacts(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, contacts, 1, "same (device, remote JID) never duplicates")
	assert.Equal(t, "Alice B.", contacts[0].DisplayName)
}

func TestRosterRepository_MarkContactRemoved(t *testing.T) {
	repo := NewRosterRepository(testPool(t))
	ctx := context.Background()

	require.NoError(t, repo.UpsertContact(ctx, &model.Contact{
		DeviceID: "dev-1", RemoteJID: "alice@net", DisplayName: "Alice",
	}))
	require.NoError(t, repo.MarkContactRemoved(ctx, "dev-1", "alice@net"))

	contacts, err := repo.ListContacts(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, contacts)

	c, err := repo.GetContact(ctx, "dev-1", "alice@net")
	require.NoError(t, err)
	require.NotNil(t, c, "removal keeps the row")
	assert.False(t, c.Active)
}

func TestRosterRepository_GroupParticipantsReplacedWholesale(t *testing.T) {
	repo := NewRosterRepository(testPool(t))
	ctx := context.Background()

	require.NoError(t, repo.UpsertGroup(ctx, &model.Group{
		DeviceID: "dev-1", RemoteJID: "team@net", Name: "Team",
		Participants: []model.GroupParticipant{
			{JID: "alice@net", IsAdmin: true},
			{JID: "bob@net"},
		},
	}))
	require.NoError(t, repo.UpsertGroup(ctx, &model.Group{
		DeviceID: "dev-1", RemoteJID: "team@net", Name: "Team",
		Participants: []model.GroupParticipant{
			{JID: "carol@net"},
		},
	}))

	groups, err := repo.ListGroups(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Participants, 1)
	assert.Equal(t, "carol@net", groups[0].Participants[0].JID)
}

func TestMessageLogRepository_CreateAndList(t *testing.T) {
	repo := NewMessageLogRepository(testPool(t))
	ctx := context.Background()

	jobID := uuid.New().String()
	require.NoError(t, repo.Create(ctx, &model.MessageLog{
		DeviceID: "dev-1", JobID: jobID, Recipient: "peer@net",
		Kind: model.MessageText, Status: "sent", ProviderMessageID: "wire-1",
	}))

	entries, err := repo.ListByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sent", entries[0].Status)
	assert.Equal(t, "wire-1", entries[0].ProviderMessageID)

	empty, err := repo.ListByJob(ctx, uuid.New().String())
	require.NoError(t, err)
	assert.Empty(t, empty)
}
