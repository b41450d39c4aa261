package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaymesh/device-gateway-service/internal/model"
)

// DeviceRepository handles database operations for devices. The Connection
// Manager is the only caller that writes connection-status fields.
type DeviceRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

const deviceColumns = `id, device_id, user_id, tenant_id, label, connected,
	last_connected_at, active, pairing_code, pairing_expires_at, created_at, updated_at`

// Create inserts a new device slot for a user.
func (r *DeviceRepository) Create(ctx context.Context, device *model.Device) error {
	query := `INSERT INTO devices (id, device_id, user_id, tenant_id, label, connected, active, created_at, updated_at)
              VALUES ($1, $2, $3, $4, $5, false, true, $6, $7)`
	device.ID = uuid.New()
	device.Active = true
	device.CreatedAt = time.Now()
	device.UpdatedAt = device.CreatedAt
	_, err := r.pool.Exec(ctx, query, device.ID, device.DeviceID, device.UserID, device.TenantID,
		device.Label, device.CreatedAt, device.UpdatedAt)
	return err
}

// GetByDeviceID retrieves an active device by its opaque device identifier.
// Returns nil, nil when absent.
func (r *DeviceRepository) GetByDeviceID(ctx context.Context, deviceID string) (*model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1 AND active`
	return r.scanOne(r.pool.QueryRow(ctx, query, deviceID))
}

// ListByUser retrieves all active devices for a tenant's user.
func (r *DeviceRepository) ListByUser(ctx context.Context, userID, tenantID uuid.UUID) ([]*model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices
              WHERE user_id = $1 AND tenant_id = $2 AND active ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*model.Device
	for rows.Next() {
		device := &model.Device{}
		if err := rows.Scan(&device.ID, &device.DeviceID, &device.UserID, &device.TenantID,
			&device.Label, &device.Connected, &device.LastConnectedAt, &device.Active,
			&device.PairingCode, &device.PairingExpiresAt, &device.CreatedAt, &device.UpdatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// SetConnected records a connection-status transition.
func (r *DeviceRepository) SetConnected(ctx context.Context, deviceID string, connected bool) error {
	query := `UPDATE devices
              SET connected = $2,
                  last_connected_at = CASE WHEN $2 THEN now() ELSE last_connected_at END,
                  updated_at = now()
              WHERE device_id = $1 AND active`
	_, err := r.pool.Exec(ctx, query, deviceID, connected)
	return err
}

// SetPairingCode persists the pairing artifact and its expiry; both are
// cleared with nils once a session is established.
func (r *DeviceRepository) SetPairingCode(ctx context.Context, deviceID string, code *string, expiresAt *time.Time) error {
	query := `UPDATE devices SET pairing_code = $2, pairing_expires_at = $3, updated_at = now()
              WHERE device_id = $1 AND active`
	_, err := r.pool.Exec(ctx, query, deviceID, code, expiresAt)
	return err
}

// Delete soft-deletes a device.
func (r *DeviceRepository) Delete(ctx context.Context, deviceID string) error {
	query := `UPDATE devices SET active = false, connected = false, updated_at = now()
              WHERE device_id = $1 AND active`
	tag, err := r.pool.Exec(ctx, query, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDeviceNotFound
	}
	return nil
}

func (r *DeviceRepository) scanOne(row pgx.Row) (*model.Device, error) {
	device := &model.Device{}
	err := row.Scan(&device.ID, &device.DeviceID, &device.UserID, &device.TenantID,
		&device.Label, &device.Connected, &device.LastConnectedAt, &device.Active,
		&device.PairingCode, &device.PairingExpiresAt, &device.CreatedAt, &device.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}
