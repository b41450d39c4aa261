package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaymesh/device-gateway-service/internal/model"
)

// CredentialRepository persists encrypted credential rows. It is the only
// reader and writer of device_credentials.
type CredentialRepository struct {
	pool *pgxpool.Pool
}

func NewCredentialRepository(pool *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

// Upsert writes one encrypted row keyed by (device_id, kind, material_id).
// The unique index guarantees at most one active row per triple.
func (r *CredentialRepository) Upsert(ctx context.Context, rec *model.CredentialRecord) error {
	query := `INSERT INTO device_credentials
                  (id, device_id, kind, material_id, payload, iv, active, user_id, tenant_id, accessed_at, created_at, updated_at)
              VALUES ($1, $2, $3, $4, $5, $6, true, $7, $8, now(), now(), now())
              ON CONFLICT (device_id, kind, material_id) DO UPDATE
              SET payload = EXCLUDED.payload,
                  iv = EXCLUDED.iv,
                  active = true,
                  accessed_at = now(),
                  updated_at = now()`
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, query, rec.ID, rec.DeviceID, rec.Kind, rec.MaterialID,
		rec.Payload, rec.IV, rec.UserID, rec.TenantID)
	return err
}

// ListActive loads all active rows of one kind for a device and stamps their
// last-accessed time.
func (r *CredentialRepository) ListActive(ctx context.Context, deviceID string, kind model.CredentialKind) ([]*model.CredentialRecord, error) {
	query := `SELECT id, device_id, kind, material_id, payload, iv, active, user_id, tenant_id, accessed_at, created_at, updated_at
              FROM device_credentials
              WHERE device_id = $1 AND kind = $2 AND active`
	rows, err := r.pool.Query(ctx, query, deviceID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.CredentialRecord
	for rows.Next() {
		rec := &model.CredentialRecord{}
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.Kind, &rec.MaterialID, &rec.Payload,
			&rec.IV, &rec.Active, &rec.UserID, &rec.TenantID, &rec.AccessedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(records) > 0 {
		touch := `UPDATE device_credentials SET accessed_at = $3
                  WHERE device_id = $1 AND kind = $2 AND active`
		if _, err := r.pool.Exec(ctx, touch, deviceID, kind, time.Now()); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// DeactivateAll marks every row for the device inactive. Ciphertext is kept
// for audit and recovery, never purged here.
func (r *CredentialRepository) DeactivateAll(ctx context.Context, deviceID string) error {
	query := `UPDATE device_credentials SET active = false, updated_at = now()
              WHERE device_id = $1 AND active`
	_, err := r.pool.Exec(ctx, query, deviceID)
	return err
}

// CountActive reports how many active rows of one kind exist for a device.
func (r *CredentialRepository) CountActive(ctx context.Context, deviceID string, kind model.CredentialKind) (int, error) {
	query := `SELECT COUNT(*) FROM device_credentials WHERE device_id = $1 AND kind = $2 AND active`
	var count int
	err := r.pool.QueryRow(ctx, query, deviceID, kind).Scan(&count)
	return count, err
}
