package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaymesh/device-gateway-service/internal/model"
)

// MessageLogRepository records the outcome of delivery attempts.
type MessageLogRepository struct {
	pool *pgxpool.Pool
}

func NewMessageLogRepository(pool *pgxpool.Pool) *MessageLogRepository {
	return &MessageLogRepository{pool: pool}
}

// Create inserts one outcome row.
func (r *MessageLogRepository) Create(ctx context.Context, entry *model.MessageLog) error {
	query := `INSERT INTO message_logs
                  (id, device_id, job_id, recipient, kind, status, provider_message_id, error, created_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	_, err := r.pool.Exec(ctx, query, entry.ID, entry.DeviceID, entry.JobID, entry.Recipient,
		entry.Kind, entry.Status, entry.ProviderMessageID, entry.Error, entry.CreatedAt)
	return err
}

// ListByJob returns the attempt history for one job, oldest first.
func (r *MessageLogRepository) ListByJob(ctx context.Context, jobID string) ([]*model.MessageLog, error) {
	query := `SELECT id, device_id, job_id, recipient, kind, status, provider_message_id, error, created_at
              FROM message_logs WHERE job_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.MessageLog
	for rows.Next() {
		entry := &model.MessageLog{}
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.JobID, &entry.Recipient, &entry.Kind,
			&entry.Status, &entry.ProviderMessageID, &entry.Error, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
