package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaymesh/device-gateway-service/internal/model"
)

// RosterRepository persists contact and group snapshots, unique per
// (device, remote JID). Sync never deletes rows; entries are only marked
// inactive when the remote side confirms removal.
type RosterRepository struct {
	pool *pgxpool.Pool
}

func NewRosterRepository(pool *pgxpool.Pool) *RosterRepository {
	return &RosterRepository{pool: pool}
}

// UpsertContact writes one contact snapshot, replacing any prior row for the
// same (device, remote JID).
func (r *RosterRepository) UpsertContact(ctx context.Context, c *model.Contact) error {
	query := `INSERT INTO contacts
                  (id, device_id, remote_jid, display_name, avatar_url, is_business, is_blocked, active, created_at, updated_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, true, now(), now())
              ON CONFLICT (device_id, remote_jid) DO UPDATE
              SET display_name = EXCLUDED.display_name,
                  avatar_url = EXCLUDED.avatar_url,
                  is_business = EXCLUDED.is_business,
                  is_blocked = EXCLUDED.is_blocked,
                  active = true,
                  updated_at = now()`
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, query, c.ID, c.DeviceID, c.RemoteJID, c.DisplayName,
		c.AvatarURL, c.IsBusiness, c.IsBlocked)
	return err
}

// UpsertGroup writes one group snapshot. The participant list is replaced
// wholesale on every upsert.
func (r *RosterRepository) UpsertGroup(ctx context.Context, g *model.Group) error {
	participants, err := json.Marshal(g.Participants)
	if err != nil {
		return err
	}
	query := `INSERT INTO groups
                  (id, device_id, remote_jid, name, description, owner_jid, announce_only, locked, participants, active, created_at, updated_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, now(), now())
              ON CONFLICT (device_id, remote_jid) DO UPDATE
              SET name = EXCLUDED.name,
                  description = EXCLUDED.description,
                  owner_jid = EXCLUDED.owner_jid,
                  announce_only = EXCLUDED.announce_only,
                  locked = EXCLUDED.locked,
                  participants = EXCLUDED.participants,
                  active = true,
                  updated_at = now()`
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	_, err = r.pool.Exec(ctx, query, g.ID, g.DeviceID, g.RemoteJID, g.Name, g.Description,
		g.OwnerJID, g.AnnounceOnly, g.Locked, participants)
	return err
}

// ListContacts returns the active contacts for a device.
func (r *RosterRepository) ListContacts(ctx context.Context, deviceID string) ([]*model.Contact, error) {
	query := `SELECT id, device_id, remote_jid, display_name, avatar_url, is_business, is_blocked, active, created_at, updated_at
              FROM contacts WHERE device_id = $1 AND active ORDER BY remote_jid`
	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*model.Contact
	for rows.Next() {
		c := &model.Contact{}
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.RemoteJID, &c.DisplayName, &c.AvatarURL,
			&c.IsBusiness, &c.IsBlocked, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// ListGroups returns the active groups for a device.
func (r *RosterRepository) ListGroups(ctx context.Context, deviceID string) ([]*model.Group, error) {
	query := `SELECT id, device_id, remote_jid, name, description, owner_jid, announce_only, locked, participants, active, created_at, updated_at
              FROM groups WHERE device_id = $1 AND active ORDER BY remote_jid`
	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*model.Group
	for rows.Next() {
		g := &model.Group{}
		var participants []byte
		if err := rows.Scan(&g.ID, &g.DeviceID, &g.RemoteJID, &g.Name, &g.Description, &g.OwnerJID,
			&g.AnnounceOnly, &g.Locked, &participants, &g.Active, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(participants, &g.Participants); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// MarkContactRemoved flips a contact inactive after the remote side confirmed
// removal. Absence from a sync batch is never enough.
func (r *RosterRepository) MarkContactRemoved(ctx context.Context, deviceID, remoteJID string) error {
	query := `UPDATE contacts SET active = false, updated_at = now()
              WHERE device_id = $1 AND remote_jid = $2 AND active`
	tag, err := r.pool.Exec(ctx, query, deviceID, remoteJID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetContact returns one contact or nil, nil when absent.
func (r *RosterRepository) GetContact(ctx context.Context, deviceID, remoteJID string) (*model.Contact, error) {
	query := `SELECT id, device_id, remote_jid, display_name, avatar_url, is_business, is_blocked, active, created_at, updated_at
              FROM contacts WHERE device_id = $1 AND remote_jid = $2`
	c := &model.Contact{}
	err := r.pool.QueryRow(ctx, query, deviceID, remoteJID).Scan(&c.ID, &c.DeviceID, &c.RemoteJID,
		&c.DisplayName, &c.AvatarURL, &c.IsBusiness, &c.IsBlocked, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
