package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relaymesh/device-gateway-service/internal/crypto"
	"github.com/relaymesh/device-gateway-service/internal/model"
)

// CredentialRows is the storage surface the credential service drives.
// Satisfied by store.CredentialRepository.
type CredentialRows interface {
	Upsert(ctx context.Context, rec *model.CredentialRecord) error
	ListActive(ctx context.Context, deviceID string, kind model.CredentialKind) ([]*model.CredentialRecord, error)
	DeactivateAll(ctx context.Context, deviceID string) error
	CountActive(ctx context.Context, deviceID string, kind model.CredentialKind) (int, error)
}

// CredentialService assembles and persists per-device session material as
// encrypted rows. The contract is best-effort resume with graceful fallback
// to re-pairing: a corrupt row never blocks a device from being usable.
type CredentialService struct {
	rows   CredentialRows
	crypto *crypto.Service
}

func NewCredentialService(rows CredentialRows, cryptoSvc *crypto.Service) *CredentialService {
	return &CredentialService{rows: rows, crypto: cryptoSvc}
}

// LoadAuthState reads the active credentials row and all active key rows for
// the device and decrypts them into the structure the connection layer
// resumes from. No rows means a brand-new device, not an error. Decrypt
// failures are logged and skipped so the device starts fresh.
func (s *CredentialService) LoadAuthState(ctx context.Context, deviceID string) (*model.AuthState, error) {
	state := model.NewAuthState()

	credRows, err := s.rows.ListActive(ctx, deviceID, model.KindCredentials)
	if err != nil {
		return nil, err
	}
	for _, rec := range credRows {
		creds := map[string]any{}
		if err := s.crypto.DecryptSimple(rec.Payload, rec.IV, &creds); err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).
				Msg("Failed to decrypt credentials row, starting fresh")
			continue
		}
		state.Credentials = creds
	}

	keyRows, err := s.rows.ListActive(ctx, deviceID, model.KindKeys)
	if err != nil {
		return nil, err
	}
	for _, rec := range keyRows {
		entry := model.KeyEntry{}
		if err := s.crypto.DecryptSimple(rec.Payload, rec.IV, &entry); err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Str("material_id", rec.MaterialID).
				Msg("Failed to decrypt key row, skipping")
			continue
		}
		if state.Keys[entry.KeyType] == nil {
			state.Keys[entry.KeyType] = make(map[string][]byte)
		}
		state.Keys[entry.KeyType][entry.KeyID] = entry.Value
	}

	return state, nil
}

// SaveCredentials encrypts and upserts the single credentials row. An empty
// credentials object is a no-op: meaningless state is never persisted.
func (s *CredentialService) SaveCredentials(ctx context.Context, deviceID string, userID, tenantID uuid.UUID, credentials map[string]any) error {
	if len(credentials) == 0 {
		return nil
	}

	payload, iv, err := s.crypto.EncryptSimple(credentials)
	if err != nil {
		return err
	}
	return s.rows.Upsert(ctx, &model.CredentialRecord{
		DeviceID:   deviceID,
		Kind:       model.KindCredentials,
		MaterialID: "",
		Payload:    payload,
		IV:         iv,
		UserID:     userID,
		TenantID:   tenantID,
	})
}

// SaveKeys encrypts and upserts one row per (type, id) pair, keyed by the
// composite id "type:id". Writes run concurrently and are awaited together;
// each row is independent, so one failure does not roll back the others.
func (s *CredentialService) SaveKeys(ctx context.Context, deviceID string, userID, tenantID uuid.UUID, keys map[string]map[string][]byte) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for keyType, byID := range keys {
		for keyID, value := range byID {
			wg.Add(1)
			go func(keyType, keyID string, value []byte) {
				defer wg.Done()
				if err := s.saveKey(ctx, deviceID, userID, tenantID, keyType, keyID, value); err != nil {
					log.Error().Err(err).Str("device_id", deviceID).
						Str("key_type", keyType).Str("key_id", keyID).
						Msg("Failed to persist key material")
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s:%s: %w", keyType, keyID, err))
					mu.Unlock()
				}
			}(keyType, keyID, value)
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *CredentialService) saveKey(ctx context.Context, deviceID string, userID, tenantID uuid.UUID, keyType, keyID string, value []byte) error {
	payload, iv, err := s.crypto.EncryptSimple(model.KeyEntry{KeyType: keyType, KeyID: keyID, Value: value})
	if err != nil {
		return err
	}
	return s.rows.Upsert(ctx, &model.CredentialRecord{
		DeviceID:   deviceID,
		Kind:       model.KindKeys,
		MaterialID: MaterialID(keyType, keyID),
		Payload:    payload,
		IV:         iv,
		UserID:     userID,
		TenantID:   tenantID,
	})
}

// ClearDeviceSession marks every row for the device inactive. Ciphertext is
// retained; the next connect re-pairs from scratch.
func (s *CredentialService) ClearDeviceSession(ctx context.Context, deviceID string) error {
	return s.rows.DeactivateAll(ctx, deviceID)
}

// HasExistingCredentials reports whether a connect attempt can expect to skip
// pairing.
func (s *CredentialService) HasExistingCredentials(ctx context.Context, deviceID string) (bool, error) {
	count, err := s.rows.CountActive(ctx, deviceID, model.KindCredentials)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MaterialID builds the composite row id for one piece of key material.
func MaterialID(keyType, keyID string) string {
	return keyType + ":" + keyID
}

// SplitMaterialID is the inverse of MaterialID.
func SplitMaterialID(materialID string) (keyType, keyID string) {
	keyType, keyID, _ = strings.Cut(materialID, ":")
	return keyType, keyID
}
