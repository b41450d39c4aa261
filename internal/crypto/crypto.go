package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/relaymesh/device-gateway-service/internal/model"
)

const gcmTagSize = 16

// Service performs symmetric encryption of JSON-serializable values under
// keys derived once from the configured master secret. It is stateless apart
// from that key material.
type Service struct {
	encKey  []byte
	hashKey []byte
}

// NewService derives the cipher and MAC keys from the master secret via
// HKDF-SHA256. A missing or short secret is a hard failure; there is no
// insecure default.
func NewService(masterKey string) (*Service, error) {
	if len(masterKey) < 16 {
		return nil, errors.New("crypto: master key missing or shorter than 16 bytes")
	}
	kdf := hkdf.New(sha256.New, []byte(masterKey), nil, []byte("device-gateway-v1"))
	encKey := make([]byte, 32)
	hashKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, encKey); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(kdf, hashKey); err != nil {
		return nil, err
	}
	return &Service{encKey: encKey, hashKey: hashKey}, nil
}

// Encrypt serializes v and encrypts it with AES-GCM, returning the
// ciphertext, a fresh random IV, and the detached authentication tag.
func (s *Service) Encrypt(v any) (ciphertext, iv, tag []byte, err error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, nil, nil, &model.CryptoError{Op: "encrypt", Err: err}
	}

	aesgcm, err := s.gcm()
	if err != nil {
		return nil, nil, nil, &model.CryptoError{Op: "encrypt", Err: err}
	}

	iv = make([]byte, aesgcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, &model.CryptoError{Op: "encrypt", Err: err}
	}

	sealed := aesgcm.Seal(nil, iv, plaintext, nil)
	cut := len(sealed) - gcmTagSize
	return sealed[:cut], iv, sealed[cut:], nil
}

// Decrypt reverses Encrypt into out. A tampered ciphertext, wrong IV, or
// mismatched tag always fails; it never yields partial data.
func (s *Service) Decrypt(ciphertext, iv, tag []byte, out any) error {
	aesgcm, err := s.gcm()
	if err != nil {
		return &model.CryptoError{Op: "decrypt", Err: err}
	}
	if len(iv) != aesgcm.NonceSize() || len(tag) != gcmTagSize {
		return &model.CryptoError{Op: "decrypt", Err: errors.New("malformed iv or tag")}
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aesgcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return &model.CryptoError{Op: "decrypt", Err: err}
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return &model.CryptoError{Op: "decrypt", Err: err}
	}
	return nil
}

// EncryptSimple is the non-authenticated AES-CTR variant used on the
// high-volume credential row path, where only payload and IV are stored.
// Still uses a per-call random IV.
func (s *Service) EncryptSimple(v any) (ciphertext, iv []byte, err error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, nil, &model.CryptoError{Op: "encrypt", Err: err}
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, nil, &model.CryptoError{Op: "encrypt", Err: err}
	}

	iv = make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, &model.CryptoError{Op: "encrypt", Err: err}
	}

	ciphertext = make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)
	return ciphertext, iv, nil
}

// DecryptSimple reverses EncryptSimple into out.
func (s *Service) DecryptSimple(ciphertext, iv []byte, out any) error {
	if len(iv) != aes.BlockSize {
		return &model.CryptoError{Op: "decrypt", Err: errors.New("malformed iv")}
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return &model.CryptoError{Op: "decrypt", Err: err}
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	if err := json.Unmarshal(plaintext, out); err != nil {
		return &model.CryptoError{Op: "decrypt", Err: err}
	}
	return nil
}

// Hash returns a hex HMAC-SHA256 over data, for content integrity checks.
func (s *Service) Hash(data []byte) string {
	mac := hmac.New(sha256.New, s.hashKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHash compares in constant time to avoid timing side channels.
func (s *Service) VerifyHash(data []byte, sum string) bool {
	want, err := hex.DecodeString(sum)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.hashKey)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), want)
}

func (s *Service) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
