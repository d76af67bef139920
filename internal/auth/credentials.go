package auth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/usage-telemetry-api/internal/config"
	"github.com/nulzo/usage-telemetry-api/internal/store"
	"github.com/nulzo/usage-telemetry-api/internal/store/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

// Key format: cu_<prefix>_<secret>. The structural prefix lets us
// reject garbage in O(1) without touching the store.
const keyTag = "cu"

var (
	// ErrMalformedKey means the candidate does not even look like one
	// of our keys. No store lookup happens for these.
	ErrMalformedKey = errors.New("auth: malformed api key")
	// ErrUnknownKey means a well-formed key with no active match.
	ErrUnknownKey = errors.New("auth: unknown api key")
	// ErrDecryptionFailed signals tampering or rotated key material.
	// Callers treat it as "cannot retrieve, must rotate".
	ErrDecryptionFailed = errors.New("auth: decryption failed")
)

// GeneratedKey is the result of minting a credential. RawKey is
// returned exactly once and never stored in the clear.
type GeneratedKey struct {
	RawKey    string
	Hash      string
	Prefix    string
	Encrypted string
}

// CredentialStore generates, verifies and (reversibly) stores API
// keys. The hash is deterministic argon2id over the raw key with a
// server-held pepper, so it doubles as the lookup index.
type CredentialStore struct {
	repo      store.Repository
	logger    *zap.Logger
	pepper    []byte
	masterKey [32]byte
	maxActive int
}

func NewCredentialStore(repo store.Repository, logger *zap.Logger, cfg config.AuthConfig) *CredentialStore {
	maxActive := cfg.MaxActiveKeys
	if maxActive <= 0 {
		maxActive = 5
	}
	return &CredentialStore{
		repo:      repo,
		logger:    logger,
		pepper:    []byte(cfg.KeyPepper),
		masterKey: sha256.Sum256([]byte(cfg.MasterKey)),
		maxActive: maxActive,
	}
}

// Generate mints a new raw key for userID together with its hash,
// display prefix and an encrypted copy bound to the user.
func (s *CredentialStore) Generate(userID string) (*GeneratedKey, error) {
	prefixPart, err := randomHex(4)
	if err != nil {
		return nil, err
	}
	secret, err := randomHex(24)
	if err != nil {
		return nil, err
	}

	raw := fmt.Sprintf("%s_%s_%s", keyTag, prefixPart, secret)
	enc, err := s.encrypt(raw, userID)
	if err != nil {
		return nil, err
	}

	return &GeneratedKey{
		RawKey:    raw,
		Hash:      s.HashKey(raw),
		Prefix:    fmt.Sprintf("%s_%s", keyTag, prefixPart),
		Encrypted: enc,
	}, nil
}

// HashKey computes the deterministic memory-hard hash of a raw key.
func (s *CredentialStore) HashKey(raw string) string {
	sum := argon2.IDKey([]byte(raw), s.pepper, 1, 64*1024, 4, 32)
	return hex.EncodeToString(sum)
}

// Store persists a generated key, enforcing the active-key cap by
// deactivating the oldest keys first. Runs in one transaction.
func (s *CredentialStore) Store(ctx context.Context, userID string, gk *GeneratedKey) error {
	return s.repo.WithTx(ctx, func(repo store.Repository) error {
		if err := repo.APIKeys().DeactivateOldest(ctx, userID, s.maxActive-1); err != nil {
			return err
		}

		now := time.Now().UTC()
		key := &model.APIKey{
			ID:        uuid.New().String(),
			UserID:    userID,
			KeyHash:   gk.Hash,
			KeyPrefix: gk.Prefix,
			KeyEnc:    sql.NullString{String: gk.Encrypted, Valid: true},
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := repo.APIKeys().Create(ctx, key); err != nil {
			return err
		}

		return repo.Users().UpdateKeyPrefix(ctx, userID, gk.Prefix)
	})
}

// Verify resolves a raw key to its owner. Structurally invalid keys
// are rejected without a store lookup. On success last_used_at is
// touched asynchronously; a failed touch never fails the request.
func (s *CredentialStore) Verify(ctx context.Context, raw string) (*model.User, *model.APIKey, error) {
	if !wellFormed(raw) {
		return nil, nil, ErrMalformedKey
	}

	key, err := s.repo.APIKeys().GetActiveByHash(ctx, s.HashKey(raw))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrUnknownKey
		}
		return nil, nil, err
	}

	user, err := s.repo.Users().GetByID(ctx, key.UserID)
	if err != nil {
		return nil, nil, err
	}

	go func(id string) {
		if err := s.repo.APIKeys().TouchLastUsed(context.Background(), id); err != nil {
			s.logger.Warn("Failed to touch api key usage", zap.String("key_id", id), zap.Error(err))
		}
	}(key.ID)

	return user, key, nil
}

// Decrypt recovers a raw key from its encrypted copy. Fails closed
// when the ciphertext was not produced for userID.
func (s *CredentialStore) Decrypt(encrypted, userID string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	block, err := aes.NewCipher(s.masterKey[:])
	if err != nil {
		return "", ErrDecryptionFailed
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(data) < aesgcm.NonceSize() {
		return "", ErrDecryptionFailed
	}

	nonce, ciphertext := data[:aesgcm.NonceSize()], data[aesgcm.NonceSize():]
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// DisplayPrefix extracts the safe-to-show portion of a raw key.
func DisplayPrefix(raw string) string {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "_" + parts[1]
}

// encrypt seals raw under the master key with userID as associated
// data, so the ciphertext is unusable in another user's context.
func (s *CredentialStore) encrypt(raw, userID string) (string, error) {
	block, err := aes.NewCipher(s.masterKey[:])
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aesgcm.Seal(nonce, nonce, []byte(raw), []byte(userID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func wellFormed(raw string) bool {
	return strings.HasPrefix(raw, keyTag+"_") && strings.Count(raw, "_") == 2
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
