package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/usage-telemetry-api/internal/audit"
	"github.com/nulzo/usage-telemetry-api/internal/store"
	"github.com/nulzo/usage-telemetry-api/internal/store/model"
	"go.uber.org/zap"
)

// AccountService owns the register/rotate key-lifecycle flows on top
// of the CredentialStore.
type AccountService struct {
	repo     store.Repository
	creds    *CredentialStore
	recorder audit.Recorder
	logger   *zap.Logger
}

func NewAccountService(repo store.Repository, creds *CredentialStore, recorder audit.Recorder, logger *zap.Logger) *AccountService {
	return &AccountService{
		repo:     repo,
		creds:    creds,
		recorder: recorder,
		logger:   logger,
	}
}

// Register creates a user with a fresh immutable salt and issues the
// first API key. The raw key in the result is shown exactly once.
func (s *AccountService) Register(ctx context.Context, username, displayName string) (*model.User, *GeneratedKey, error) {
	salt, err := randomHex(16)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	user := &model.User{
		ID:          uuid.New().String(),
		Username:    username,
		DisplayName: displayName,
		UserSalt:    salt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if user.DisplayName == "" {
		user.DisplayName = username
	}

	if err := s.repo.Users().Create(ctx, user); err != nil {
		return nil, nil, err
	}

	key, err := s.creds.Generate(user.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.creds.Store(ctx, user.ID, key); err != nil {
		return nil, nil, err
	}

	return user, key, nil
}

// Rotate issues a replacement key and immediately deactivates the key
// that signed the rotation request, so the previous raw credential
// stops verifying at once. The cap rule in Store still applies on top.
func (s *AccountService) Rotate(ctx context.Context, user *model.User, previous *model.APIKey, ip, userAgent string) (*GeneratedKey, error) {
	key, err := s.creds.Generate(user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.creds.Store(ctx, user.ID, key); err != nil {
		return nil, err
	}
	if previous != nil {
		if err := s.repo.APIKeys().Deactivate(ctx, previous.ID); err != nil {
			return nil, err
		}
	}

	s.recorder.Record(audit.Event(model.EventAPIKeyRotated, user.ID, key.Prefix, ip, userAgent, nil))

	return key, nil
}

// ListKeys returns the user's keys for display; hashes and encrypted
// copies never leave the model's json:"-" fields.
func (s *AccountService) ListKeys(ctx context.Context, userID string) ([]model.APIKey, error) {
	return s.repo.APIKeys().ListByUserID(ctx, userID)
}
