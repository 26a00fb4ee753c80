package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrInvalidRole indicates an unknown role value.
	ErrInvalidRole = errors.New("users: invalid role")
	// ErrAccountNotFound indicates no account exists for the user id.
	ErrAccountNotFound = errors.New("users: account not found")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers, accounts and roles.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for an authenticated session.
// It creates the identity mapping and the account when the provider+subject pair has not been seen before.
// Only the identity mapping is cached; roles are always read from the account row.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, session auth.Session) (string, error) {
	provider, subject := normalize(session.Provider), normalize(session.Subject)
	if provider == "" || subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		canonicalIdentifier, ok := cachedIdentifier.(string)
		if ok {
			return canonicalIdentifier, nil
		}
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(session.Email),
			DisplayName: normalize(session.DisplayName),
			LastSeenAt:  s.now(),
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		s.touchIdentity(ctx, identity, session)
	}

	if err := s.EnsureAccount(ctx, identity.UserID); err != nil {
		return "", err
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// touchIdentity refreshes the profile copy on the identity row. A failed
// refresh leaves the stale copy in place and does not block the request.
func (s *Service) touchIdentity(ctx context.Context, identity Identity, session auth.Session) {
	updates := map[string]interface{}{"last_seen_at": s.now()}
	if email := normalize(session.Email); email != "" && email != identity.Email {
		updates["user_email"] = email
	}
	if display := normalize(session.DisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
	}
	err := s.db.WithContext(ctx).Model(&Identity{}).
		Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
		Updates(updates).
		Error
	if err != nil {
		s.logger.Warn("identity refresh failed",
			zap.String("provider", identity.Provider),
			zap.String("user_id", identity.UserID),
			zap.Error(err))
	}
}

// EnsureAccount creates a member account for the user when none exists.
func (s *Service) EnsureAccount(ctx context.Context, userID string) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidIdentity
	}
	now := s.now().UTC()
	account := Account{UserID: userID, Role: RoleMember, CreatedAt: now, UpdatedAt: now}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&account).Error
}

// Account loads the account for the user id.
func (s *Service) Account(ctx context.Context, userID string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// Role reads the user's current role from the store. Users without an
// account are members.
func (s *Service) Role(ctx context.Context, userID string) (Role, error) {
	account, err := s.Account(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return RoleMember, nil
	}
	if err != nil {
		return "", err
	}
	return account.Role, nil
}

// IsAdmin reports whether the user currently holds the admin role.
func (s *Service) IsAdmin(ctx context.Context, userID string) (bool, error) {
	role, err := s.Role(ctx, userID)
	if err != nil {
		return false, err
	}
	return role == RoleAdmin, nil
}

// SetRole assigns a role, creating the account when missing.
func (s *Service) SetRole(ctx context.Context, userID string, role Role) error {
	if role != RoleMember && role != RoleAdmin {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if err := s.EnsureAccount(ctx, userID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Account{}).
		Where("user_id = ?", normalize(userID)).
		Updates(map[string]any{"role": role, "updated_at": s.now().UTC()}).
		Error
}

// ListUserIDs returns every account id in ascending order.
func (s *Service) ListUserIDs(ctx context.Context) ([]string, error) {
	var userIDs []string
	if err := s.db.WithContext(ctx).
		Model(&Account{}).
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		return nil, err
	}
	return userIDs, nil
}

// CreditExperience adds delta to the user's experience total inside the
// caller's transaction and returns the new total.
func CreditExperience(tx *gorm.DB, userID string, delta int64, now time.Time) (int64, error) {
	account := Account{UserID: userID, Role: RoleMember, CreatedAt: now, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"experience": gorm.Expr("experience + ?", delta),
			"updated_at": now,
		}).Error; err != nil {
		return 0, err
	}
	var stored Account
	if err := tx.Where("user_id = ?", userID).Take(&stored).Error; err != nil {
		return 0, err
	}
	return stored.Experience, nil
}
