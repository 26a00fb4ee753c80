package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestResolveCanonicalUserIDUsesSessionSubject(t *testing.T) {
	service, db := newTestService(t)

	session := auth.Session{
		Provider:    "google",
		Subject:     "12345",
		Email:       "user@example.com",
		DisplayName: "Example User",
	}
	userID, err := service.ResolveCanonicalUserID(context.Background(), session)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	// second call should hit cache and not create a duplicate record.
	userID, err = service.ResolveCanonicalUserID(context.Background(), session)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}

	var accounts int64
	if err := db.Model(&Account{}).Count(&accounts).Error; err != nil {
		t.Fatalf("failed to count accounts: %v", err)
	}
	if accounts != 1 {
		t.Fatalf("expected one account to be provisioned, got %d", accounts)
	}
}

func TestResolveCanonicalUserIDRejectsIncompleteSession(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.ResolveCanonicalUserID(context.Background(), auth.Session{Provider: "google", Subject: "  "})
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}

func TestResolveCanonicalUserIDLogsFailedIdentityRefresh(t *testing.T) {
	first, db := newTestService(t)
	session := auth.Session{Provider: "google", Subject: "12345", Email: "user@example.com"}
	if _, err := first.ResolveCanonicalUserID(context.Background(), session); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	err := db.Callback().Update().Before("gorm:update").Register("test:fail_identity_refresh", func(tx *gorm.DB) {
		if tx.Statement.Table == "user_identities" {
			_ = tx.AddError(errors.New("disk full"))
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	second, err := NewService(ServiceConfig{Database: db, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	session.Email = "renamed@example.com"
	userID, err := second.ResolveCanonicalUserID(context.Background(), session)
	if err != nil {
		t.Fatalf("refresh failure must not block resolution: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("unexpected user id %q", userID)
	}

	entries := logs.FilterMessage("identity refresh failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one refresh failure log, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level, got %s", entries[0].Level)
	}
}

func TestRoleIsReadFromStoreOnEveryCall(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	isAdmin, err := service.IsAdmin(ctx, "user-1")
	if err != nil {
		t.Fatalf("role lookup failed: %v", err)
	}
	if isAdmin {
		t.Fatalf("unknown user must not be admin")
	}

	if err := service.SetRole(ctx, "user-1", RoleAdmin); err != nil {
		t.Fatalf("set role failed: %v", err)
	}
	if isAdmin, err = service.IsAdmin(ctx, "user-1"); err != nil || !isAdmin {
		t.Fatalf("expected admin after promotion, got %v (err %v)", isAdmin, err)
	}

	if err := service.SetRole(ctx, "user-1", RoleMember); err != nil {
		t.Fatalf("set role failed: %v", err)
	}
	if isAdmin, err = service.IsAdmin(ctx, "user-1"); err != nil || isAdmin {
		t.Fatalf("expected demotion to take effect immediately, got %v (err %v)", isAdmin, err)
	}

	if err := service.SetRole(ctx, "user-1", Role("owner")); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected invalid role error, got %v", err)
	}
}

func TestCreditExperienceAccumulates(t *testing.T) {
	service, db := newTestService(t)
	now := time.Unix(1700000000, 0).UTC()

	for _, delta := range []int64{7, 5} {
		if err := db.Transaction(func(tx *gorm.DB) error {
			_, err := CreditExperience(tx, "writer", delta, now)
			return err
		}); err != nil {
			t.Fatalf("credit failed: %v", err)
		}
	}

	account, err := service.Account(context.Background(), "writer")
	if err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}
	if account.Experience != 12 {
		t.Fatalf("expected experience 12, got %d", account.Experience)
	}
	if account.Role != RoleMember {
		t.Fatalf("expected member role, got %s", account.Role)
	}

	userIDs, err := service.ListUserIDs(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(userIDs) != 1 || userIDs[0] != "writer" {
		t.Fatalf("unexpected user ids: %v", userIDs)
	}
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}, &Account{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}
