package quests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/activity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates a referenced template, campaign or state does not exist.
	ErrNotFound = errors.New("quests: not found")
	// ErrForbidden indicates the state belongs to another user.
	ErrForbidden = errors.New("quests: forbidden")
	// ErrPreconditionFailed indicates a claim before completion.
	ErrPreconditionFailed = errors.New("quests: precondition failed")
	// ErrConflict indicates a duplicate unique key or a repeated claim.
	ErrConflict = errors.New("quests: conflict")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("quests: validation failed")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingMetrics    = errors.New("metrics source is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDirectory  = errors.New("user directory is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "quests.service.new"
	opCreateTemplate     = "quests.create_template"
	opUpdateTemplate     = "quests.update_template"
	opDeleteTemplate     = "quests.delete_template"
	opGetTemplate        = "quests.get_template"
	opListTemplates      = "quests.list_active_templates"
	opCreateCampaign     = "quests.create_campaign"
	opUpdateCampaign     = "quests.update_campaign"
	opDeleteCampaign     = "quests.delete_campaign"
	opGetCampaign        = "quests.get_campaign"
	opListCampaigns      = "quests.list_active_campaigns"
	opCampaignTemplates  = "quests.campaign_templates"
	opAttachTemplate     = "quests.attach_template"
	opDetachTemplate     = "quests.detach_template"
	opEnsureAchievements = "quests.ensure_achievements_campaign"
	opListActiveQuests   = "quests.list_active_quests"
	opClaimReward        = "quests.claim_reward"
	opRunBackfill        = "quests.run_backfill"
	opRunLegacyImport    = "quests.run_legacy_import"

	reasonMissingDatabase  = "missing_database"
	reasonMissingMetrics   = "missing_metrics"
	reasonMissingDirectory = "missing_directory"
	reasonMissingUserID    = "missing_user_id"
	reasonInvalidInput     = "invalid_input"
	reasonNotFound         = "not_found"
	reasonDuplicateCode    = "duplicate_code"
	reasonDuplicateName    = "duplicate_name"
	reasonDuplicateLink    = "duplicate_link"
	reasonQueryFailed      = "query_failed"
	reasonWriteFailed      = "write_failed"
	reasonMetricsFailed    = "metrics_failed"
	reasonIDFailed         = "id_generation_failed"
	reasonForbidden        = "forbidden"
	reasonNotCompleted     = "not_completed"
	reasonAlreadyClaimed   = "already_claimed"
	reasonTemplateMissing  = "template_missing"
	reasonLedgerFailed     = "ledger_failed"
	reasonExperienceFailed = "experience_failed"
	reasonProtected        = "protected_campaign"
	reasonProtectedCode    = "protected_code"

	fieldUserID     = "user_id"
	fieldTemplateID = "template_id"
	fieldCampaignID = "campaign_id"
	fieldStateID    = "state_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// MetricsSource supplies the activity counts progress is computed from.
type MetricsSource interface {
	Snapshot(ctx context.Context, userID string, window activity.Window) (activity.Snapshot, error)
}

// UserDirectory enumerates known users for batch tools.
type UserDirectory interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// EventPublisher receives quest lifecycle events after their transaction commits.
type EventPublisher interface {
	PublishQuestEvent(event Event)
}

// EventType names quest lifecycle events.
type EventType string

const (
	EventQuestCompleted EventType = "quest_completed"
	EventRewardClaimed  EventType = "reward_claimed"
)

// Event describes a committed quest state transition.
type Event struct {
	Type         EventType
	UserID       string
	StateID      string
	TemplateID   string
	CampaignID   string
	RewardAmount int64
	OccurredAt   time.Time
}

type ServiceConfig struct {
	Database   *gorm.DB
	Metrics    MetricsSource
	Users      UserDirectory
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Events     EventPublisher
}

type IDProvider interface {
	NewID() (string, error)
}

// Service is the quest progression and reward engine.
type Service struct {
	db         *gorm.DB
	metrics    MetricsSource
	users      UserDirectory
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	events     EventPublisher
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Metrics == nil {
		return nil, newServiceError(opServiceNew, reasonMissingMetrics, errMissingMetrics)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		metrics:    cfg.Metrics,
		users:      cfg.Users,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		events:     cfg.Events,
	}, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) newID(operation string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDFailed, err)
		return "", newServiceError(operation, reasonIDFailed, err)
	}
	return id, nil
}

func (s *Service) publish(events []Event) {
	if s.events == nil {
		return
	}
	for _, event := range events {
		s.events.PublishQuestEvent(event)
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("quests service error", attrs...)
}

// fail logs store failures and wraps the cause. Caller errors (validation,
// not-found, conflicts) are returned without error-level logging.
func (s *Service) fail(operation, reason string, cause error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	if errors.As(cause, &serviceErr) {
		return cause
	}
	if !isCallerError(cause) {
		s.logError(operation, reason, cause, fields...)
	}
	return newServiceError(operation, reason, cause)
}

func isCallerError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrValidation)
}
