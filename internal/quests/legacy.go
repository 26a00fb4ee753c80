package quests

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LegacyCodePrefix namespaces template codes created from legacy achievements.
const LegacyCodePrefix = "legacy:"

// LegacyAchievement is a definition from the retired achievements table.
type LegacyAchievement struct {
	Key           string `gorm:"column:achievement_key;primaryKey;size:190;not null"`
	Name          string `gorm:"column:name;size:190;not null"`
	Description   string `gorm:"column:description;type:text"`
	ConditionType string `gorm:"column:condition_type;size:64;not null"`
	Category      string `gorm:"column:category;size:190"`
	TargetValue   int64  `gorm:"column:target_value;not null"`
	RewardAmount  int64  `gorm:"column:reward_amount;not null"`
	Icon          string `gorm:"column:icon;size:64"`
}

// TableName provides the explicit table binding for GORM.
func (LegacyAchievement) TableName() string {
	return "legacy_achievements"
}

// LegacyUserAchievement is a user's recorded progress in the retired model.
type LegacyUserAchievement struct {
	UserID         string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	AchievementKey string     `gorm:"column:achievement_key;primaryKey;size:190;not null"`
	Progress       int64      `gorm:"column:progress;not null"`
	UnlockedAt     *time.Time `gorm:"column:unlocked_at"`
}

// TableName provides the explicit table binding for GORM.
func (LegacyUserAchievement) TableName() string {
	return "legacy_user_achievements"
}

// LegacyImportStatus describes the outcome of an import run.
type LegacyImportStatus string

const (
	LegacyImportNothingToDo LegacyImportStatus = "nothing_to_do"
	LegacyImportCompleted   LegacyImportStatus = "imported"
)

// LegacyImportFailure records one definition whose import was rolled back.
type LegacyImportFailure struct {
	Key string
	Err error
}

// LegacyImportReport summarizes an import run.
type LegacyImportReport struct {
	Status           LegacyImportStatus
	Definitions      int
	TemplatesCreated int
	TemplatesUpdated int
	LinksCreated     int
	StatesCreated    int
	StatesUpdated    int
	Failed           int
	Failures         []LegacyImportFailure
}

type legacyCounts struct {
	templateCreated bool
	linkCreated     bool
	statesCreated   int
	statesUpdated   int
}

// RunLegacyImport converts the retired achievement tables into achievement
// templates of the achievements campaign. Re-running converges: templates
// are keyed by code, links are created only when absent and user state only
// ever moves forward.
func (s *Service) RunLegacyImport(ctx context.Context) (LegacyImportReport, error) {
	if s.db == nil {
		s.logError(opRunLegacyImport, reasonMissingDatabase, errMissingDatabase)
		return LegacyImportReport{}, newServiceError(opRunLegacyImport, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	migrator := db.Migrator()
	if !migrator.HasTable(&LegacyAchievement{}) || !migrator.HasTable(&LegacyUserAchievement{}) {
		s.loggerOrDefault().Info("legacy achievement tables not found", zap.String("operation", opRunLegacyImport))
		return LegacyImportReport{Status: LegacyImportNothingToDo}, nil
	}

	var definitions []LegacyAchievement
	if err := db.Order("achievement_key ASC").Find(&definitions).Error; err != nil {
		return LegacyImportReport{}, s.fail(opRunLegacyImport, reasonQueryFailed, err)
	}

	report := LegacyImportReport{Status: LegacyImportCompleted, Definitions: len(definitions)}
	for _, definition := range definitions {
		if err := ctx.Err(); err != nil {
			return report, newServiceError(opRunLegacyImport, reasonQueryFailed, err)
		}
		counts, err := s.importLegacyDefinition(ctx, definition)
		if err != nil {
			s.logError(opRunLegacyImport, reasonWriteFailed, err, zap.String("legacy_key", definition.Key))
			report.Failed++
			report.Failures = append(report.Failures, LegacyImportFailure{Key: definition.Key, Err: err})
			continue
		}
		if counts.templateCreated {
			report.TemplatesCreated++
		} else {
			report.TemplatesUpdated++
		}
		if counts.linkCreated {
			report.LinksCreated++
		}
		report.StatesCreated += counts.statesCreated
		report.StatesUpdated += counts.statesUpdated
	}

	s.loggerOrDefault().Info("legacy achievement import finished",
		zap.Int("definitions", report.Definitions),
		zap.Int("templates_created", report.TemplatesCreated),
		zap.Int("links_created", report.LinksCreated),
		zap.Int("states_created", report.StatesCreated),
		zap.Int("states_updated", report.StatesUpdated),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (s *Service) importLegacyDefinition(ctx context.Context, definition LegacyAchievement) (legacyCounts, error) {
	if strings.TrimSpace(definition.Key) == "" {
		return legacyCounts{}, fmt.Errorf("%w: legacy achievement key is empty", ErrValidation)
	}
	input := TemplateInput{
		Code:          legacyTemplateCode(definition.Key),
		Name:          definition.Name,
		Description:   definition.Description,
		ConditionType: definition.ConditionType,
		Category:      definition.Category,
		TargetValue:   definition.TargetValue,
		RewardAmount:  definition.RewardAmount,
		Active:        true,
		Kind:          string(TemplateKindAchievement),
		UIMetadata:    UIMetadata{Icon: definition.Icon},
	}
	replacement, err := input.toTemplate()
	if err != nil {
		return legacyCounts{}, err
	}
	now := s.now()

	var counts legacyCounts
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counts = legacyCounts{}
		template, created, err := s.upsertLegacyTemplate(tx, replacement, now)
		if err != nil {
			return err
		}
		counts.templateCreated = created

		campaign, err := s.ensureAchievementsCampaign(tx, now)
		if err != nil {
			return err
		}
		counts.linkCreated, err = ensureLink(tx, campaign.ID, template.ID, now)
		if err != nil {
			return err
		}

		var rows []LegacyUserAchievement
		if err := tx.Where("achievement_key = ?", definition.Key).Order("user_id ASC").Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			action, err := s.mergeLegacyState(tx, campaign.ID, template, row, now)
			if err != nil {
				return fmt.Errorf("user %s: %w", row.UserID, err)
			}
			switch action {
			case reconcileCreate:
				counts.statesCreated++
			case reconcileUpdate:
				counts.statesUpdated++
			}
		}
		return nil
	})
	if err != nil {
		return legacyCounts{}, err
	}
	return counts, nil
}

// upsertLegacyTemplate creates the template for the code or refreshes the
// definition fields of an existing one. Activation and display hints chosen
// by admins after a previous import are kept.
func (s *Service) upsertLegacyTemplate(tx *gorm.DB, replacement QuestTemplate, now time.Time) (QuestTemplate, bool, error) {
	var existing QuestTemplate
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("code = ?", *replacement.Code).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		templateID, idErr := s.idProvider.NewID()
		if idErr != nil {
			return QuestTemplate{}, false, idErr
		}
		replacement.ID = templateID
		replacement.CreatedAt = now
		replacement.UpdatedAt = now
		if err := tx.Create(&replacement).Error; err != nil {
			return QuestTemplate{}, false, err
		}
		return replacement, true, nil
	}
	if err != nil {
		return QuestTemplate{}, false, err
	}

	if err := tx.Model(&QuestTemplate{}).Where("id = ?", existing.ID).Updates(map[string]any{
		"name":           replacement.Name,
		"description":    replacement.Description,
		"condition_type": replacement.ConditionType,
		"category":       replacement.Category,
		"target_value":   replacement.TargetValue,
		"reward_amount":  replacement.RewardAmount,
		"template_kind":  TemplateKindAchievement,
		"updated_at":     now,
	}).Error; err != nil {
		return QuestTemplate{}, false, err
	}
	var stored QuestTemplate
	if err := tx.Where("id = ?", existing.ID).Take(&stored).Error; err != nil {
		return QuestTemplate{}, false, err
	}
	return stored, false, nil
}

// mergeLegacyState copies a legacy unlock into the permanent state row.
// Higher progress wins and an existing completion time is kept.
func (s *Service) mergeLegacyState(tx *gorm.DB, campaignID string, template QuestTemplate, row LegacyUserAchievement, now time.Time) (reconcileAction, error) {
	userID := strings.TrimSpace(row.UserID)
	if userID == "" {
		return reconcileNone, nil
	}
	progress := row.Progress
	if progress < 0 {
		progress = 0
	}
	var completedAt *time.Time
	if row.UnlockedAt != nil {
		unlockedAt := row.UnlockedAt.UTC()
		completedAt = &unlockedAt
		if progress < template.TargetValue {
			progress = template.TargetValue
		}
	} else if progress >= template.TargetValue {
		completedAt = &now
	}
	if progress == 0 && completedAt == nil {
		return reconcileNone, nil
	}

	key := stateKey{userID: userID, campaignID: campaignID, templateID: template.ID, resetKey: PermanentResetKey}
	existing, err := loadState(tx, key)
	if err != nil {
		return reconcileNone, err
	}
	if existing == nil {
		stateID, err := s.idProvider.NewID()
		if err != nil {
			return reconcileNone, err
		}
		state := UserQuestState{
			ID:          stateID,
			UserID:      userID,
			CampaignID:  campaignID,
			TemplateID:  template.ID,
			ResetKey:    PermanentResetKey,
			Progress:    progress,
			CompletedAt: completedAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&state)
		if result.Error != nil {
			return reconcileNone, result.Error
		}
		if result.RowsAffected == 1 {
			return reconcileCreate, nil
		}
		existing, err = loadState(tx, key)
		if err != nil {
			return reconcileNone, err
		}
		if existing == nil {
			return reconcileNone, fmt.Errorf("state for template %s vanished after conflicting insert", template.ID)
		}
	}

	decision := reconcileDecision{
		action:         reconcileUpdate,
		progress:       progress,
		completedAt:    completedAt,
		newlyCompleted: existing.CompletedAt == nil && completedAt != nil,
	}
	outcome, err := updateState(tx, existing, decision, now)
	if err != nil {
		return reconcileNone, err
	}
	return outcome.action, nil
}

// legacyTemplateCode returns the template code used for a legacy key.
func legacyTemplateCode(key string) string {
	return LegacyCodePrefix + strings.TrimSpace(key)
}
