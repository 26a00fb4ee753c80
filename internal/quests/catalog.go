package quests

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TemplateInput describes an admin-supplied template definition.
type TemplateInput struct {
	Code          string
	Name          string
	Description   string
	ConditionType string
	Category      string
	TargetValue   int64
	RewardAmount  int64
	Active        bool
	Kind          string
	ResetPeriod   string
	UIMetadata    UIMetadata
}

func (input TemplateInput) toTemplate() (QuestTemplate, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return QuestTemplate{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(name) > maxNameLength {
		return QuestTemplate{}, fmt.Errorf("%w: name exceeds %d characters", ErrValidation, maxNameLength)
	}
	condition, err := ParseConditionType(input.ConditionType)
	if err != nil {
		return QuestTemplate{}, err
	}
	category := strings.TrimSpace(input.Category)
	if condition.RequiresCategory() && category == "" {
		return QuestTemplate{}, fmt.Errorf("%w: condition %s requires a category", ErrValidation, condition)
	}
	if !condition.RequiresCategory() {
		category = ""
	}
	if input.TargetValue <= 0 {
		return QuestTemplate{}, fmt.Errorf("%w: target value must be positive", ErrValidation)
	}
	if input.RewardAmount < 0 {
		return QuestTemplate{}, fmt.Errorf("%w: reward amount must not be negative", ErrValidation)
	}
	kind, err := ParseTemplateKind(input.Kind)
	if err != nil {
		return QuestTemplate{}, err
	}
	period, err := ParseResetPeriod(input.ResetPeriod)
	if err != nil {
		return QuestTemplate{}, err
	}
	if err := input.UIMetadata.Validate(); err != nil {
		return QuestTemplate{}, err
	}

	var code *string
	if trimmed := strings.TrimSpace(input.Code); trimmed != "" {
		if len(trimmed) > maxCodeLength {
			return QuestTemplate{}, fmt.Errorf("%w: code exceeds %d characters", ErrValidation, maxCodeLength)
		}
		code = &trimmed
	}

	return QuestTemplate{
		Code:          code,
		Name:          name,
		Description:   strings.TrimSpace(input.Description),
		ConditionType: condition,
		Category:      category,
		TargetValue:   input.TargetValue,
		RewardAmount:  input.RewardAmount,
		Active:        input.Active,
		Kind:          kind,
		ResetPeriod:   period,
		UIMetadata:    datatypes.NewJSONType(input.UIMetadata),
	}, nil
}

// CreateTemplate stores a new template. Achievements are linked into the
// achievements campaign in the same transaction.
func (s *Service) CreateTemplate(ctx context.Context, input TemplateInput) (QuestTemplate, error) {
	if s.db == nil {
		s.logError(opCreateTemplate, reasonMissingDatabase, errMissingDatabase)
		return QuestTemplate{}, newServiceError(opCreateTemplate, reasonMissingDatabase, errMissingDatabase)
	}
	template, err := input.toTemplate()
	if err != nil {
		return QuestTemplate{}, newServiceError(opCreateTemplate, reasonInvalidInput, err)
	}
	templateID, err := s.newID(opCreateTemplate)
	if err != nil {
		return QuestTemplate{}, err
	}
	now := s.now()
	template.ID = templateID
	template.CreatedAt = now
	template.UpdatedAt = now

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureCodeAvailable(tx, template.Code, ""); err != nil {
			return newServiceError(opCreateTemplate, reasonDuplicateCode, err)
		}
		if err := tx.Create(&template).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opCreateTemplate, reasonDuplicateCode, fmt.Errorf("%w: %v", ErrConflict, err))
			}
			return s.fail(opCreateTemplate, reasonWriteFailed, err)
		}
		if template.Kind == TemplateKindAchievement {
			if _, err := s.linkAchievement(tx, template.ID, now); err != nil {
				return s.fail(opCreateTemplate, reasonWriteFailed, err, zap.String(fieldTemplateID, template.ID))
			}
		}
		return nil
	})
	if txErr != nil {
		return QuestTemplate{}, txErr
	}
	return template, nil
}

// UpdateTemplate replaces a template definition. Promotion to achievement
// links the template into the achievements campaign if it is not linked yet;
// demotion removes exactly that link.
func (s *Service) UpdateTemplate(ctx context.Context, templateID string, input TemplateInput) (QuestTemplate, error) {
	if s.db == nil {
		s.logError(opUpdateTemplate, reasonMissingDatabase, errMissingDatabase)
		return QuestTemplate{}, newServiceError(opUpdateTemplate, reasonMissingDatabase, errMissingDatabase)
	}
	replacement, err := input.toTemplate()
	if err != nil {
		return QuestTemplate{}, newServiceError(opUpdateTemplate, reasonInvalidInput, err)
	}
	now := s.now()

	var updated QuestTemplate
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing QuestTemplate
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", templateID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateTemplate, reasonNotFound, fmt.Errorf("%w: template %s", ErrNotFound, templateID))
		}
		if err != nil {
			return s.fail(opUpdateTemplate, reasonQueryFailed, err, zap.String(fieldTemplateID, templateID))
		}
		// An omitted code keeps the stored one; imported codes never change.
		if replacement.Code == nil {
			replacement.Code = existing.Code
		}
		if existingCode := existing.CodeValue(); strings.HasPrefix(existingCode, LegacyCodePrefix) && replacement.CodeValue() != existingCode {
			return newServiceError(opUpdateTemplate, reasonProtectedCode,
				fmt.Errorf("%w: imported template code %q cannot change", ErrValidation, existingCode))
		}
		if err := ensureCodeAvailable(tx, replacement.Code, templateID); err != nil {
			return newServiceError(opUpdateTemplate, reasonDuplicateCode, err)
		}

		updated = replacement
		updated.ID = existing.ID
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = now
		if err := tx.Save(&updated).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opUpdateTemplate, reasonDuplicateCode, fmt.Errorf("%w: %v", ErrConflict, err))
			}
			return s.fail(opUpdateTemplate, reasonWriteFailed, err, zap.String(fieldTemplateID, templateID))
		}

		switch {
		case updated.Kind == TemplateKindAchievement:
			if _, err := s.linkAchievement(tx, updated.ID, now); err != nil {
				return s.fail(opUpdateTemplate, reasonWriteFailed, err, zap.String(fieldTemplateID, templateID))
			}
		case existing.Kind == TemplateKindAchievement:
			if err := unlinkAchievement(tx, updated.ID); err != nil {
				return s.fail(opUpdateTemplate, reasonWriteFailed, err, zap.String(fieldTemplateID, templateID))
			}
		}
		return nil
	})
	if txErr != nil {
		return QuestTemplate{}, txErr
	}
	return updated, nil
}

// DeleteTemplate removes a template and every campaign link to it. User
// state rows stay as history.
func (s *Service) DeleteTemplate(ctx context.Context, templateID string) error {
	if s.db == nil {
		s.logError(opDeleteTemplate, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opDeleteTemplate, reasonMissingDatabase, errMissingDatabase)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing QuestTemplate
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", templateID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteTemplate, reasonNotFound, fmt.Errorf("%w: template %s", ErrNotFound, templateID))
		}
		if err != nil {
			return s.fail(opDeleteTemplate, reasonQueryFailed, err, zap.String(fieldTemplateID, templateID))
		}
		if err := tx.Where("template_id = ?", templateID).Delete(&CampaignItem{}).Error; err != nil {
			return s.fail(opDeleteTemplate, reasonWriteFailed, err, zap.String(fieldTemplateID, templateID))
		}
		if err := tx.Where("id = ?", templateID).Delete(&QuestTemplate{}).Error; err != nil {
			return s.fail(opDeleteTemplate, reasonWriteFailed, err, zap.String(fieldTemplateID, templateID))
		}
		return nil
	})
}

// GetTemplate loads a template by id.
func (s *Service) GetTemplate(ctx context.Context, templateID string) (QuestTemplate, error) {
	if s.db == nil {
		s.logError(opGetTemplate, reasonMissingDatabase, errMissingDatabase)
		return QuestTemplate{}, newServiceError(opGetTemplate, reasonMissingDatabase, errMissingDatabase)
	}
	var template QuestTemplate
	err := s.db.WithContext(ctx).Where("id = ?", templateID).Take(&template).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QuestTemplate{}, newServiceError(opGetTemplate, reasonNotFound, fmt.Errorf("%w: template %s", ErrNotFound, templateID))
	}
	if err != nil {
		return QuestTemplate{}, s.fail(opGetTemplate, reasonQueryFailed, err, zap.String(fieldTemplateID, templateID))
	}
	return template, nil
}

// ListActiveTemplates returns every active template ordered by name.
func (s *Service) ListActiveTemplates(ctx context.Context) ([]QuestTemplate, error) {
	if s.db == nil {
		s.logError(opListTemplates, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListTemplates, reasonMissingDatabase, errMissingDatabase)
	}
	var templates []QuestTemplate
	if err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("name ASC").
		Order("id ASC").
		Find(&templates).Error; err != nil {
		return nil, s.fail(opListTemplates, reasonQueryFailed, err)
	}
	return templates, nil
}

func ensureCodeAvailable(tx *gorm.DB, code *string, ownerID string) error {
	if code == nil {
		return nil
	}
	query := tx.Model(&QuestTemplate{}).Where("code = ?", *code)
	if ownerID != "" {
		query = query.Where("id <> ?", ownerID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: template code %q already exists", ErrConflict, *code)
	}
	return nil
}

// linkAchievement gets or creates the achievements campaign and links the
// template at the end of its sort order. It reports whether a link was created.
func (s *Service) linkAchievement(tx *gorm.DB, templateID string, now time.Time) (bool, error) {
	campaign, err := s.ensureAchievementsCampaign(tx, now)
	if err != nil {
		return false, err
	}
	return ensureLink(tx, campaign.ID, templateID, now)
}

func unlinkAchievement(tx *gorm.DB, templateID string) error {
	var campaign QuestCampaign
	err := tx.Where("name = ?", AchievementsCampaignName).Take(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return tx.Where("campaign_id = ? AND template_id = ?", campaign.ID, templateID).Delete(&CampaignItem{}).Error
}

func ensureLink(tx *gorm.DB, campaignID, templateID string, now time.Time) (bool, error) {
	var count int64
	if err := tx.Model(&CampaignItem{}).
		Where("campaign_id = ? AND template_id = ?", campaignID, templateID).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	var lastOrder int
	if err := tx.Model(&CampaignItem{}).
		Where("campaign_id = ?", campaignID).
		Select("COALESCE(MAX(sort_order), -1)").
		Row().Scan(&lastOrder); err != nil {
		return false, err
	}
	item := CampaignItem{
		CampaignID: campaignID,
		TemplateID: templateID,
		SortOrder:  lastOrder + 1,
		CreatedAt:  now,
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&item)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
