package quests

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CampaignInput describes an admin-supplied campaign definition.
type CampaignInput struct {
	Name        string
	Description string
	Type        string
	StartsAt    *time.Time
	EndsAt      *time.Time
	Active      bool
	Priority    int
}

func (input CampaignInput) toCampaign() (QuestCampaign, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return QuestCampaign{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(name) > maxNameLength {
		return QuestCampaign{}, fmt.Errorf("%w: name exceeds %d characters", ErrValidation, maxNameLength)
	}
	campaignType, err := ParseCampaignType(input.Type)
	if err != nil {
		return QuestCampaign{}, err
	}
	campaign := QuestCampaign{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Type:        campaignType,
		Active:      input.Active,
		Priority:    input.Priority,
	}
	if campaignType == CampaignTypeEvent {
		if input.StartsAt == nil || input.EndsAt == nil {
			return QuestCampaign{}, fmt.Errorf("%w: event campaigns require starts_at and ends_at", ErrValidation)
		}
		startsAt := input.StartsAt.UTC()
		endsAt := input.EndsAt.UTC()
		if !endsAt.After(startsAt) {
			return QuestCampaign{}, fmt.Errorf("%w: ends_at must be after starts_at", ErrValidation)
		}
		campaign.StartsAt = &startsAt
		campaign.EndsAt = &endsAt
	}
	return campaign, nil
}

// CampaignMember is a template linked into a campaign.
type CampaignMember struct {
	Template  QuestTemplate
	SortOrder int
}

// EnsureAchievementsCampaign returns the permanent achievements campaign,
// creating it on first use.
func (s *Service) EnsureAchievementsCampaign(ctx context.Context) (QuestCampaign, error) {
	if s.db == nil {
		s.logError(opEnsureAchievements, reasonMissingDatabase, errMissingDatabase)
		return QuestCampaign{}, newServiceError(opEnsureAchievements, reasonMissingDatabase, errMissingDatabase)
	}
	var campaign QuestCampaign
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ensureErr error
		campaign, ensureErr = s.ensureAchievementsCampaign(tx, s.now())
		return ensureErr
	})
	if err != nil {
		return QuestCampaign{}, s.fail(opEnsureAchievements, reasonWriteFailed, err)
	}
	return campaign, nil
}

func (s *Service) ensureAchievementsCampaign(tx *gorm.DB, now time.Time) (QuestCampaign, error) {
	var campaign QuestCampaign
	err := tx.Where("name = ?", AchievementsCampaignName).Take(&campaign).Error
	if err == nil {
		return campaign, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return QuestCampaign{}, err
	}
	campaignID, err := s.idProvider.NewID()
	if err != nil {
		return QuestCampaign{}, err
	}
	campaign = QuestCampaign{
		ID:          campaignID,
		Name:        AchievementsCampaignName,
		Description: "Permanent achievements",
		Type:        CampaignTypePermanent,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&campaign).Error; err != nil {
		return QuestCampaign{}, err
	}
	// Another writer may have created it between the read and the insert.
	var stored QuestCampaign
	if err := tx.Where("name = ?", AchievementsCampaignName).Take(&stored).Error; err != nil {
		return QuestCampaign{}, err
	}
	return stored, nil
}

// CreateCampaign stores a new campaign. The achievements name is reserved.
func (s *Service) CreateCampaign(ctx context.Context, input CampaignInput) (QuestCampaign, error) {
	if s.db == nil {
		s.logError(opCreateCampaign, reasonMissingDatabase, errMissingDatabase)
		return QuestCampaign{}, newServiceError(opCreateCampaign, reasonMissingDatabase, errMissingDatabase)
	}
	campaign, err := input.toCampaign()
	if err != nil {
		return QuestCampaign{}, newServiceError(opCreateCampaign, reasonInvalidInput, err)
	}
	if strings.EqualFold(campaign.Name, AchievementsCampaignName) {
		return QuestCampaign{}, newServiceError(opCreateCampaign, reasonDuplicateName,
			fmt.Errorf("%w: campaign name %q is reserved", ErrConflict, campaign.Name))
	}
	campaignID, err := s.newID(opCreateCampaign)
	if err != nil {
		return QuestCampaign{}, err
	}
	now := s.now()
	campaign.ID = campaignID
	campaign.CreatedAt = now
	campaign.UpdatedAt = now

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureCampaignNameAvailable(tx, campaign.Name, ""); err != nil {
			return newServiceError(opCreateCampaign, reasonDuplicateName, err)
		}
		if err := tx.Create(&campaign).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opCreateCampaign, reasonDuplicateName, fmt.Errorf("%w: %v", ErrConflict, err))
			}
			return s.fail(opCreateCampaign, reasonWriteFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return QuestCampaign{}, txErr
	}
	return campaign, nil
}

// UpdateCampaign replaces a campaign definition. The achievements campaign
// keeps its name and permanent type.
func (s *Service) UpdateCampaign(ctx context.Context, campaignID string, input CampaignInput) (QuestCampaign, error) {
	if s.db == nil {
		s.logError(opUpdateCampaign, reasonMissingDatabase, errMissingDatabase)
		return QuestCampaign{}, newServiceError(opUpdateCampaign, reasonMissingDatabase, errMissingDatabase)
	}
	replacement, err := input.toCampaign()
	if err != nil {
		return QuestCampaign{}, newServiceError(opUpdateCampaign, reasonInvalidInput, err)
	}
	now := s.now()

	var updated QuestCampaign
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing QuestCampaign
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", campaignID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateCampaign, reasonNotFound, fmt.Errorf("%w: campaign %s", ErrNotFound, campaignID))
		}
		if err != nil {
			return s.fail(opUpdateCampaign, reasonQueryFailed, err, zap.String(fieldCampaignID, campaignID))
		}

		if existing.Name == AchievementsCampaignName {
			if replacement.Name != AchievementsCampaignName || replacement.Type != CampaignTypePermanent {
				return newServiceError(opUpdateCampaign, reasonProtected,
					fmt.Errorf("%w: the %s campaign must stay permanent", ErrValidation, AchievementsCampaignName))
			}
		} else if strings.EqualFold(replacement.Name, AchievementsCampaignName) {
			return newServiceError(opUpdateCampaign, reasonDuplicateName,
				fmt.Errorf("%w: campaign name %q is reserved", ErrConflict, replacement.Name))
		}
		if err := ensureCampaignNameAvailable(tx, replacement.Name, campaignID); err != nil {
			return newServiceError(opUpdateCampaign, reasonDuplicateName, err)
		}

		updated = replacement
		updated.ID = existing.ID
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = now
		if err := tx.Save(&updated).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opUpdateCampaign, reasonDuplicateName, fmt.Errorf("%w: %v", ErrConflict, err))
			}
			return s.fail(opUpdateCampaign, reasonWriteFailed, err, zap.String(fieldCampaignID, campaignID))
		}
		return nil
	})
	if txErr != nil {
		return QuestCampaign{}, txErr
	}
	return updated, nil
}

// DeleteCampaign removes a campaign and its links. User state rows stay as
// history. The achievements campaign cannot be deleted.
func (s *Service) DeleteCampaign(ctx context.Context, campaignID string) error {
	if s.db == nil {
		s.logError(opDeleteCampaign, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opDeleteCampaign, reasonMissingDatabase, errMissingDatabase)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing QuestCampaign
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", campaignID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteCampaign, reasonNotFound, fmt.Errorf("%w: campaign %s", ErrNotFound, campaignID))
		}
		if err != nil {
			return s.fail(opDeleteCampaign, reasonQueryFailed, err, zap.String(fieldCampaignID, campaignID))
		}
		if existing.Name == AchievementsCampaignName {
			return newServiceError(opDeleteCampaign, reasonProtected,
				fmt.Errorf("%w: the %s campaign cannot be deleted", ErrValidation, AchievementsCampaignName))
		}
		if err := tx.Where("campaign_id = ?", campaignID).Delete(&CampaignItem{}).Error; err != nil {
			return s.fail(opDeleteCampaign, reasonWriteFailed, err, zap.String(fieldCampaignID, campaignID))
		}
		if err := tx.Where("id = ?", campaignID).Delete(&QuestCampaign{}).Error; err != nil {
			return s.fail(opDeleteCampaign, reasonWriteFailed, err, zap.String(fieldCampaignID, campaignID))
		}
		return nil
	})
}

// GetCampaign loads a campaign by id.
func (s *Service) GetCampaign(ctx context.Context, campaignID string) (QuestCampaign, error) {
	if s.db == nil {
		s.logError(opGetCampaign, reasonMissingDatabase, errMissingDatabase)
		return QuestCampaign{}, newServiceError(opGetCampaign, reasonMissingDatabase, errMissingDatabase)
	}
	var campaign QuestCampaign
	err := s.db.WithContext(ctx).Where("id = ?", campaignID).Take(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QuestCampaign{}, newServiceError(opGetCampaign, reasonNotFound, fmt.Errorf("%w: campaign %s", ErrNotFound, campaignID))
	}
	if err != nil {
		return QuestCampaign{}, s.fail(opGetCampaign, reasonQueryFailed, err, zap.String(fieldCampaignID, campaignID))
	}
	return campaign, nil
}

// ListActiveCampaigns returns the campaigns offered at the instant, ordered
// by priority descending and id ascending.
func (s *Service) ListActiveCampaigns(ctx context.Context, now time.Time) ([]QuestCampaign, error) {
	if s.db == nil {
		s.logError(opListCampaigns, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListCampaigns, reasonMissingDatabase, errMissingDatabase)
	}
	campaigns, err := activeCampaigns(s.db.WithContext(ctx), now)
	if err != nil {
		return nil, s.fail(opListCampaigns, reasonQueryFailed, err)
	}
	return campaigns, nil
}

func activeCampaigns(tx *gorm.DB, now time.Time) ([]QuestCampaign, error) {
	var candidates []QuestCampaign
	if err := tx.Where("active = ?", true).Find(&candidates).Error; err != nil {
		return nil, err
	}
	campaigns := make([]QuestCampaign, 0, len(candidates))
	for _, campaign := range candidates {
		if campaign.IsActiveAt(now) {
			campaigns = append(campaigns, campaign)
		}
	}
	sort.SliceStable(campaigns, func(i, j int) bool {
		if campaigns[i].Priority != campaigns[j].Priority {
			return campaigns[i].Priority > campaigns[j].Priority
		}
		return campaigns[i].ID < campaigns[j].ID
	})
	return campaigns, nil
}

// AttachTemplate links a template into a campaign at the given sort order.
func (s *Service) AttachTemplate(ctx context.Context, campaignID, templateID string, sortOrder int) (CampaignItem, error) {
	if s.db == nil {
		s.logError(opAttachTemplate, reasonMissingDatabase, errMissingDatabase)
		return CampaignItem{}, newServiceError(opAttachTemplate, reasonMissingDatabase, errMissingDatabase)
	}
	item := CampaignItem{
		CampaignID: campaignID,
		TemplateID: templateID,
		SortOrder:  sortOrder,
		CreatedAt:  s.now(),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireRow(tx, &QuestCampaign{}, campaignID, "campaign"); err != nil {
			return s.fail(opAttachTemplate, lookupReason(err), err, zap.String(fieldCampaignID, campaignID))
		}
		if err := requireRow(tx, &QuestTemplate{}, templateID, "template"); err != nil {
			return s.fail(opAttachTemplate, lookupReason(err), err, zap.String(fieldTemplateID, templateID))
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&item)
		if result.Error != nil {
			return s.fail(opAttachTemplate, reasonWriteFailed, result.Error,
				zap.String(fieldCampaignID, campaignID), zap.String(fieldTemplateID, templateID))
		}
		if result.RowsAffected == 0 {
			return newServiceError(opAttachTemplate, reasonDuplicateLink,
				fmt.Errorf("%w: template %s is already linked to campaign %s", ErrConflict, templateID, campaignID))
		}
		return nil
	})
	if txErr != nil {
		return CampaignItem{}, txErr
	}
	return item, nil
}

// DetachTemplate removes one campaign link.
func (s *Service) DetachTemplate(ctx context.Context, campaignID, templateID string) error {
	if s.db == nil {
		s.logError(opDetachTemplate, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opDetachTemplate, reasonMissingDatabase, errMissingDatabase)
	}
	result := s.db.WithContext(ctx).
		Where("campaign_id = ? AND template_id = ?", campaignID, templateID).
		Delete(&CampaignItem{})
	if result.Error != nil {
		return s.fail(opDetachTemplate, reasonWriteFailed, result.Error,
			zap.String(fieldCampaignID, campaignID), zap.String(fieldTemplateID, templateID))
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDetachTemplate, reasonNotFound,
			fmt.Errorf("%w: template %s is not linked to campaign %s", ErrNotFound, templateID, campaignID))
	}
	return nil
}

// CampaignTemplates lists every template linked into the campaign ordered by
// sort order, then template id.
func (s *Service) CampaignTemplates(ctx context.Context, campaignID string) ([]CampaignMember, error) {
	if s.db == nil {
		s.logError(opCampaignTemplates, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opCampaignTemplates, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	if err := requireRow(db, &QuestCampaign{}, campaignID, "campaign"); err != nil {
		return nil, s.fail(opCampaignTemplates, lookupReason(err), err, zap.String(fieldCampaignID, campaignID))
	}
	members, err := loadMembers(db, []string{campaignID}, false)
	if err != nil {
		return nil, s.fail(opCampaignTemplates, reasonQueryFailed, err, zap.String(fieldCampaignID, campaignID))
	}
	return members[campaignID], nil
}

// loadMembers returns linked templates per campaign, ordered by sort order
// then template id.
func loadMembers(tx *gorm.DB, campaignIDs []string, activeOnly bool) (map[string][]CampaignMember, error) {
	members := make(map[string][]CampaignMember, len(campaignIDs))
	if len(campaignIDs) == 0 {
		return members, nil
	}
	var items []CampaignItem
	if err := tx.Where("campaign_id IN ?", campaignIDs).
		Order("sort_order ASC").
		Order("template_id ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return members, nil
	}

	templateIDs := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item.TemplateID]; ok {
			continue
		}
		seen[item.TemplateID] = struct{}{}
		templateIDs = append(templateIDs, item.TemplateID)
	}
	query := tx.Where("id IN ?", templateIDs)
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var templates []QuestTemplate
	if err := query.Find(&templates).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]QuestTemplate, len(templates))
	for _, template := range templates {
		byID[template.ID] = template
	}

	for _, item := range items {
		template, ok := byID[item.TemplateID]
		if !ok {
			continue
		}
		members[item.CampaignID] = append(members[item.CampaignID], CampaignMember{Template: template, SortOrder: item.SortOrder})
	}
	return members, nil
}

func ensureCampaignNameAvailable(tx *gorm.DB, name, ownerID string) error {
	query := tx.Model(&QuestCampaign{}).Where("name = ?", name)
	if ownerID != "" {
		query = query.Where("id <> ?", ownerID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: campaign name %q already exists", ErrConflict, name)
	}
	return nil
}

func requireRow(tx *gorm.DB, model any, id, label string) error {
	var count int64
	if err := tx.Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, label, id)
	}
	return nil
}

func lookupReason(err error) string {
	if errors.Is(err, ErrNotFound) {
		return reasonNotFound
	}
	return reasonQueryFailed
}
