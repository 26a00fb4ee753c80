package quests

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClaimResult reports a granted reward.
type ClaimResult struct {
	StateID      string
	RewardAmount int64
	NewXPTotal   int64
	ClaimedAt    time.Time
}

// ClaimReward grants the reward of a completed state exactly once. The guard
// checks, the claim mark, the experience credit and the ledger entry commit
// or roll back together.
func (s *Service) ClaimReward(ctx context.Context, userID, stateID string) (ClaimResult, error) {
	if s.db == nil {
		s.logError(opClaimReward, reasonMissingDatabase, errMissingDatabase)
		return ClaimResult{}, newServiceError(opClaimReward, reasonMissingDatabase, errMissingDatabase)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ClaimResult{}, newServiceError(opClaimReward, reasonMissingUserID, errMissingUserID)
	}
	stateID = strings.TrimSpace(stateID)
	if stateID == "" {
		return ClaimResult{}, newServiceError(opClaimReward, reasonNotFound, fmt.Errorf("%w: state identifier is required", ErrNotFound))
	}

	ledgerID, err := s.newID(opClaimReward)
	if err != nil {
		return ClaimResult{}, err
	}
	now := s.now()
	fields := []zap.Field{zap.String(fieldUserID, userID), zap.String(fieldStateID, stateID)}

	var result ClaimResult
	var claimed UserQuestState
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state UserQuestState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", stateID).Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opClaimReward, reasonNotFound, fmt.Errorf("%w: state %s", ErrNotFound, stateID))
		}
		if err != nil {
			return s.fail(opClaimReward, reasonQueryFailed, err, fields...)
		}
		if state.UserID != userID {
			return newServiceError(opClaimReward, reasonForbidden, fmt.Errorf("%w: state %s belongs to another user", ErrForbidden, stateID))
		}

		var template QuestTemplate
		err = tx.Where("id = ?", state.TemplateID).Take(&template).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opClaimReward, reasonTemplateMissing, fmt.Errorf("%w: template %s", ErrNotFound, state.TemplateID))
		}
		if err != nil {
			return s.fail(opClaimReward, reasonQueryFailed, err, fields...)
		}

		if state.RewardClaimedAt != nil {
			return newServiceError(opClaimReward, reasonAlreadyClaimed, fmt.Errorf("%w: reward for state %s already claimed", ErrConflict, stateID))
		}
		if state.CompletedAt == nil || state.Progress < template.TargetValue {
			return newServiceError(opClaimReward, reasonNotCompleted, fmt.Errorf("%w: state %s is not completed", ErrPreconditionFailed, stateID))
		}

		update := tx.Model(&UserQuestState{}).
			Where("id = ? AND user_id = ? AND reward_claimed_at IS NULL AND completed_at IS NOT NULL", stateID, userID).
			Updates(map[string]any{"reward_claimed_at": now, "updated_at": now})
		if update.Error != nil {
			return s.fail(opClaimReward, reasonWriteFailed, update.Error, fields...)
		}
		if update.RowsAffected == 0 {
			return newServiceError(opClaimReward, reasonAlreadyClaimed, fmt.Errorf("%w: reward for state %s already claimed", ErrConflict, stateID))
		}

		total, err := users.CreditExperience(tx, userID, template.RewardAmount, now)
		if err != nil {
			return s.fail(opClaimReward, reasonExperienceFailed, err, fields...)
		}

		entry := XpLedgerEntry{
			ID:           ledgerID,
			UserID:       userID,
			Delta:        template.RewardAmount,
			Reason:       LedgerReasonQuestReward,
			QuestStateID: &state.ID,
			Metadata: datatypes.NewJSONType(LedgerMetadata{
				QuestStateID: state.ID,
				TemplateID:   state.TemplateID,
				CampaignID:   state.CampaignID,
				ResetKey:     state.ResetKey,
			}),
			CreatedAt: now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opClaimReward, reasonAlreadyClaimed, fmt.Errorf("%w: ledger already holds a reward for state %s", ErrConflict, stateID))
			}
			return s.fail(opClaimReward, reasonLedgerFailed, err, fields...)
		}

		claimed = state
		result = ClaimResult{
			StateID:      state.ID,
			RewardAmount: template.RewardAmount,
			NewXPTotal:   total,
			ClaimedAt:    now,
		}
		return nil
	})
	if txErr != nil {
		return ClaimResult{}, txErr
	}

	s.publish([]Event{{
		Type:         EventRewardClaimed,
		UserID:       userID,
		StateID:      claimed.ID,
		TemplateID:   claimed.TemplateID,
		CampaignID:   claimed.CampaignID,
		RewardAmount: result.RewardAmount,
		OccurredAt:   now,
	}})
	return result, nil
}
