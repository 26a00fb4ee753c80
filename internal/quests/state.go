package quests

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const queryStateKey = "user_id = ? AND campaign_id = ? AND template_id = ? AND reset_key = ?"

type stateKey struct {
	userID     string
	campaignID string
	templateID string
	resetKey   string
}

type progressOutcome struct {
	state          *UserQuestState
	action         reconcileAction
	newlyCompleted bool
}

func loadState(tx *gorm.DB, key stateKey) (*UserQuestState, error) {
	var state UserQuestState
	err := tx.Where(queryStateKey, key.userID, key.campaignID, key.templateID, key.resetKey).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// applyProgress runs the create-or-update rule for one state key. With
// dryRun it only reports the decision.
func (s *Service) applyProgress(tx *gorm.DB, key stateKey, raw, target int64, now time.Time, dryRun bool) (progressOutcome, error) {
	existing, err := loadState(tx, key)
	if err != nil {
		return progressOutcome{}, err
	}
	decision := reconcile(existing, raw, target, now)
	if dryRun || decision.action == reconcileNone {
		return progressOutcome{state: existing, action: decision.action, newlyCompleted: decision.newlyCompleted && !dryRun}, nil
	}

	if decision.action == reconcileCreate {
		stateID, err := s.idProvider.NewID()
		if err != nil {
			return progressOutcome{}, err
		}
		state := &UserQuestState{
			ID:          stateID,
			UserID:      key.userID,
			CampaignID:  key.campaignID,
			TemplateID:  key.templateID,
			ResetKey:    key.resetKey,
			Progress:    decision.progress,
			CompletedAt: decision.completedAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(state)
		if result.Error != nil {
			return progressOutcome{}, result.Error
		}
		if result.RowsAffected == 1 {
			return progressOutcome{state: state, action: reconcileCreate, newlyCompleted: decision.newlyCompleted}, nil
		}

		// A concurrent synchronization inserted the row first; merge into it.
		existing, err = loadState(tx, key)
		if err != nil {
			return progressOutcome{}, err
		}
		if existing == nil {
			return progressOutcome{}, fmt.Errorf("state %s/%s/%s/%s vanished after conflicting insert",
				key.userID, key.campaignID, key.templateID, key.resetKey)
		}
		decision = reconcile(existing, raw, target, now)
		if decision.action == reconcileNone {
			return progressOutcome{state: existing, action: reconcileNone}, nil
		}
	}

	return updateState(tx, existing, decision, now)
}

// updateState applies a decision with SQL guards so concurrent writers can
// neither lower progress nor overwrite an earlier completion time.
func updateState(tx *gorm.DB, existing *UserQuestState, decision reconcileDecision, now time.Time) (progressOutcome, error) {
	changed := false
	if decision.progress > existing.Progress {
		result := tx.Model(&UserQuestState{}).
			Where("id = ? AND progress < ?", existing.ID, decision.progress).
			Updates(map[string]any{"progress": decision.progress, "updated_at": now})
		if result.Error != nil {
			return progressOutcome{}, result.Error
		}
		changed = changed || result.RowsAffected > 0
	}

	newlyCompleted := false
	if decision.newlyCompleted && decision.completedAt != nil {
		result := tx.Model(&UserQuestState{}).
			Where("id = ? AND completed_at IS NULL", existing.ID).
			Updates(map[string]any{"completed_at": *decision.completedAt, "updated_at": now})
		if result.Error != nil {
			return progressOutcome{}, result.Error
		}
		newlyCompleted = result.RowsAffected > 0
		changed = changed || newlyCompleted
	}

	if !changed {
		return progressOutcome{state: existing, action: reconcileNone}, nil
	}

	var reloaded UserQuestState
	if err := tx.Where("id = ?", existing.ID).Take(&reloaded).Error; err != nil {
		return progressOutcome{}, err
	}
	return progressOutcome{state: &reloaded, action: reconcileUpdate, newlyCompleted: newlyCompleted}, nil
}
