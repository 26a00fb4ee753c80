package quests

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/activity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// QuestView joins a template with the user's persisted state, if any.
type QuestView struct {
	Template        QuestTemplate
	StateID         string
	ResetKey        string
	Progress        int64
	Target          int64
	CompletedAt     *time.Time
	RewardClaimedAt *time.Time
	UIMetadata      UIMetadata
	SortOrder       int
}

// HasState reports whether a state row backs the view.
func (v QuestView) HasState() bool {
	return v.StateID != ""
}

// CampaignQuests is one active campaign with its synchronized quests.
type CampaignQuests struct {
	Campaign QuestCampaign
	Quests   []QuestView
}

// ListActiveQuests synchronizes the user's progress for every active
// campaign and returns the merged view. Writes happen only for rows whose
// progress or completion changed, inside one transaction.
func (s *Service) ListActiveQuests(ctx context.Context, userID string) ([]CampaignQuests, error) {
	if s.db == nil {
		s.logError(opListActiveQuests, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListActiveQuests, reasonMissingDatabase, errMissingDatabase)
	}
	if s.metrics == nil {
		s.logError(opListActiveQuests, reasonMissingMetrics, errMissingMetrics)
		return nil, newServiceError(opListActiveQuests, reasonMissingMetrics, errMissingMetrics)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newServiceError(opListActiveQuests, reasonMissingUserID, errMissingUserID)
	}

	now := s.now()
	db := s.db.WithContext(ctx)
	campaigns, err := activeCampaigns(db, now)
	if err != nil {
		return nil, s.fail(opListActiveQuests, reasonQueryFailed, err, zap.String(fieldUserID, userID))
	}
	campaignIDs := make([]string, 0, len(campaigns))
	for _, campaign := range campaigns {
		campaignIDs = append(campaignIDs, campaign.ID)
	}
	members, err := loadMembers(db, campaignIDs, true)
	if err != nil {
		return nil, s.fail(opListActiveQuests, reasonQueryFailed, err, zap.String(fieldUserID, userID))
	}

	// Snapshots are read before the write transaction opens.
	snapshots := make(map[string]activity.Snapshot)
	for _, campaign := range campaigns {
		for _, member := range members[campaign.ID] {
			window := member.Template.ResetPeriod.Window(now)
			if _, ok := snapshots[window.Key()]; ok {
				continue
			}
			snapshot, snapshotErr := s.metrics.Snapshot(ctx, userID, window)
			if snapshotErr != nil {
				return nil, s.fail(opListActiveQuests, reasonMetricsFailed, snapshotErr, zap.String(fieldUserID, userID))
			}
			snapshots[window.Key()] = snapshot
		}
	}

	result := make([]CampaignQuests, 0, len(campaigns))
	var events []Event
	txErr := db.Transaction(func(tx *gorm.DB) error {
		result = result[:0]
		events = events[:0]
		for _, campaign := range campaigns {
			entry := CampaignQuests{Campaign: campaign, Quests: make([]QuestView, 0, len(members[campaign.ID]))}
			for _, member := range members[campaign.ID] {
				template := member.Template
				snapshot := snapshots[template.ResetPeriod.Window(now).Key()]
				raw, evalErr := template.ConditionType.Evaluate(snapshot, template.Category)
				if evalErr != nil {
					s.loggerOrDefault().Warn("skipping template with unknown condition",
						zap.String("operation", opListActiveQuests),
						zap.String(fieldTemplateID, template.ID),
						zap.Error(evalErr))
					continue
				}
				key := stateKey{
					userID:     userID,
					campaignID: campaign.ID,
					templateID: template.ID,
					resetKey:   template.ResetPeriod.ResetKey(now),
				}
				outcome, applyErr := s.applyProgress(tx, key, raw, template.TargetValue, now, false)
				if applyErr != nil {
					return s.fail(opListActiveQuests, reasonWriteFailed, applyErr,
						zap.String(fieldUserID, userID),
						zap.String(fieldCampaignID, campaign.ID),
						zap.String(fieldTemplateID, template.ID))
				}
				if outcome.newlyCompleted && outcome.state != nil {
					events = append(events, Event{
						Type:         EventQuestCompleted,
						UserID:       userID,
						StateID:      outcome.state.ID,
						TemplateID:   template.ID,
						CampaignID:   campaign.ID,
						RewardAmount: template.RewardAmount,
						OccurredAt:   now,
					})
				}
				entry.Quests = append(entry.Quests, newQuestView(member, key.resetKey, outcome.state))
			}
			result = append(result, entry)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.publish(events)
	return result, nil
}

func newQuestView(member CampaignMember, resetKey string, state *UserQuestState) QuestView {
	view := QuestView{
		Template:   member.Template,
		ResetKey:   resetKey,
		Target:     member.Template.TargetValue,
		UIMetadata: member.Template.UIMetadata.Data(),
		SortOrder:  member.SortOrder,
	}
	if state != nil {
		view.StateID = state.ID
		view.Progress = state.Progress
		view.CompletedAt = state.CompletedAt
		view.RewardClaimedAt = state.RewardClaimedAt
	}
	return view
}
