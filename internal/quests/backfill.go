package quests

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/inkwell/internal/activity"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const defaultBackfillWorkers = 4

// BackfillOptions tunes a backfill run.
type BackfillOptions struct {
	DryRun      bool
	LimitUserID string
	Workers     int
}

// BackfillFailure records one user whose batch was rolled back.
type BackfillFailure struct {
	UserID string
	Err    error
}

// BackfillReport summarizes a backfill run. In dry-run mode the counts are
// the intended changes.
type BackfillReport struct {
	DryRun   bool
	Users    int
	Created  int
	Updated  int
	Skipped  int
	Failed   int
	Failures []BackfillFailure
}

type backfillPair struct {
	campaignID string
	template   QuestTemplate
}

type backfillCounts struct {
	created int
	updated int
	skipped int
}

// RunBackfill persists permanent-campaign progress for every known user, or
// only opts.LimitUserID. Each user's writes commit in one transaction and a
// failing user does not stop the run.
func (s *Service) RunBackfill(ctx context.Context, opts BackfillOptions) (BackfillReport, error) {
	report := BackfillReport{DryRun: opts.DryRun}
	if s.db == nil {
		s.logError(opRunBackfill, reasonMissingDatabase, errMissingDatabase)
		return report, newServiceError(opRunBackfill, reasonMissingDatabase, errMissingDatabase)
	}
	if s.metrics == nil {
		s.logError(opRunBackfill, reasonMissingMetrics, errMissingMetrics)
		return report, newServiceError(opRunBackfill, reasonMissingMetrics, errMissingMetrics)
	}

	userIDs, err := s.backfillUsers(ctx, strings.TrimSpace(opts.LimitUserID))
	if err != nil {
		return report, err
	}
	report.Users = len(userIDs)

	now := s.now()
	pairs, err := s.permanentPairs(s.db.WithContext(ctx))
	if err != nil {
		return report, s.fail(opRunBackfill, reasonQueryFailed, err)
	}
	if len(pairs) == 0 || len(userIDs) == 0 {
		return report, nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultBackfillWorkers
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for _, userID := range userIDs {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			counts, userErr := s.backfillUser(groupCtx, userID, pairs, opts.DryRun)
			mu.Lock()
			defer mu.Unlock()
			if userErr != nil {
				s.logError(opRunBackfill, reasonWriteFailed, userErr, zap.String(fieldUserID, userID))
				report.Failed++
				report.Failures = append(report.Failures, BackfillFailure{UserID: userID, Err: userErr})
				return nil
			}
			report.Created += counts.created
			report.Updated += counts.updated
			report.Skipped += counts.skipped
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return report, newServiceError(opRunBackfill, reasonQueryFailed, err)
	}

	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].UserID < report.Failures[j].UserID
	})
	s.loggerOrDefault().Info("quest backfill finished",
		zap.Bool("dry_run", report.DryRun),
		zap.Int("users", report.Users),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Time("started_at", now))
	return report, nil
}

func (s *Service) backfillUsers(ctx context.Context, limitUserID string) ([]string, error) {
	if limitUserID != "" {
		return []string{limitUserID}, nil
	}
	if s.users == nil {
		s.logError(opRunBackfill, reasonMissingDirectory, errMissingDirectory)
		return nil, newServiceError(opRunBackfill, reasonMissingDirectory, errMissingDirectory)
	}
	userIDs, err := s.users.ListUserIDs(ctx)
	if err != nil {
		return nil, s.fail(opRunBackfill, reasonQueryFailed, err)
	}
	return userIDs, nil
}

// permanentPairs lists active non-recurring templates linked into active
// permanent campaigns.
func (s *Service) permanentPairs(db *gorm.DB) ([]backfillPair, error) {
	var campaigns []QuestCampaign
	if err := db.Where("campaign_type = ? AND active = ?", CampaignTypePermanent, true).
		Order("id ASC").
		Find(&campaigns).Error; err != nil {
		return nil, err
	}
	campaignIDs := make([]string, 0, len(campaigns))
	for _, campaign := range campaigns {
		campaignIDs = append(campaignIDs, campaign.ID)
	}
	members, err := loadMembers(db, campaignIDs, true)
	if err != nil {
		return nil, err
	}
	var pairs []backfillPair
	for _, campaignID := range campaignIDs {
		for _, member := range members[campaignID] {
			if member.Template.ResetPeriod != ResetPeriodNone {
				continue
			}
			pairs = append(pairs, backfillPair{campaignID: campaignID, template: member.Template})
		}
	}
	return pairs, nil
}

func (s *Service) backfillUser(ctx context.Context, userID string, pairs []backfillPair, dryRun bool) (backfillCounts, error) {
	snapshot, err := s.metrics.Snapshot(ctx, userID, activity.Lifetime)
	if err != nil {
		return backfillCounts{}, err
	}
	now := s.now()

	var counts backfillCounts
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counts = backfillCounts{}
		for _, pair := range pairs {
			raw, evalErr := pair.template.ConditionType.Evaluate(snapshot, pair.template.Category)
			if evalErr != nil {
				counts.skipped++
				continue
			}
			key := stateKey{
				userID:     userID,
				campaignID: pair.campaignID,
				templateID: pair.template.ID,
				resetKey:   PermanentResetKey,
			}
			outcome, applyErr := s.applyProgress(tx, key, raw, pair.template.TargetValue, now, dryRun)
			if applyErr != nil {
				return applyErr
			}
			switch outcome.action {
			case reconcileCreate:
				counts.created++
			case reconcileUpdate:
				counts.updated++
			default:
				counts.skipped++
			}
		}
		return nil
	})
	if err != nil {
		return backfillCounts{}, err
	}
	return counts, nil
}
