package quests

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/activity"
)

// ConditionType selects the activity metric a template tracks.
type ConditionType string

const (
	ConditionTotalPosts        ConditionType = "total_posts"
	ConditionCategoryPosts     ConditionType = "category_posts"
	ConditionLikesGiven        ConditionType = "likes_given"
	ConditionLikesReceived     ConditionType = "likes_received"
	ConditionBookmarksGiven    ConditionType = "bookmarks_given"
	ConditionBookmarksReceived ConditionType = "bookmarks_received"
	ConditionStreakDays        ConditionType = "streak_days"
)

type conditionEvaluator func(snapshot activity.Snapshot, category string) int64

var conditionEvaluators = map[ConditionType]conditionEvaluator{
	ConditionTotalPosts: func(snapshot activity.Snapshot, _ string) int64 {
		return snapshot.TotalPosts
	},
	ConditionCategoryPosts: func(snapshot activity.Snapshot, category string) int64 {
		return snapshot.PostsInCategory(category)
	},
	ConditionLikesGiven: func(snapshot activity.Snapshot, _ string) int64 {
		return snapshot.LikesGiven
	},
	ConditionLikesReceived: func(snapshot activity.Snapshot, _ string) int64 {
		return snapshot.LikesReceived
	},
	ConditionBookmarksGiven: func(snapshot activity.Snapshot, _ string) int64 {
		return snapshot.BookmarksGiven
	},
	ConditionBookmarksReceived: func(snapshot activity.Snapshot, _ string) int64 {
		return snapshot.BookmarksReceived
	},
	ConditionStreakDays: func(snapshot activity.Snapshot, _ string) int64 {
		return snapshot.StreakDays
	},
}

// ParseConditionType validates a raw condition type. Unknown values are a
// validation error rather than a silent zero.
func ParseConditionType(raw string) (ConditionType, error) {
	condition := ConditionType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := conditionEvaluators[condition]; !ok {
		return "", fmt.Errorf("%w: unknown condition type %q", ErrValidation, raw)
	}
	return condition, nil
}

// RequiresCategory reports whether the condition needs a category qualifier.
func (c ConditionType) RequiresCategory() bool {
	return c == ConditionCategoryPosts
}

// Evaluate returns the raw progress value for the condition.
func (c ConditionType) Evaluate(snapshot activity.Snapshot, category string) (int64, error) {
	evaluator, ok := conditionEvaluators[c]
	if !ok {
		return 0, fmt.Errorf("%w: unknown condition type %q", ErrValidation, string(c))
	}
	value := evaluator(snapshot, category)
	if value < 0 {
		value = 0
	}
	return value, nil
}

// ResetKey returns the recurrence cycle key for the instant.
func (p ResetPeriod) ResetKey(now time.Time) string {
	now = now.UTC()
	switch p {
	case ResetPeriodDaily:
		return "daily:" + now.Format("2006-01-02")
	case ResetPeriodWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("weekly:%04d-W%02d", year, week)
	default:
		return PermanentResetKey
	}
}

// Window returns the activity window that counts toward the current cycle.
func (p ResetPeriod) Window(now time.Time) activity.Window {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case ResetPeriodDaily:
		return activity.Window{Since: midnight, Until: midnight.AddDate(0, 0, 1)}
	case ResetPeriodWeekly:
		offset := (int(midnight.Weekday()) + 6) % 7
		monday := midnight.AddDate(0, 0, -offset)
		return activity.Window{Since: monday, Until: monday.AddDate(0, 0, 7)}
	default:
		return activity.Lifetime
	}
}

type reconcileAction int

const (
	reconcileNone reconcileAction = iota
	reconcileCreate
	reconcileUpdate
)

func (a reconcileAction) String() string {
	switch a {
	case reconcileCreate:
		return "create"
	case reconcileUpdate:
		return "update"
	default:
		return "none"
	}
}

type reconcileDecision struct {
	action         reconcileAction
	progress       int64
	completedAt    *time.Time
	newlyCompleted bool
}

// reconcile decides how persisted state follows a freshly computed raw
// progress value. It never creates zero-progress rows, never lowers
// progress, never clears completed_at and never looks at reward_claimed_at.
func reconcile(existing *UserQuestState, raw, target int64, now time.Time) reconcileDecision {
	if raw < 0 {
		raw = 0
	}
	reached := func(progress int64) bool {
		return target > 0 && progress >= target
	}

	if existing == nil {
		if raw <= 0 && !reached(raw) {
			return reconcileDecision{action: reconcileNone}
		}
		decision := reconcileDecision{action: reconcileCreate, progress: raw}
		if reached(raw) {
			completedAt := now
			decision.completedAt = &completedAt
			decision.newlyCompleted = true
		}
		return decision
	}

	decision := reconcileDecision{
		action:      reconcileNone,
		progress:    existing.Progress,
		completedAt: existing.CompletedAt,
	}
	if raw > existing.Progress {
		decision.action = reconcileUpdate
		decision.progress = raw
	}
	if existing.CompletedAt == nil && reached(decision.progress) {
		completedAt := now
		decision.action = reconcileUpdate
		decision.completedAt = &completedAt
		decision.newlyCompleted = true
	}
	return decision
}
