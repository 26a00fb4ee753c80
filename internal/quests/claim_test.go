package quests

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func completedState(t *testing.T, env *testEnv, userID string, reward int64) (QuestTemplate, string) {
	t.Helper()
	template := env.createTemplate(t, firstPostTemplate(reward))
	env.addUser(t, userID)
	env.addPosts(t, userID, "essay", 1)
	quest := findQuest(t, mustListQuests(t, env, userID), template.ID)
	if !quest.HasState() || quest.CompletedAt == nil {
		t.Fatalf("expected a completed state, got %+v", quest)
	}
	return template, quest.StateID
}

func ledgerEntries(t *testing.T, env *testEnv, stateID string) []XpLedgerEntry {
	t.Helper()
	var entries []XpLedgerEntry
	if err := env.db.Where("quest_state_id = ?", stateID).Find(&entries).Error; err != nil {
		t.Fatalf("failed to load ledger: %v", err)
	}
	return entries
}

func TestClaimRewardPreconditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, stateID := completedState(t, env, "writer", 7)

	_, err := env.service.ClaimReward(ctx, "writer", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	requireCode(t, err, "quests.claim_reward.not_found")

	_, err = env.service.ClaimReward(ctx, "intruder", stateID)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	requireCode(t, err, "quests.claim_reward.forbidden")

	_, err = env.service.ClaimReward(ctx, "", stateID)
	requireCode(t, err, "quests.claim_reward.missing_user_id")

	if entries := ledgerEntries(t, env, stateID); len(entries) != 0 {
		t.Fatalf("rejected claims must not write ledger entries, got %d", len(entries))
	}
	if xp := env.experience(t, "writer"); xp != 0 {
		t.Fatalf("rejected claims must not grant xp, got %d", xp)
	}
}

func TestClaimRewardRequiresCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	input := firstPostTemplate(7)
	input.TargetValue = 3
	template := env.createTemplate(t, input)
	env.addUser(t, "writer")
	env.addPosts(t, "writer", "essay", 1)

	quest := findQuest(t, mustListQuests(t, env, "writer"), template.ID)
	if quest.CompletedAt != nil {
		t.Fatalf("quest must not be completed at 1/3")
	}

	_, err := env.service.ClaimReward(ctx, "writer", quest.StateID)
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	requireCode(t, err, "quests.claim_reward.not_completed")

	var state UserQuestState
	if err := env.db.Where("id = ?", quest.StateID).Take(&state).Error; err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if state.RewardClaimedAt != nil {
		t.Fatalf("failed claim must not mark the state")
	}
}

func TestClaimRewardRereadsTargetInsideTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	template, stateID := completedState(t, env, "writer", 7)

	raised := firstPostTemplate(7)
	raised.TargetValue = 10
	if _, err := env.service.UpdateTemplate(ctx, template.ID, raised); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if _, err := env.service.ClaimReward(ctx, "writer", stateID); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure after target raise, got %v", err)
	}
}

func TestClaimRewardForDeletedTemplate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	template, stateID := completedState(t, env, "writer", 7)
	if err := env.service.DeleteTemplate(ctx, template.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	_, err := env.service.ClaimReward(ctx, "writer", stateID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	requireCode(t, err, "quests.claim_reward.template_missing")
}

func TestClaimRewardWritesLedgerAndPublishes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	template, stateID := completedState(t, env, "writer", 7)

	result, err := env.service.ClaimReward(ctx, "writer", stateID)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if result.StateID != stateID || !baseTime.Equal(result.ClaimedAt) {
		t.Fatalf("unexpected claim result %+v", result)
	}

	entries := ledgerEntries(t, env, stateID)
	if len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
	if entries[0].Delta != 7 || entries[0].Reason != LedgerReasonQuestReward {
		t.Fatalf("unexpected ledger entry %+v", entries[0])
	}
	metadata := entries[0].Metadata.Data()
	if metadata.QuestStateID != stateID || metadata.TemplateID != template.ID || metadata.ResetKey != PermanentResetKey {
		t.Fatalf("unexpected ledger metadata %+v", metadata)
	}

	events := env.events.Events()
	last := events[len(events)-1]
	if last.Type != EventRewardClaimed || last.RewardAmount != 7 {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestConcurrentClaimsGrantExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	_, stateID := completedState(t, env, "writer", 7)

	successes, failures, err := raceClaims(env, "writer", stateID, 8, func(err error) bool {
		return errors.Is(err, ErrConflict)
	})
	if err != nil {
		t.Fatalf("unexpected claim failure: %v", err)
	}
	if successes != 1 || failures != 7 {
		t.Fatalf("expected 1 success and 7 conflicts, got %d and %d", successes, failures)
	}
	if xp := env.experience(t, "writer"); xp != 7 {
		t.Fatalf("expected 7 xp, got %d", xp)
	}
	if entries := ledgerEntries(t, env, stateID); len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
}

// Several pooled connections on one database file let the claim transactions
// interleave instead of queueing behind a single connection.
func TestConcurrentClaimsAcrossConnectionsGrantExactlyOnce(t *testing.T) {
	env := newFileTestEnv(t, 8)
	_, stateID := completedState(t, env, "writer", 7)

	// A losing transaction either sees the claim and conflicts, or is refused
	// by the database while another writer holds the lock.
	successes, failures, err := raceClaims(env, "writer", stateID, 8, func(error) bool { return true })
	if err != nil {
		t.Fatalf("unexpected claim failure: %v", err)
	}
	if successes != 1 || failures != 7 {
		t.Fatalf("expected 1 success and 7 refusals, got %d and %d", successes, failures)
	}
	if xp := env.experience(t, "writer"); xp != 7 {
		t.Fatalf("expected 7 xp, got %d", xp)
	}
	if entries := ledgerEntries(t, env, stateID); len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}

	var state UserQuestState
	if err := env.db.Where("id = ?", stateID).Take(&state).Error; err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if state.RewardClaimedAt == nil {
		t.Fatalf("expected the state to be marked claimed")
	}
}

// raceClaims releases attempts claims at once. Errors accepted by expected
// count as failures; any other error aborts the run.
func raceClaims(env *testEnv, userID, stateID string, attempts int, expected func(error) bool) (int32, int32, error) {
	ctx := context.Background()
	var successes, failures atomic.Int32
	var group errgroup.Group
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		group.Go(func() error {
			<-start
			_, err := env.service.ClaimReward(ctx, userID, stateID)
			switch {
			case err == nil:
				successes.Add(1)
			case expected(err):
				failures.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	close(start)
	err := group.Wait()
	return successes.Load(), failures.Load(), err
}

func TestLedgerRejectsSecondRewardForState(t *testing.T) {
	env := newTestEnv(t)
	_, stateID := completedState(t, env, "writer", 7)
	if _, err := env.service.ClaimReward(context.Background(), "writer", stateID); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	duplicate := XpLedgerEntry{ID: "manual", UserID: "writer", Delta: 7, Reason: LedgerReasonQuestReward, QuestStateID: &stateID}
	if err := env.db.Create(&duplicate).Error; err == nil {
		t.Fatalf("expected the ledger to reject a second reward for the state")
	}
}
