package quests

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func achievementLinks(t *testing.T, env *testEnv, templateID string) int64 {
	t.Helper()
	var count int64
	err := env.db.Model(&CampaignItem{}).
		Joins("JOIN quest_campaigns ON quest_campaigns.id = quest_campaign_items.campaign_id").
		Where("quest_campaigns.name = ? AND quest_campaign_items.template_id = ?", AchievementsCampaignName, templateID).
		Count(&count).Error
	if err != nil {
		t.Fatalf("failed to count achievement links: %v", err)
	}
	return count
}

func TestCreateTemplateValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	testCases := []struct {
		name  string
		input TemplateInput
	}{
		{name: "missing name", input: TemplateInput{ConditionType: "total_posts", TargetValue: 1}},
		{name: "unknown condition", input: TemplateInput{Name: "x", ConditionType: "comments", TargetValue: 1}},
		{name: "missing target", input: TemplateInput{Name: "x", ConditionType: "total_posts"}},
		{name: "negative reward", input: TemplateInput{Name: "x", ConditionType: "total_posts", TargetValue: 1, RewardAmount: -1}},
		{name: "category required", input: TemplateInput{Name: "x", ConditionType: "category_posts", TargetValue: 1}},
		{name: "unknown kind", input: TemplateInput{Name: "x", ConditionType: "total_posts", TargetValue: 1, Kind: "badge"}},
		{name: "unknown reset period", input: TemplateInput{Name: "x", ConditionType: "total_posts", TargetValue: 1, ResetPeriod: "monthly"}},
		{name: "bad color", input: TemplateInput{Name: "x", ConditionType: "total_posts", TargetValue: 1, UIMetadata: UIMetadata{Color: "red"}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := env.service.CreateTemplate(ctx, testCase.input)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			requireCode(t, err, "quests.create_template.invalid_input")
		})
	}

	var templates int64
	if err := env.db.Model(&QuestTemplate{}).Count(&templates).Error; err != nil {
		t.Fatalf("failed to count templates: %v", err)
	}
	if templates != 0 {
		t.Fatalf("expected no templates to be stored, got %d", templates)
	}
}

func TestCreateTemplateRejectsDuplicateCode(t *testing.T) {
	env := newTestEnv(t)
	env.createTemplate(t, firstPostTemplate(7))

	_, err := env.service.CreateTemplate(context.Background(), firstPostTemplate(9))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	requireCode(t, err, "quests.create_template.duplicate_code")

	second := firstPostTemplate(9)
	second.Code = ""
	env.createTemplate(t, second)
	third := firstPostTemplate(9)
	third.Code = "  "
	env.createTemplate(t, third)
}

func TestCreateAchievementLinksIntoAchievementsCampaign(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.createTemplate(t, firstPostTemplate(7))

	secondInput := firstPostTemplate(3)
	secondInput.Code = "five-posts"
	secondInput.TargetValue = 5
	second := env.createTemplate(t, secondInput)

	campaign, err := env.service.EnsureAchievementsCampaign(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if campaign.Type != CampaignTypePermanent {
		t.Fatalf("expected permanent achievements campaign, got %s", campaign.Type)
	}

	members, err := env.service.CampaignTemplates(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[0].Template.ID != first.ID || members[0].SortOrder != 0 {
		t.Fatalf("unexpected first member %s at %d", members[0].Template.ID, members[0].SortOrder)
	}
	if members[1].Template.ID != second.ID || members[1].SortOrder != 1 {
		t.Fatalf("unexpected second member %s at %d", members[1].Template.ID, members[1].SortOrder)
	}

	var campaigns int64
	if err := env.db.Model(&QuestCampaign{}).Where("name = ?", AchievementsCampaignName).Count(&campaigns).Error; err != nil {
		t.Fatalf("failed to count campaigns: %v", err)
	}
	if campaigns != 1 {
		t.Fatalf("expected a single achievements campaign, got %d", campaigns)
	}
}

func TestTemplateKindTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	input := firstPostTemplate(7)
	input.Kind = string(TemplateKindQuest)
	template := env.createTemplate(t, input)
	if links := achievementLinks(t, env, template.ID); links != 0 {
		t.Fatalf("quest must not be linked as achievement, got %d", links)
	}

	weekly := env.createCampaign(t, CampaignInput{Name: "weekly picks", Type: "permanent", Active: true})
	if _, err := env.service.AttachTemplate(ctx, weekly.ID, template.ID, 4); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	input.Kind = string(TemplateKindAchievement)
	if _, err := env.service.UpdateTemplate(ctx, template.ID, input); err != nil {
		t.Fatalf("promotion failed: %v", err)
	}
	if links := achievementLinks(t, env, template.ID); links != 1 {
		t.Fatalf("expected one achievement link after promotion, got %d", links)
	}

	input.Kind = string(TemplateKindQuest)
	if _, err := env.service.UpdateTemplate(ctx, template.ID, input); err != nil {
		t.Fatalf("demotion failed: %v", err)
	}
	if links := achievementLinks(t, env, template.ID); links != 0 {
		t.Fatalf("expected no achievement link after demotion, got %d", links)
	}

	members, err := env.service.CampaignTemplates(ctx, weekly.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("demotion must leave other campaign links alone, got %d members", len(members))
	}

	input.Kind = string(TemplateKindAchievement)
	for i := 0; i < 2; i++ {
		if _, err := env.service.UpdateTemplate(ctx, template.ID, input); err != nil {
			t.Fatalf("repeat promotion failed: %v", err)
		}
	}
	if links := achievementLinks(t, env, template.ID); links != 1 {
		t.Fatalf("expected promotion to stay idempotent, got %d links", links)
	}
}

func TestUpdateTemplate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	template := env.createTemplate(t, firstPostTemplate(7))

	other := firstPostTemplate(1)
	other.Code = "other"
	env.createTemplate(t, other)

	input := firstPostTemplate(11)
	input.Name = "Opening line"
	input.Active = false
	input.UIMetadata = UIMetadata{Icon: "quill", Color: "#aabbcc", Extra: map[string]json.RawMessage{"confetti": json.RawMessage(`true`)}}
	updated, err := env.service.UpdateTemplate(ctx, template.ID, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Name != "Opening line" {
		t.Fatalf("expected renamed template, got %q", updated.Name)
	}
	if !template.CreatedAt.Equal(updated.CreatedAt) {
		t.Fatalf("creation time must be kept, got %s", updated.CreatedAt)
	}

	stored, err := env.service.GetTemplate(ctx, template.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Active || stored.RewardAmount != 11 {
		t.Fatalf("unexpected stored template active=%t reward=%d", stored.Active, stored.RewardAmount)
	}
	ui := stored.UIMetadata.Data()
	if ui.Icon != "quill" || string(ui.Extra["confetti"]) != "true" {
		t.Fatalf("unexpected ui metadata %+v", ui)
	}

	input.Code = "other"
	if _, err := env.service.UpdateTemplate(ctx, template.ID, input); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	_, err = env.service.UpdateTemplate(ctx, "missing", firstPostTemplate(1))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	requireCode(t, err, "quests.update_template.not_found")
}

func TestUpdateTemplateKeepsCodeWhenOmitted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	template := env.createTemplate(t, firstPostTemplate(7))

	input := firstPostTemplate(9)
	input.Code = ""
	updated, err := env.service.UpdateTemplate(ctx, template.ID, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.CodeValue() != "first-post" {
		t.Fatalf("expected stored code to survive, got %q", updated.CodeValue())
	}

	input.Code = "opening-line"
	updated, err = env.service.UpdateTemplate(ctx, template.ID, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.CodeValue() != "opening-line" {
		t.Fatalf("expected explicit code change, got %q", updated.CodeValue())
	}
}

func TestDeleteTemplateRemovesLinksAndKeepsStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	template := env.createTemplate(t, firstPostTemplate(7))
	env.addUser(t, "writer")
	env.addPosts(t, "writer", "essay", 1)

	if _, err := env.service.ListActiveQuests(ctx, "writer"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if states := env.countStates(t, "template_id = ?", template.ID); states != 1 {
		t.Fatalf("expected one state, got %d", states)
	}

	if err := env.service.DeleteTemplate(ctx, template.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	var links int64
	if err := env.db.Model(&CampaignItem{}).Where("template_id = ?", template.ID).Count(&links).Error; err != nil {
		t.Fatalf("failed to count links: %v", err)
	}
	if links != 0 {
		t.Fatalf("expected links to be removed, got %d", links)
	}
	if states := env.countStates(t, "template_id = ?", template.ID); states != 1 {
		t.Fatalf("expected state history to be kept, got %d", states)
	}

	if _, err := env.service.GetTemplate(ctx, template.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := env.service.DeleteTemplate(ctx, template.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestListActiveTemplates(t *testing.T) {
	env := newTestEnv(t)
	active := firstPostTemplate(1)
	active.Name = "B"
	env.createTemplate(t, active)

	inactive := firstPostTemplate(1)
	inactive.Code = "inactive"
	inactive.Active = false
	env.createTemplate(t, inactive)

	another := firstPostTemplate(1)
	another.Code = "another"
	another.Name = "A"
	env.createTemplate(t, another)

	templates, err := env.service.ListActiveTemplates(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("expected 2 active templates, got %d", len(templates))
	}
	if templates[0].Name != "A" || templates[1].Name != "B" {
		t.Fatalf("expected name ordering, got %q, %q", templates[0].Name, templates[1].Name)
	}
}
