package quests

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// TemplateKind distinguishes repeatable quests from achievements.
type TemplateKind string

const (
	TemplateKindQuest       TemplateKind = "quest"
	TemplateKindAchievement TemplateKind = "achievement"
)

// ParseTemplateKind validates a raw kind. Empty input defaults to quest.
func ParseTemplateKind(raw string) (TemplateKind, error) {
	switch TemplateKind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", TemplateKindQuest:
		return TemplateKindQuest, nil
	case TemplateKindAchievement:
		return TemplateKindAchievement, nil
	default:
		return "", fmt.Errorf("%w: unknown template kind %q", ErrValidation, raw)
	}
}

// CampaignType distinguishes time-boxed campaigns from indefinite ones.
type CampaignType string

const (
	CampaignTypeEvent     CampaignType = "event"
	CampaignTypePermanent CampaignType = "permanent"
)

// ParseCampaignType validates a raw campaign type.
func ParseCampaignType(raw string) (CampaignType, error) {
	switch CampaignType(strings.ToLower(strings.TrimSpace(raw))) {
	case CampaignTypeEvent:
		return CampaignTypeEvent, nil
	case CampaignTypePermanent:
		return CampaignTypePermanent, nil
	default:
		return "", fmt.Errorf("%w: unknown campaign type %q", ErrValidation, raw)
	}
}

// ResetPeriod controls how often a template's progress starts over.
type ResetPeriod string

const (
	ResetPeriodNone   ResetPeriod = "none"
	ResetPeriodDaily  ResetPeriod = "daily"
	ResetPeriodWeekly ResetPeriod = "weekly"
)

// ParseResetPeriod validates a raw reset period. Empty input means none.
func ParseResetPeriod(raw string) (ResetPeriod, error) {
	switch ResetPeriod(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ResetPeriodNone:
		return ResetPeriodNone, nil
	case ResetPeriodDaily:
		return ResetPeriodDaily, nil
	case ResetPeriodWeekly:
		return ResetPeriodWeekly, nil
	default:
		return "", fmt.Errorf("%w: unknown reset period %q", ErrValidation, raw)
	}
}

// LedgerReason classifies experience changes.
type LedgerReason string

const (
	LedgerReasonQuestReward LedgerReason = "quest_reward"
)

const (
	// AchievementsCampaignName names the permanent campaign that holds every achievement.
	AchievementsCampaignName = "achievements"
	// PermanentResetKey is the reset key of templates that never reset.
	PermanentResetKey = "permanent"

	maxNameLength     = 190
	maxCodeLength     = 190
	maxIconLength     = 64
	maxBadgeLength    = 32
	maxSubtitleLength = 280
)

var hexColorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// UIMetadata carries optional display hints for a template. Keys that are not
// modelled here are preserved in Extra so newer clients can add fields.
type UIMetadata struct {
	Icon     string
	Color    string
	Badge    string
	Subtitle string
	Hidden   bool
	Extra    map[string]json.RawMessage
}

type uiMetadataFields struct {
	Icon     string `json:"icon"`
	Color    string `json:"color"`
	Badge    string `json:"badge"`
	Subtitle string `json:"subtitle"`
	Hidden   bool   `json:"hidden"`
}

var knownUIMetadataKeys = map[string]struct{}{
	"icon": {}, "color": {}, "badge": {}, "subtitle": {}, "hidden": {},
}

// UnmarshalJSON decodes known display fields and keeps the rest in Extra.
func (m *UIMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var fields uiMetadataFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*m = UIMetadata{
		Icon:     fields.Icon,
		Color:    fields.Color,
		Badge:    fields.Badge,
		Subtitle: fields.Subtitle,
		Hidden:   fields.Hidden,
	}
	for key, value := range raw {
		if _, known := knownUIMetadataKeys[key]; known {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[key] = value
	}
	return nil
}

// MarshalJSON flattens known fields and Extra into one object.
func (m UIMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+5)
	for key, value := range m.Extra {
		out[key] = value
	}
	if m.Icon != "" {
		out["icon"] = m.Icon
	}
	if m.Color != "" {
		out["color"] = m.Color
	}
	if m.Badge != "" {
		out["badge"] = m.Badge
	}
	if m.Subtitle != "" {
		out["subtitle"] = m.Subtitle
	}
	if m.Hidden {
		out["hidden"] = true
	}
	return json.Marshal(out)
}

// Validate checks the display fields against their storage bounds.
func (m UIMetadata) Validate() error {
	if len(m.Icon) > maxIconLength {
		return fmt.Errorf("%w: ui icon exceeds %d characters", ErrValidation, maxIconLength)
	}
	if m.Color != "" && !hexColorPattern.MatchString(m.Color) {
		return fmt.Errorf("%w: ui color %q is not #rrggbb", ErrValidation, m.Color)
	}
	if len(m.Badge) > maxBadgeLength {
		return fmt.Errorf("%w: ui badge exceeds %d characters", ErrValidation, maxBadgeLength)
	}
	if len(m.Subtitle) > maxSubtitleLength {
		return fmt.Errorf("%w: ui subtitle exceeds %d characters", ErrValidation, maxSubtitleLength)
	}
	for key, value := range m.Extra {
		if !json.Valid(value) {
			return fmt.Errorf("%w: ui field %q is not valid json", ErrValidation, key)
		}
	}
	return nil
}

// QuestTemplate is a reusable progress target.
type QuestTemplate struct {
	ID            string                         `gorm:"column:id;primaryKey;size:64;not null"`
	Code          *string                        `gorm:"column:code;size:190;uniqueIndex:idx_quest_templates_code"`
	Name          string                         `gorm:"column:name;size:190;not null"`
	Description   string                         `gorm:"column:description;type:text;not null"`
	ConditionType ConditionType                  `gorm:"column:condition_type;size:64;not null"`
	Category      string                         `gorm:"column:category;size:190;not null"`
	TargetValue   int64                          `gorm:"column:target_value;not null"`
	RewardAmount  int64                          `gorm:"column:reward_amount;not null"`
	Active        bool                           `gorm:"column:active;not null;index"`
	Kind          TemplateKind                   `gorm:"column:template_kind;size:32;not null;index"`
	ResetPeriod   ResetPeriod                    `gorm:"column:reset_period;size:16;not null"`
	UIMetadata    datatypes.JSONType[UIMetadata] `gorm:"column:ui_json;not null"`
	CreatedAt     time.Time                      `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time                      `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (QuestTemplate) TableName() string {
	return "quest_templates"
}

// CodeValue returns the stable code or an empty string.
func (t QuestTemplate) CodeValue() string {
	if t.Code == nil {
		return ""
	}
	return *t.Code
}

// QuestCampaign groups templates for display and synchronization.
type QuestCampaign struct {
	ID          string       `gorm:"column:id;primaryKey;size:64;not null"`
	Name        string       `gorm:"column:name;size:190;not null;uniqueIndex:idx_quest_campaigns_name"`
	Description string       `gorm:"column:description;type:text;not null"`
	Type        CampaignType `gorm:"column:campaign_type;size:32;not null"`
	StartsAt    *time.Time   `gorm:"column:starts_at"`
	EndsAt      *time.Time   `gorm:"column:ends_at"`
	Active      bool         `gorm:"column:active;not null"`
	Priority    int          `gorm:"column:priority;not null"`
	CreatedAt   time.Time    `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time    `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (QuestCampaign) TableName() string {
	return "quest_campaigns"
}

// IsActiveAt reports whether the campaign should be offered at the instant.
// Event campaigns are active on [StartsAt, EndsAt).
func (c QuestCampaign) IsActiveAt(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.Type != CampaignTypeEvent {
		return true
	}
	if c.StartsAt == nil || c.EndsAt == nil {
		return false
	}
	return !now.Before(*c.StartsAt) && now.Before(*c.EndsAt)
}

// CampaignItem links a template into a campaign.
type CampaignItem struct {
	CampaignID string    `gorm:"column:campaign_id;primaryKey;size:64;not null"`
	TemplateID string    `gorm:"column:template_id;primaryKey;size:64;not null;index"`
	SortOrder  int       `gorm:"column:sort_order;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CampaignItem) TableName() string {
	return "quest_campaign_items"
}

// UserQuestState is a user's persisted progress for one template in one
// campaign and reset cycle.
type UserQuestState struct {
	ID              string     `gorm:"column:id;primaryKey;size:64;not null"`
	UserID          string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_user_quest_states_key,priority:1"`
	CampaignID      string     `gorm:"column:campaign_id;size:64;not null;uniqueIndex:idx_user_quest_states_key,priority:2"`
	TemplateID      string     `gorm:"column:template_id;size:64;not null;uniqueIndex:idx_user_quest_states_key,priority:3;index"`
	ResetKey        string     `gorm:"column:reset_key;size:64;not null;uniqueIndex:idx_user_quest_states_key,priority:4"`
	Progress        int64      `gorm:"column:progress;not null"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	RewardClaimedAt *time.Time `gorm:"column:reward_claimed_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserQuestState) TableName() string {
	return "user_quest_states"
}

// LedgerMetadata is the structured context stored with a ledger entry.
type LedgerMetadata struct {
	QuestStateID string `json:"quest_state_id,omitempty"`
	TemplateID   string `json:"template_id,omitempty"`
	CampaignID   string `json:"campaign_id,omitempty"`
	ResetKey     string `json:"reset_key,omitempty"`
}

// XpLedgerEntry is an append-only record of an experience change.
type XpLedgerEntry struct {
	ID           string                             `gorm:"column:id;primaryKey;size:64;not null"`
	UserID       string                             `gorm:"column:user_id;size:190;not null;index"`
	Delta        int64                              `gorm:"column:delta;not null"`
	Reason       LedgerReason                       `gorm:"column:reason;size:64;not null"`
	QuestStateID *string                            `gorm:"column:quest_state_id;size:64;uniqueIndex:idx_xp_ledger_quest_state"`
	Metadata     datatypes.JSONType[LedgerMetadata] `gorm:"column:metadata;not null"`
	CreatedAt    time.Time                          `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (XpLedgerEntry) TableName() string {
	return "xp_ledger_entries"
}

// Models lists every table owned by the quest engine.
func Models() []any {
	return []any{
		&QuestTemplate{},
		&QuestCampaign{},
		&CampaignItem{},
		&UserQuestState{},
		&XpLedgerEntry{},
	}
}
