package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/quests"
	"github.com/gin-gonic/gin"
)

type templateRequestPayload struct {
	Code          string            `json:"code"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	ConditionType string            `json:"condition_type"`
	Category      string            `json:"category"`
	TargetValue   int64             `json:"target_value"`
	RewardAmount  int64             `json:"reward_amount"`
	Active        *bool             `json:"active"`
	Kind          string            `json:"kind"`
	ResetPeriod   string            `json:"reset_period"`
	UI            quests.UIMetadata `json:"ui"`
}

func (p templateRequestPayload) toInput() quests.TemplateInput {
	return quests.TemplateInput{
		Code:          p.Code,
		Name:          p.Name,
		Description:   p.Description,
		ConditionType: p.ConditionType,
		Category:      p.Category,
		TargetValue:   p.TargetValue,
		RewardAmount:  p.RewardAmount,
		Active:        activeOrDefault(p.Active),
		Kind:          p.Kind,
		ResetPeriod:   p.ResetPeriod,
		UIMetadata:    p.UI,
	}
}

type templatePayload struct {
	ID            string            `json:"id"`
	Code          string            `json:"code,omitempty"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	ConditionType string            `json:"condition_type"`
	Category      string            `json:"category,omitempty"`
	TargetValue   int64             `json:"target_value"`
	RewardAmount  int64             `json:"reward_amount"`
	Active        bool              `json:"active"`
	Kind          string            `json:"kind"`
	ResetPeriod   string            `json:"reset_period"`
	UI            quests.UIMetadata `json:"ui"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func newTemplatePayload(template quests.QuestTemplate) templatePayload {
	return templatePayload{
		ID:            template.ID,
		Code:          template.CodeValue(),
		Name:          template.Name,
		Description:   template.Description,
		ConditionType: string(template.ConditionType),
		Category:      template.Category,
		TargetValue:   template.TargetValue,
		RewardAmount:  template.RewardAmount,
		Active:        template.Active,
		Kind:          string(template.Kind),
		ResetPeriod:   string(template.ResetPeriod),
		UI:            template.UIMetadata.Data(),
		UpdatedAt:     template.UpdatedAt,
	}
}

type campaignRequestPayload struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	StartsAt    *time.Time `json:"starts_at"`
	EndsAt      *time.Time `json:"ends_at"`
	Active      *bool      `json:"active"`
	Priority    int        `json:"priority"`
}

func (p campaignRequestPayload) toInput() quests.CampaignInput {
	return quests.CampaignInput{
		Name:        p.Name,
		Description: p.Description,
		Type:        p.Type,
		StartsAt:    p.StartsAt,
		EndsAt:      p.EndsAt,
		Active:      activeOrDefault(p.Active),
		Priority:    p.Priority,
	}
}

type campaignPayload struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	StartsAt    *time.Time `json:"starts_at,omitempty"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
	Active      bool       `json:"active"`
	Priority    int        `json:"priority"`
}

func newCampaignPayload(campaign quests.QuestCampaign) campaignPayload {
	return campaignPayload{
		ID:          campaign.ID,
		Name:        campaign.Name,
		Description: campaign.Description,
		Type:        string(campaign.Type),
		StartsAt:    campaign.StartsAt,
		EndsAt:      campaign.EndsAt,
		Active:      campaign.Active,
		Priority:    campaign.Priority,
	}
}

type attachRequestPayload struct {
	SortOrder int `json:"sort_order"`
}

type backfillRequestPayload struct {
	DryRun bool   `json:"dry_run"`
	UserID string `json:"user_id"`
}

type backfillFailurePayload struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

type backfillResponsePayload struct {
	DryRun   bool                     `json:"dry_run"`
	Users    int                      `json:"users"`
	Created  int                      `json:"created"`
	Updated  int                      `json:"updated"`
	Skipped  int                      `json:"skipped"`
	Failed   int                      `json:"failed"`
	Failures []backfillFailurePayload `json:"failures"`
}

func activeOrDefault(value *bool) bool {
	if value == nil {
		return true
	}
	return *value
}

func invalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}

func (h *httpHandler) handleCreateTemplate(c *gin.Context) {
	var request templateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	template, err := h.quests.CreateTemplate(c.Request.Context(), request.toInput())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTemplatePayload(template))
}

func (h *httpHandler) handleUpdateTemplate(c *gin.Context) {
	var request templateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	template, err := h.quests.UpdateTemplate(c.Request.Context(), c.Param("templateId"), request.toInput())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTemplatePayload(template))
}

func (h *httpHandler) handleDeleteTemplate(c *gin.Context) {
	if err := h.quests.DeleteTemplate(c.Request.Context(), c.Param("templateId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCreateCampaign(c *gin.Context) {
	var request campaignRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	campaign, err := h.quests.CreateCampaign(c.Request.Context(), request.toInput())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newCampaignPayload(campaign))
}

func (h *httpHandler) handleUpdateCampaign(c *gin.Context) {
	var request campaignRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	campaign, err := h.quests.UpdateCampaign(c.Request.Context(), c.Param("campaignId"), request.toInput())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCampaignPayload(campaign))
}

func (h *httpHandler) handleDeleteCampaign(c *gin.Context) {
	if err := h.quests.DeleteCampaign(c.Request.Context(), c.Param("campaignId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAttachTemplate(c *gin.Context) {
	var request attachRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			invalidRequest(c)
			return
		}
	}
	item, err := h.quests.AttachTemplate(c.Request.Context(), c.Param("campaignId"), c.Param("templateId"), request.SortOrder)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"campaign_id": item.CampaignID,
		"template_id": item.TemplateID,
		"sort_order":  item.SortOrder,
	})
}

func (h *httpHandler) handleDetachTemplate(c *gin.Context) {
	if err := h.quests.DetachTemplate(c.Request.Context(), c.Param("campaignId"), c.Param("templateId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleBackfill(c *gin.Context) {
	var request backfillRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			invalidRequest(c)
			return
		}
	}
	report, err := h.quests.RunBackfill(c.Request.Context(), quests.BackfillOptions{
		DryRun:      request.DryRun,
		LimitUserID: request.UserID,
		Workers:     h.backfillWorkers,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := backfillResponsePayload{
		DryRun:   report.DryRun,
		Users:    report.Users,
		Created:  report.Created,
		Updated:  report.Updated,
		Skipped:  report.Skipped,
		Failed:   report.Failed,
		Failures: make([]backfillFailurePayload, 0, len(report.Failures)),
	}
	for _, failure := range report.Failures {
		response.Failures = append(response.Failures, backfillFailurePayload{UserID: failure.UserID, Error: failure.Err.Error()})
	}
	c.JSON(http.StatusOK, response)
}
