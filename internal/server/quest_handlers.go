package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/quests"
	"github.com/gin-gonic/gin"
)

type questListPayload struct {
	Campaigns []campaignQuestsPayload `json:"campaigns"`
}

type campaignQuestsPayload struct {
	Campaign campaignPayload    `json:"campaign"`
	Quests   []questViewPayload `json:"quests"`
}

type questViewPayload struct {
	TemplateID      string            `json:"template_id"`
	Code            string            `json:"code,omitempty"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Kind            string            `json:"kind"`
	ConditionType   string            `json:"condition_type"`
	Category        string            `json:"category,omitempty"`
	RewardAmount    int64             `json:"reward_amount"`
	StateID         string            `json:"state_id,omitempty"`
	ResetKey        string            `json:"reset_key,omitempty"`
	Progress        int64             `json:"progress"`
	Target          int64             `json:"target"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	RewardClaimedAt *time.Time        `json:"reward_claimed_at,omitempty"`
	SortOrder       int               `json:"sort_order"`
	UI              quests.UIMetadata `json:"ui"`
}

type claimResponsePayload struct {
	StateID      string    `json:"state_id"`
	RewardAmount int64     `json:"reward_amount"`
	Experience   int64     `json:"experience"`
	ClaimedAt    time.Time `json:"claimed_at"`
}

func newQuestViewPayload(view quests.QuestView) questViewPayload {
	template := view.Template
	return questViewPayload{
		TemplateID:      template.ID,
		Code:            template.CodeValue(),
		Name:            template.Name,
		Description:     template.Description,
		Kind:            string(template.Kind),
		ConditionType:   string(template.ConditionType),
		Category:        template.Category,
		RewardAmount:    template.RewardAmount,
		StateID:         view.StateID,
		ResetKey:        view.ResetKey,
		Progress:        view.Progress,
		Target:          view.Target,
		CompletedAt:     view.CompletedAt,
		RewardClaimedAt: view.RewardClaimedAt,
		SortOrder:       view.SortOrder,
		UI:              view.UIMetadata,
	}
}

func (h *httpHandler) handleListQuests(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	campaigns, err := h.quests.ListActiveQuests(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := questListPayload{Campaigns: make([]campaignQuestsPayload, 0, len(campaigns))}
	for _, entry := range campaigns {
		payload := campaignQuestsPayload{
			Campaign: newCampaignPayload(entry.Campaign),
			Quests:   make([]questViewPayload, 0, len(entry.Quests)),
		}
		for _, view := range entry.Quests {
			payload.Quests = append(payload.Quests, newQuestViewPayload(view))
		}
		response.Campaigns = append(response.Campaigns, payload)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleClaimReward(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	result, err := h.quests.ClaimReward(c.Request.Context(), userID, c.Param("stateId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, claimResponsePayload{
		StateID:      result.StateID,
		RewardAmount: result.RewardAmount,
		Experience:   result.NewXPTotal,
		ClaimedAt:    result.ClaimedAt,
	})
}

// handleQuestStream pushes the caller's quest events as server-sent events
// until the client disconnects.
func (h *httpHandler) handleQuestStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, newRealtimeEventPayload(message))
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			return true
		}
	})
}
