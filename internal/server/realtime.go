package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/quests"
)

const (
	realtimeEventHeartbeat  = "heartbeat"
	realtimeSourceBackend   = "inkwell-backend"
	realtimeHeartbeatPeriod = 25 * time.Second
	defaultRealtimeBuffer   = 16
)

// RealtimeMessage is a quest event addressed to one user's open streams.
type RealtimeMessage struct {
	UserID       string
	EventType    string
	StateID      string
	TemplateID   string
	CampaignID   string
	RewardAmount int64
	Timestamp    time.Time
}

// RealtimeDispatcher fans quest events out to per-user subscribers. Slow
// subscribers drop messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBuffer,
	}
}

// Subscribe registers a stream for the user until ctx is done or the
// returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishQuestEvent forwards committed quest events to the user's streams.
func (d *RealtimeDispatcher) PublishQuestEvent(event quests.Event) {
	d.Publish(RealtimeMessage{
		UserID:       event.UserID,
		EventType:    string(event.Type),
		StateID:      event.StateID,
		TemplateID:   event.TemplateID,
		CampaignID:   event.CampaignID,
		RewardAmount: event.RewardAmount,
		Timestamp:    event.OccurredAt,
	})
}

// SubscriberCount reports the open streams for the user.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}

type realtimeEventPayload struct {
	Source       string `json:"source"`
	StateID      string `json:"state_id,omitempty"`
	TemplateID   string `json:"template_id,omitempty"`
	CampaignID   string `json:"campaign_id,omitempty"`
	RewardAmount int64  `json:"reward_amount,omitempty"`
	Timestamp    string `json:"timestamp"`
}

func newRealtimeEventPayload(message RealtimeMessage) realtimeEventPayload {
	return realtimeEventPayload{
		Source:       realtimeSourceBackend,
		StateID:      message.StateID,
		TemplateID:   message.TemplateID,
		CampaignID:   message.CampaignID,
		RewardAmount: message.RewardAmount,
		Timestamp:    message.Timestamp.UTC().Format(time.RFC3339),
	}
}
