package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/quests"
)

func TestRealtimeDispatcherPublishesQuestEvents(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.PublishQuestEvent(quests.Event{
		Type:         quests.EventRewardClaimed,
		UserID:       "user-1",
		StateID:      "state-a",
		RewardAmount: 7,
		OccurredAt:   time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != string(quests.EventRewardClaimed) {
			t.Fatalf("expected event type %s, got %s", quests.EventRewardClaimed, received.EventType)
		}
		if received.StateID != "state-a" || received.RewardAmount != 7 {
			t.Fatalf("unexpected message %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:    "user-3",
		EventType: string(quests.EventQuestCompleted),
		StateID:   "state-c",
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed user")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "user-4")
	if dispatcher.SubscriberCount("user-4") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("user-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cleanup()
}
