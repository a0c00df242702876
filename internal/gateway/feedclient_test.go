package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/realtime"
)

func (f *fixture) staffActor() messaging.Actor {
	return messaging.Actor{Sender: messaging.UserSender(f.staffID), CompanyID: f.carrierID}
}

func TestFeedClient_EndToEndDelivery(t *testing.T) {
	f := newFixture(t, "")
	convID := f.resolveShared(t)
	convUUID, err := uuid.Parse(convID)
	if err != nil {
		t.Fatalf("parse conversation id: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := realtime.DialFeed(ctx, f.ts.URL, "", f.staffActor())
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	t.Cleanup(client.Close)

	events := make(chan realtime.MessageEvent, 8)
	sub, err := client.SubscribeConversation(convUUID, func(ev realtime.MessageEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The subscribe frame is in flight when this returns; a send published
	// before the server processes it is legitimately missed, so retry until
	// a delivery lands.
	var got realtime.MessageEvent
	delivered := false
	for i := 0; i < 20 && !delivered; i++ {
		resp, _ := f.do(t, http.MethodPost, "/v1/conversations/"+convID+"/messages", f.staff(), map[string]any{
			"body": "live wire",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("send: status %d", resp.StatusCode)
		}
		select {
		case got = <-events:
			delivered = true
		case <-time.After(150 * time.Millisecond):
		}
	}
	if !delivered {
		t.Fatal("no insert event reached the feed client")
	}
	if got.ConversationID != convUUID {
		t.Errorf("event conversation = %s, want %s", got.ConversationID, convUUID)
	}
	if got.Raw.Body != "live wire" {
		t.Errorf("event body = %q", got.Raw.Body)
	}

	// Releasing the last local subscriber stops delivery.
	sub.Close()
	for len(events) > 0 {
		<-events
	}
	resp, _ := f.do(t, http.MethodPost, "/v1/conversations/"+convID+"/messages", f.staff(), map[string]any{
		"body": "after unsubscribe",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send: status %d", resp.StatusCode)
	}
	select {
	case ev := <-events:
		t.Errorf("event delivered after unsubscribe: %q", ev.Raw.Body)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFeedClient_TokenRequired(t *testing.T) {
	f := newFixture(t, "hush")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := realtime.DialFeed(ctx, f.ts.URL, "", f.staffActor()); err == nil {
		t.Error("dial without token must fail")
	}

	client, err := realtime.DialFeed(ctx, f.ts.URL, "hush", f.staffActor())
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	client.Close()
}
