package agenttools

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name        string
		body        string
		wantKind    string
		wantUrgency string
	}{
		{"plain question", "What time is the dock open?", "question", "normal"},
		{"status update", "Picked up and heading out, ETA 4pm", "status_update", "low"},
		{"balance", "The lumper fee is $150, need payment", "balance", "normal"},
		{"issue", "Truck broke down on I-80", "issue", "high"},
		{"urgent keyword", "Need the rate con ASAP", "balance", "high"},
		{"issue outranks question", "We had an accident, what do I do?", "issue", "high"},
		{"other", "ok", "other", "low"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.body)
			if got.Kind != tc.wantKind {
				t.Errorf("kind = %q, want %q", got.Kind, tc.wantKind)
			}
			if got.Urgency != tc.wantUrgency {
				t.Errorf("urgency = %q, want %q", got.Urgency, tc.wantUrgency)
			}
			if got.SuggestedAction == "" {
				t.Error("suggested action must not be empty")
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	body := "Delivered but they refused two pallets, invoice pending?"
	first := Classify(body)
	for i := 0; i < 20; i++ {
		if got := Classify(body); got != first {
			t.Fatalf("classification unstable: %+v vs %+v", got, first)
		}
	}
}

func TestDigest(t *testing.T) {
	userID := uuid.New()
	driverID := uuid.New()
	now := time.Now().UTC()

	msgs := []messaging.Message{
		{
			ID: uuid.New(), Sender: messaging.UserSender(userID),
			Body: "checking in", Type: messaging.MsgText, CreatedAt: now,
		},
		{
			ID: uuid.New(), Sender: messaging.DriverSender(driverID),
			Body: "all good", Type: messaging.MsgText, CreatedAt: now.Add(time.Second),
		},
		{
			ID: uuid.New(), Sender: messaging.UserSender(userID),
			Body: "Balance verification requested", Type: messaging.MsgBalanceRequest,
			Metadata:  map[string]any{messaging.MetaAgentGenerated: true},
			CreatedAt: now.Add(2 * time.Second),
		},
	}

	d := digest(msgs)

	if d.MessageCount != 3 {
		t.Errorf("message count = %d, want 3", d.MessageCount)
	}
	if len(d.Participants) != 2 {
		t.Errorf("participants = %v, want 2 distinct", d.Participants)
	}
	if d.BalanceRequests != 1 {
		t.Errorf("balance requests = %d, want 1", d.BalanceRequests)
	}
	if d.AgentMessages != 1 {
		t.Errorf("agent messages = %d, want 1", d.AgentMessages)
	}
	if len(d.Recent) != 3 {
		t.Errorf("recent lines = %d, want 3", len(d.Recent))
	}
}

func TestDigest_TruncatesLongBodies(t *testing.T) {
	long := strings.Repeat("a", digestBodyMax+50)
	d := digest([]messaging.Message{{
		ID:     uuid.New(),
		Sender: messaging.UserSender(uuid.New()),
		Body:   long,
		Type:   messaging.MsgText,
	}})

	if got := len(d.Recent[0].Body); got != digestBodyMax+3 {
		t.Errorf("digest body length = %d, want %d", got, digestBodyMax+3)
	}
	if !strings.HasSuffix(d.Recent[0].Body, "...") {
		t.Error("truncated body should end with ellipsis")
	}
}
