package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/realtime"
	"github.com/fleetgrid/relay/internal/resolver"
	"github.com/fleetgrid/relay/internal/store/memory"
)

type captureFeed struct {
	mu     sync.Mutex
	events []realtime.MessageEvent
}

func (f *captureFeed) PublishMessage(ev realtime.MessageEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *captureFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fixture struct {
	mem    *memory.Stores
	res    *resolver.Resolver
	router *Router
	feed   *captureFeed

	carrierID uuid.UUID
	partnerID uuid.UUID
	loadID    uuid.UUID
	driverID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:       memory.New(),
		feed:      &captureFeed{},
		carrierID: uuid.New(),
		partnerID: uuid.New(),
		loadID:    uuid.New(),
		driverID:  uuid.New(),
	}
	f.res = resolver.New(f.mem.Bundle())
	f.router = New(f.res, f.mem.Bundle(), f.feed, 0)

	pID := f.partnerID
	dID := f.driverID
	f.mem.PutLoad(&messaging.Load{
		ID:               f.loadID,
		CarrierID:        f.carrierID,
		PartnerCompanyID: &pID,
		AssignedDriverID: &dID,
	})
	f.mem.PutPartner(&messaging.Partner{
		CompanyID:        f.carrierID,
		PartnerCompanyID: f.partnerID,
		PlatformMember:   true,
	})
	return f
}

func (f *fixture) staff() messaging.Actor {
	return messaging.Actor{Sender: messaging.UserSender(uuid.New()), CompanyID: f.carrierID}
}

func (f *fixture) driver() messaging.Actor {
	return messaging.Actor{Sender: messaging.DriverSender(f.driverID), CompanyID: f.carrierID}
}

func (f *fixture) sharedConv(t *testing.T) *messaging.Conversation {
	t.Helper()
	conv, err := f.res.Resolve(context.Background(), resolver.Ref{Context: resolver.ContextLoad, LoadID: f.loadID}, f.staff())
	if err != nil {
		t.Fatalf("resolve shared: %v", err)
	}
	return conv
}

func TestSend_FullVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.sharedConv(t)

	msg, err := f.router.Send(ctx, f.staff(), conv, SendInput{Body: "loaded and rolling"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if msg.ConversationID != conv.ID {
		t.Errorf("landed in %s, want %s", msg.ConversationID, conv.ID)
	}
	if _, redirected := msg.Redirected(); redirected {
		t.Error("full-visibility send must not be redirected")
	}
	if msg.Type != messaging.MsgText {
		t.Errorf("default type = %q, want text", msg.Type)
	}
	if f.feed.count() != 1 {
		t.Errorf("published %d events, want 1", f.feed.count())
	}

	// Preview updated on the destination.
	stored, err := f.mem.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if stored.LastMessageText != "loaded and rolling" {
		t.Errorf("preview = %q", stored.LastMessageText)
	}
	if stored.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", stored.MessageCount)
	}
}

func TestSend_ReadOnlyDriverRedirects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.sharedConv(t)

	if err := f.mem.SetDriverVisibility(ctx, f.loadID, messaging.VisibilityReadOnly); err != nil {
		t.Fatalf("set visibility: %v", err)
	}

	msg, err := f.router.Send(ctx, f.driver(), conv, SendInput{Body: "lumper wants $150"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if msg.ConversationID == conv.ID {
		t.Fatal("read-only send must not land in the shared thread")
	}
	dest, err := f.mem.GetByID(ctx, msg.ConversationID)
	if err != nil {
		t.Fatalf("get destination: %v", err)
	}
	if dest.Type != messaging.ConvLoadInternal {
		t.Errorf("destination type = %q, want load_internal", dest.Type)
	}

	from, redirected := msg.Redirected()
	if !redirected {
		t.Fatal("message must carry redirect metadata")
	}
	if from != conv.ID {
		t.Errorf("routed_from = %s, want %s", from, conv.ID)
	}
	if reason := msg.Metadata[messaging.MetaRedirectReason]; reason != messaging.RedirectReasonDriverReadOnly {
		t.Errorf("redirect reason = %v", reason)
	}
}

func TestSend_NoneVisibilityRejected(t *testing.T) {
	f := newFixture(t)
	conv := f.sharedConv(t)

	// Driver visibility unset: none. Reject, never silently redirect.
	_, err := f.router.Send(context.Background(), f.driver(), conv, SendInput{Body: "hello?"})
	if !errors.Is(err, messaging.ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
	if f.feed.count() != 0 {
		t.Error("rejected send must not publish")
	}
}

func TestSend_BodyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.sharedConv(t)
	staff := f.staff()

	if _, err := f.router.Send(ctx, staff, conv, SendInput{Body: "   "}); !errors.Is(err, messaging.ErrValidation) {
		t.Errorf("blank body: err = %v, want ErrValidation", err)
	}

	huge := strings.Repeat("x", DefaultMaxBodyChars+1)
	if _, err := f.router.Send(ctx, staff, conv, SendInput{Body: huge}); !errors.Is(err, messaging.ErrValidation) {
		t.Errorf("oversized body: err = %v, want ErrValidation", err)
	}

	if _, err := f.router.Send(ctx, staff, conv, SendInput{Body: "hi", Type: "sticker"}); !errors.Is(err, messaging.ErrValidation) {
		t.Errorf("unknown type: err = %v, want ErrValidation", err)
	}
}

func TestSend_BalanceRequestMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.sharedConv(t)
	staff := f.staff()

	cases := []struct {
		name    string
		meta    map[string]any
		wantErr bool
	}{
		{
			"valid",
			map[string]any{
				messaging.MetaBalanceAmount:   float64(150),
				messaging.MetaBalanceStopType: "delivery",
				messaging.MetaBalanceStatus:   "pending",
			},
			false,
		},
		{"missing amount", map[string]any{messaging.MetaBalanceStopType: "pickup"}, true},
		{"negative amount", map[string]any{messaging.MetaBalanceAmount: float64(-5), messaging.MetaBalanceStopType: "pickup"}, true},
		{"bad stop type", map[string]any{messaging.MetaBalanceAmount: float64(100), messaging.MetaBalanceStopType: "layover"}, true},
		{"bad status", map[string]any{messaging.MetaBalanceAmount: float64(100), messaging.MetaBalanceStopType: "pickup", messaging.MetaBalanceStatus: "paid"}, true},
		{"nil metadata", nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.router.Send(ctx, staff, conv, SendInput{
				Body:     "Balance verification",
				Type:     messaging.MsgBalanceRequest,
				Metadata: tc.meta,
			})
			if tc.wantErr && !errors.Is(err, messaging.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSend_BalancePreviewText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.sharedConv(t)

	_, err := f.router.Send(ctx, f.staff(), conv, SendInput{
		Body: "Please verify the remaining balance",
		Type: messaging.MsgBalanceRequest,
		Metadata: map[string]any{
			messaging.MetaBalanceAmount:   float64(250),
			messaging.MetaBalanceStopType: "pickup",
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	stored, err := f.mem.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if stored.LastMessageText != "Balance verification requested" {
		t.Errorf("preview = %q", stored.LastMessageText)
	}
}

func TestSend_DoesNotMutateCallerMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.sharedConv(t)

	if err := f.mem.SetDriverVisibility(ctx, f.loadID, messaging.VisibilityReadOnly); err != nil {
		t.Fatalf("set visibility: %v", err)
	}

	meta := map[string]any{"client_note": "keep"}
	if _, err := f.router.Send(ctx, f.driver(), conv, SendInput{Body: "note", Metadata: meta}); err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, ok := meta[messaging.MetaRoutedFrom]; ok {
		t.Error("redirect metadata leaked into the caller's map")
	}
}

func TestVisibilityFor_NonLoadConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dispatch, err := f.res.Resolve(ctx, resolver.Ref{Context: resolver.ContextDriverDispatch, DriverID: f.driverID}, f.driver())
	if err != nil {
		t.Fatalf("resolve dispatch: %v", err)
	}

	vis, err := f.router.VisibilityFor(ctx, dispatch, f.driver())
	if err != nil {
		t.Fatalf("visibility: %v", err)
	}
	if vis != messaging.VisibilityFull {
		t.Errorf("driver on own dispatch = %q, want full", vis)
	}

	outsider := messaging.Actor{Sender: messaging.UserSender(uuid.New()), CompanyID: uuid.New()}
	vis, err = f.router.VisibilityFor(ctx, dispatch, outsider)
	if err != nil {
		t.Fatalf("visibility: %v", err)
	}
	if vis != messaging.VisibilityNone {
		t.Errorf("outsider on dispatch = %q, want none", vis)
	}
}

func TestRoute_ReadOnlyTargetsInternal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.sharedConv(t)

	if err := f.mem.SetDriverVisibility(ctx, f.loadID, messaging.VisibilityReadOnly); err != nil {
		t.Fatalf("set visibility: %v", err)
	}

	res, err := f.router.Route(ctx, f.driver(), conv)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !res.Redirected {
		t.Fatal("expected redirect")
	}
	if res.Destination.Type != messaging.ConvLoadInternal {
		t.Errorf("destination = %q, want load_internal", res.Destination.Type)
	}
	if res.Reason != messaging.RedirectReasonDriverReadOnly {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestSetMaxBodyChars_AppliesToLaterSends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.sharedConv(t)
	staff := f.staff()

	f.router.SetMaxBodyChars(100)
	body := strings.Repeat("x", 50)
	if _, err := f.router.Send(ctx, staff, conv, SendInput{Body: body}); err != nil {
		t.Fatalf("send under limit: %v", err)
	}

	// A reloaded limit must bind the next send, not just future routers.
	f.router.SetMaxBodyChars(10)
	if _, err := f.router.Send(ctx, staff, conv, SendInput{Body: body}); !errors.Is(err, messaging.ErrValidation) {
		t.Errorf("send over reloaded limit: err = %v, want ErrValidation", err)
	}

	f.router.SetMaxBodyChars(0)
	long := strings.Repeat("x", 200)
	if _, err := f.router.Send(ctx, staff, conv, SendInput{Body: long}); err != nil {
		t.Errorf("non-positive limit falls back to the default: %v", err)
	}
}

func TestSend_PreviewTruncatesOnRuneBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.sharedConv(t)

	body := strings.Repeat("日", messaging.PreviewRunes+20)
	if _, err := f.router.Send(ctx, f.staff(), conv, SendInput{Body: body}); err != nil {
		t.Fatalf("send: %v", err)
	}

	stored, err := f.mem.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !utf8.ValidString(stored.LastMessageText) {
		t.Errorf("preview is not valid UTF-8: %q", stored.LastMessageText)
	}
	if want := strings.Repeat("日", messaging.PreviewRunes) + "..."; stored.LastMessageText != want {
		t.Errorf("preview = %q, want %d runes plus ellipsis", stored.LastMessageText, messaging.PreviewRunes)
	}
}
