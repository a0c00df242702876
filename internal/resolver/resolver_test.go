package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/store/memory"
)

type fixture struct {
	mem      *memory.Stores
	resolver *Resolver

	carrierID uuid.UUID
	partnerID uuid.UUID
	loadID    uuid.UUID
	tripID    uuid.UUID
	driverID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:       memory.New(),
		carrierID: uuid.New(),
		partnerID: uuid.New(),
		loadID:    uuid.New(),
		tripID:    uuid.New(),
		driverID:  uuid.New(),
	}
	f.resolver = New(f.mem.Bundle())

	pID := f.partnerID
	dID := f.driverID
	f.mem.PutLoad(&messaging.Load{
		ID:               f.loadID,
		CarrierID:        f.carrierID,
		PartnerCompanyID: &pID,
		AssignedDriverID: &dID,
	})
	f.mem.PutTrip(&messaging.Trip{ID: f.tripID, CarrierID: f.carrierID})
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

func TestResolve_LoadGetOrCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := f.staff()

	first, err := f.resolver.Resolve(ctx, Ref{Context: ContextLoad, LoadID: f.loadID, Internal: true}, actor)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := f.resolver.Resolve(ctx, Ref{Context: ContextLoad, LoadID: f.loadID, Internal: true}, actor)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("resolution not idempotent: %s vs %s", first.ID, second.ID)
	}
	if first.Type != messaging.ConvLoadInternal {
		t.Errorf("type = %q, want load_internal", first.Type)
	}
	if first.LoadID == nil || *first.LoadID != f.loadID {
		t.Error("conversation must reference the load")
	}
	if first.CompanyID != f.carrierID {
		t.Errorf("owner = %s, want carrier %s", first.CompanyID, f.carrierID)
	}
}

func TestResolve_SharedCarriesPartner(t *testing.T) {
	f := newFixture(t)

	conv, err := f.resolver.Resolve(context.Background(), Ref{Context: ContextLoad, LoadID: f.loadID}, f.staff())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conv.Type != messaging.ConvLoadShared {
		t.Errorf("type = %q, want load_shared", conv.Type)
	}
	if conv.PartnerCompanyID == nil || *conv.PartnerCompanyID != f.partnerID {
		t.Error("shared conversation must carry the partner company")
	}
}

func TestResolve_Concurrent_SingleConversation(t *testing.T) {
	f := newFixture(t)
	actor := f.staff()

	const workers = 16
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			conv, err := f.resolver.Resolve(context.Background(), Ref{Context: ContextLoad, LoadID: f.loadID}, actor)
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("worker %d resolved %s, worker 0 resolved %s", i, ids[i], ids[0])
		}
	}
}

func TestResolve_LoadNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Resolve(context.Background(), Ref{Context: ContextLoad, LoadID: uuid.New()}, f.staff())
	if !errors.Is(err, messaging.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResolve_StrangerNotAuthorized(t *testing.T) {
	f := newFixture(t)
	stranger := messaging.Actor{Sender: messaging.UserSender(uuid.New()), CompanyID: uuid.New()}

	_, err := f.resolver.Resolve(context.Background(), Ref{Context: ContextLoad, LoadID: f.loadID}, stranger)
	if !errors.Is(err, messaging.ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestResolve_DriverCannotOpenInternal(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Resolve(context.Background(), Ref{Context: ContextLoad, LoadID: f.loadID, Internal: true}, f.driver())
	if !errors.Is(err, messaging.ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestResolve_DriverNeedsVisibilityOnShared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Unset driver visibility fails closed.
	if _, err := f.resolver.Resolve(ctx, Ref{Context: ContextLoad, LoadID: f.loadID}, f.driver()); !errors.Is(err, messaging.ErrNotAuthorized) {
		t.Errorf("unset visibility: err = %v, want ErrNotAuthorized", err)
	}

	if err := f.mem.SetDriverVisibility(ctx, f.loadID, messaging.VisibilityReadOnly); err != nil {
		t.Fatalf("set visibility: %v", err)
	}
	if _, err := f.resolver.Resolve(ctx, Ref{Context: ContextLoad, LoadID: f.loadID}, f.driver()); err != nil {
		t.Errorf("read_only driver should resolve the shared thread: %v", err)
	}
}

func TestResolve_Company(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.staff()

	conv, err := f.resolver.Resolve(ctx, Ref{Context: ContextCompany, PartnerCompanyID: f.partnerID}, staff)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conv.Type != messaging.ConvCompany {
		t.Errorf("type = %q, want company_to_company", conv.Type)
	}

	// The partner side resolves to the same conversation.
	partnerSeat := messaging.Actor{Sender: messaging.CompanySender(f.partnerID), CompanyID: f.partnerID}
	other, err := f.resolver.Resolve(ctx, Ref{Context: ContextCompany, PartnerCompanyID: f.carrierID}, partnerSeat)
	if err != nil {
		t.Fatalf("partner-side resolve: %v", err)
	}
	if other.ID != conv.ID {
		t.Errorf("both sides should share one conversation: %s vs %s", other.ID, conv.ID)
	}
}

func TestResolve_CompanyNonMemberUnavailable(t *testing.T) {
	f := newFixture(t)
	offPlatform := uuid.New()
	f.mem.PutPartner(&messaging.Partner{
		CompanyID:        f.carrierID,
		PartnerCompanyID: offPlatform,
		PlatformMember:   false,
	})

	_, err := f.resolver.Resolve(context.Background(), Ref{Context: ContextCompany, PartnerCompanyID: offPlatform}, f.staff())
	if !errors.Is(err, messaging.ErrMessagingUnavailable) {
		t.Errorf("err = %v, want ErrMessagingUnavailable", err)
	}
	if messaging.IsTransient(err) {
		t.Error("unavailable is terminal, not transient")
	}
}

func TestResolve_CompanyNoRelationship(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Resolve(context.Background(), Ref{Context: ContextCompany, PartnerCompanyID: uuid.New()}, f.staff())
	if !errors.Is(err, messaging.ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestResolve_Trip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.resolver.Resolve(ctx, Ref{Context: ContextTrip, TripID: f.tripID}, f.staff())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conv.Type != messaging.ConvTripInternal {
		t.Errorf("type = %q, want trip_internal", conv.Type)
	}

	if _, err := f.resolver.Resolve(ctx, Ref{Context: ContextTrip, TripID: f.tripID}, f.driver()); !errors.Is(err, messaging.ErrNotAuthorized) {
		t.Errorf("driver on trip thread: err = %v, want ErrNotAuthorized", err)
	}
}

func TestResolve_DriverDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	own, err := f.resolver.Resolve(ctx, Ref{Context: ContextDriverDispatch, DriverID: f.driverID}, f.driver())
	if err != nil {
		t.Fatalf("driver resolving own dispatch: %v", err)
	}
	if own.DriverID == nil || *own.DriverID != f.driverID {
		t.Error("dispatch conversation must reference the driver")
	}

	// Staff open the same channel.
	staffView, err := f.resolver.Resolve(ctx, Ref{Context: ContextDriverDispatch, DriverID: f.driverID}, f.staff())
	if err != nil {
		t.Fatalf("staff resolving dispatch: %v", err)
	}
	if staffView.ID != own.ID {
		t.Error("staff and driver should land in the same dispatch channel")
	}

	// A driver cannot open another driver's channel.
	otherDriver := messaging.Actor{Sender: messaging.DriverSender(uuid.New()), CompanyID: f.carrierID}
	if _, err := f.resolver.Resolve(ctx, Ref{Context: ContextDriverDispatch, DriverID: f.driverID}, otherDriver); !errors.Is(err, messaging.ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestResolve_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.resolver.Resolve(ctx, Ref{Context: "warehouse"}, f.staff()); !errors.Is(err, messaging.ErrValidation) {
		t.Errorf("unknown context: err = %v, want ErrValidation", err)
	}
	if _, err := f.resolver.Resolve(ctx, Ref{Context: ContextLoad}, f.staff()); !errors.Is(err, messaging.ErrValidation) {
		t.Errorf("missing load id: err = %v, want ErrValidation", err)
	}
	if _, err := f.resolver.Resolve(ctx, Ref{Context: ContextLoad, LoadID: f.loadID}, messaging.Actor{}); !errors.Is(err, messaging.ErrValidation) {
		t.Errorf("zero actor: err = %v, want ErrValidation", err)
	}
}

func TestResolveInternalForLoad_BypassesCallerVisibility(t *testing.T) {
	f := newFixture(t)

	conv, err := f.resolver.ResolveInternalForLoad(context.Background(), f.loadID)
	if err != nil {
		t.Fatalf("resolve internal: %v", err)
	}
	if conv.Type != messaging.ConvLoadInternal {
		t.Errorf("type = %q, want load_internal", conv.Type)
	}
}
