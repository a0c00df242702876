package messaging

import (
	"fmt"

	"github.com/google/uuid"
)

// SenderKind discriminates the three sender capability sets. A message sender
// is exactly one of user (dispatcher/owner seat), driver, or company
// (partner-representative seat acting for their company).
type SenderKind string

const (
	SenderUser    SenderKind = "user"
	SenderDriver  SenderKind = "driver"
	SenderCompany SenderKind = "company"
)

// Sender is the tagged union of the three sender shapes. Construct via
// UserSender/DriverSender/CompanySender; a zero Sender is invalid.
type Sender struct {
	Kind SenderKind `json:"kind"`
	ID   uuid.UUID  `json:"id"`
}

func UserSender(id uuid.UUID) Sender    { return Sender{Kind: SenderUser, ID: id} }
func DriverSender(id uuid.UUID) Sender  { return Sender{Kind: SenderDriver, ID: id} }
func CompanySender(id uuid.UUID) Sender { return Sender{Kind: SenderCompany, ID: id} }

// IsZero reports whether the sender is unset.
func (s Sender) IsZero() bool { return s.Kind == "" || s.ID == uuid.Nil }

// Validate checks the union invariant: a known kind and a non-nil id.
func (s Sender) Validate() error {
	switch s.Kind {
	case SenderUser, SenderDriver, SenderCompany:
	default:
		return fmt.Errorf("%w: unknown sender kind %q", ErrValidation, s.Kind)
	}
	if s.ID == uuid.Nil {
		return fmt.Errorf("%w: sender id is required", ErrValidation)
	}
	return nil
}

func (s Sender) String() string {
	return string(s.Kind) + ":" + s.ID.String()
}

// Actor is a sender acting on behalf of a company. CompanyID is the company
// the actor works for (the carrier for its own staff and drivers, the partner
// company for partner representatives). The policy engine derives the actor's
// role on a load from these two fields plus the load row.
type Actor struct {
	Sender    Sender    `json:"sender"`
	CompanyID uuid.UUID `json:"company_id"`
}

// Validate checks the actor carries a valid sender and a company.
func (a Actor) Validate() error {
	if err := a.Sender.Validate(); err != nil {
		return err
	}
	if a.CompanyID == uuid.Nil {
		return fmt.Errorf("%w: actor company id is required", ErrValidation)
	}
	return nil
}

// Scope is the actor-level subscription scope for the conversation-list feed.
// It is a stable string key so feeds and gateways can address a subscriber
// without carrying the full actor.
func (a Actor) Scope() string {
	return "actor:" + string(a.Sender.Kind) + ":" + a.Sender.ID.String()
}
