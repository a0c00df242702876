// Package visibility computes the effective access level of an actor on a
// conversation. Everything here is pure: inputs are the load row, the partner
// relationship row, the actor, and the conversation type. No I/O.
package visibility

import (
	"github.com/fleetgrid/relay/internal/messaging"
)

// Role is the actor's relationship to a load, derived from the actor and the
// load row.
type Role string

const (
	RoleStaff    Role = "staff"    // carrier's own team member (dispatcher/owner)
	RolePartner  Role = "partner"  // partner-company representative
	RoleDriver   Role = "driver"   // the assigned driver
	RoleStranger Role = "stranger" // no relationship to the load
)

// RoleOnLoad derives the actor's role on a load.
// A driver sender only counts as RoleDriver when it is the assigned driver;
// a driver employed by the carrier but not on this load is a stranger to it.
func RoleOnLoad(load *messaging.Load, actor messaging.Actor) Role {
	switch actor.Sender.Kind {
	case messaging.SenderDriver:
		if load.AssignedDriverID != nil && *load.AssignedDriverID == actor.Sender.ID {
			return RoleDriver
		}
		return RoleStranger
	case messaging.SenderUser, messaging.SenderCompany:
		if actor.CompanyID == load.CarrierID {
			return RoleStaff
		}
		if load.PartnerCompanyID != nil && *load.PartnerCompanyID == actor.CompanyID {
			return RolePartner
		}
		return RoleStranger
	}
	return RoleStranger
}

// IsLocked reports whether the partner relationship locks driver visibility.
func IsLocked(partner *messaging.Partner) bool {
	return partner != nil && partner.LockDriverVisibility
}

// DriverSetting resolves the effective driver visibility setting for a load:
// the partner's mandated value when the relationship is locked, otherwise the
// load's own setting. An absent setting is none — the system never defaults
// open.
func DriverSetting(load *messaging.Load, partner *messaging.Partner) messaging.Visibility {
	if IsLocked(partner) {
		if partner.MandatedVisibility.Valid() {
			return partner.MandatedVisibility
		}
		return messaging.VisibilityNone
	}
	if load.DriverVisibility != nil && load.DriverVisibility.Valid() {
		return *load.DriverVisibility
	}
	return messaging.VisibilityNone
}

// Effective computes the actor's access level on a load conversation.
//
// Staff have full access to both the internal and the shared thread.
// Partner representatives never see the internal thread and have full access
// to the shared one. The assigned driver never sees the internal thread; on
// the shared thread the driver setting (lock-adjusted) governs.
func Effective(load *messaging.Load, partner *messaging.Partner, actor messaging.Actor, convType messaging.ConversationType) messaging.Visibility {
	role := RoleOnLoad(load, actor)

	switch convType {
	case messaging.ConvLoadInternal:
		if role == RoleStaff {
			return messaging.VisibilityFull
		}
		return messaging.VisibilityNone

	case messaging.ConvLoadShared:
		switch role {
		case RoleStaff, RolePartner:
			return messaging.VisibilityFull
		case RoleDriver:
			return DriverSetting(load, partner)
		}
		return messaging.VisibilityNone
	}

	return messaging.VisibilityNone
}

// OnConversation computes visibility for non-load conversation types, where
// membership is structural rather than setting-driven. Load conversations go
// through Effective.
func OnConversation(conv *messaging.Conversation, actor messaging.Actor) messaging.Visibility {
	switch conv.Type {
	case messaging.ConvTripInternal, messaging.ConvGeneral:
		if (actor.Sender.Kind == messaging.SenderUser || actor.Sender.Kind == messaging.SenderCompany) &&
			actor.CompanyID == conv.CompanyID {
			return messaging.VisibilityFull
		}
		return messaging.VisibilityNone

	case messaging.ConvDriverDispatch:
		if actor.Sender.Kind == messaging.SenderDriver &&
			conv.DriverID != nil && *conv.DriverID == actor.Sender.ID {
			return messaging.VisibilityFull
		}
		if (actor.Sender.Kind == messaging.SenderUser || actor.Sender.Kind == messaging.SenderCompany) &&
			actor.CompanyID == conv.CompanyID {
			return messaging.VisibilityFull
		}
		return messaging.VisibilityNone

	case messaging.ConvCompany:
		if actor.Sender.Kind == messaging.SenderDriver {
			return messaging.VisibilityNone
		}
		if actor.CompanyID == conv.CompanyID {
			return messaging.VisibilityFull
		}
		if conv.PartnerCompanyID != nil && *conv.PartnerCompanyID == actor.CompanyID {
			return messaging.VisibilityFull
		}
		return messaging.VisibilityNone
	}

	return messaging.VisibilityNone
}
