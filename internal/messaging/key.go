package messaging

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Conversation keys are the deterministic identity a context resolves to.
// The store enforces a uniqueness constraint on the key, which is what makes
// get-or-create race-safe.
//
// Formats:
//
//	load_internal:       conv:load_internal:{loadID}
//	load_shared:         conv:load_shared:{loadID}
//	trip_internal:       conv:trip_internal:{tripID}
//	company_to_company:  conv:company:{a}:partner:{b}
//	driver_dispatch:     conv:driver_dispatch:{driverID}
//	general:             conv:general:{companyID}
//
// For company threads the two company ids are ordered lexicographically so
// both sides of the relationship resolve to the same key.

// BuildLoadKey builds the key for a load conversation.
func BuildLoadKey(loadID uuid.UUID, internal bool) string {
	t := ConvLoadShared
	if internal {
		t = ConvLoadInternal
	}
	return fmt.Sprintf("conv:%s:%s", t, loadID)
}

// BuildTripKey builds the key for a trip-internal conversation.
func BuildTripKey(tripID uuid.UUID) string {
	return fmt.Sprintf("conv:%s:%s", ConvTripInternal, tripID)
}

// BuildCompanyKey builds the key for a company-to-company conversation.
// Order-insensitive: BuildCompanyKey(a, b) == BuildCompanyKey(b, a).
func BuildCompanyKey(a, b uuid.UUID) string {
	lo, hi := a.String(), b.String()
	if lo > hi {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("conv:company:%s:partner:%s", lo, hi)
}

// BuildDriverDispatchKey builds the key for a driver's dispatch channel.
func BuildDriverDispatchKey(driverID uuid.UUID) string {
	return fmt.Sprintf("conv:%s:%s", ConvDriverDispatch, driverID)
}

// BuildGeneralKey builds the key for a carrier's catch-all conversation.
func BuildGeneralKey(companyID uuid.UUID) string {
	return fmt.Sprintf("conv:%s:%s", ConvGeneral, companyID)
}

// ParseKey extracts the conversation type and scoping ids from a key.
// Returns ok=false for anything not in the canonical format.
func ParseKey(key string) (t ConversationType, ids []uuid.UUID, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 || parts[0] != "conv" {
		return "", nil, false
	}

	parseIDs := func(raw ...string) ([]uuid.UUID, bool) {
		out := make([]uuid.UUID, 0, len(raw))
		for _, r := range raw {
			id, err := uuid.Parse(r)
			if err != nil {
				return nil, false
			}
			out = append(out, id)
		}
		return out, true
	}

	switch parts[1] {
	case "company":
		if len(parts) != 5 || parts[3] != "partner" {
			return "", nil, false
		}
		ids, idOK := parseIDs(parts[2], parts[4])
		if !idOK {
			return "", nil, false
		}
		return ConvCompany, ids, true
	default:
		if len(parts) != 3 {
			return "", nil, false
		}
		ct := ConversationType(parts[1])
		switch ct {
		case ConvLoadInternal, ConvLoadShared, ConvTripInternal, ConvDriverDispatch, ConvGeneral:
		default:
			return "", nil, false
		}
		ids, idOK := parseIDs(parts[2])
		if !idOK {
			return "", nil, false
		}
		return ct, ids, true
	}
}

// InternalCounterpartKey returns the internal conversation key that shadows a
// shared load conversation. Redirects always target this key.
func InternalCounterpartKey(c *Conversation) (string, bool) {
	if c.Type != ConvLoadShared || c.LoadID == nil {
		return "", false
	}
	return BuildLoadKey(*c.LoadID, true), true
}
