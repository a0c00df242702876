// Package memory provides in-memory store implementations used by tests and
// by surfaces that need a throwaway backend. Semantics match the SQL stores,
// including ErrDuplicateKey on conversation-key collisions.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/store"
)

// Stores bundles all in-memory backends over one shared state.
type Stores struct {
	mu sync.RWMutex

	conversations map[uuid.UUID]*messaging.Conversation
	byKey         map[string]uuid.UUID
	messages      map[uuid.UUID]*messaging.Message
	byConv        map[uuid.UUID][]uuid.UUID
	loads         map[uuid.UUID]*messaging.Load
	trips         map[uuid.UUID]*messaging.Trip
	partners      map[string]*messaging.Partner
	users         map[uuid.UUID]string
	drivers       map[uuid.UUID]string
	companies     map[uuid.UUID]string
	readMarks     map[string]time.Time
}

// New creates empty in-memory stores.
func New() *Stores {
	return &Stores{
		conversations: make(map[uuid.UUID]*messaging.Conversation),
		byKey:         make(map[string]uuid.UUID),
		messages:      make(map[uuid.UUID]*messaging.Message),
		byConv:        make(map[uuid.UUID][]uuid.UUID),
		loads:         make(map[uuid.UUID]*messaging.Load),
		trips:         make(map[uuid.UUID]*messaging.Trip),
		partners:      make(map[string]*messaging.Partner),
		users:         make(map[uuid.UUID]string),
		drivers:       make(map[uuid.UUID]string),
		companies:     make(map[uuid.UUID]string),
		readMarks:     make(map[string]time.Time),
	}
}

// Bundle returns the store.Stores view over this state.
func (s *Stores) Bundle() *store.Stores {
	return &store.Stores{
		Conversations: s,
		Messages:      s,
		Loads:         s,
		Trips:         s,
		Partners:      s,
		Directory:     s,
		ReadMarks:     s,
	}
}

func partnerKey(a, b uuid.UUID) string {
	lo, hi := a.String(), b.String()
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo + "|" + hi
}

// --- ConversationStore ---

func (s *Stores) Create(ctx context.Context, c *messaging.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[c.Key]; exists {
		return store.ErrDuplicateKey
	}
	if c.ID == uuid.Nil {
		c.ID = store.GenNewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	s.conversations[c.ID] = &cp
	s.byKey[c.Key] = c.ID
	return nil
}

func (s *Stores) GetByKey(ctx context.Context, key string) (*messaging.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, messaging.ErrNotFound
	}
	cp := *s.conversations[id]
	return &cp, nil
}

func (s *Stores) GetByID(ctx context.Context, id uuid.UUID) (*messaging.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, messaging.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Stores) ListByCompany(ctx context.Context, companyID uuid.UUID) ([]messaging.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []messaging.Conversation
	for _, c := range s.conversations {
		if c.CompanyID == companyID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CreatedAt, out[j].CreatedAt
		if out[i].LastMessageAt != nil {
			ti = *out[i].LastMessageAt
		}
		if out[j].LastMessageAt != nil {
			tj = *out[j].LastMessageAt
		}
		return ti.After(tj)
	})
	return out, nil
}

func (s *Stores) ListByPartner(ctx context.Context, partnerCompanyID uuid.UUID) ([]messaging.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []messaging.Conversation
	for _, c := range s.conversations {
		if c.PartnerCompanyID != nil && *c.PartnerCompanyID == partnerCompanyID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Stores) UpdatePreview(ctx context.Context, id uuid.UUID, text string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return messaging.ErrNotFound
	}
	c.LastMessageText = text
	c.LastMessageAt = &at
	c.MessageCount++
	return nil
}

func (s *Stores) Recount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fixed := 0
	for id, c := range s.conversations {
		ids := s.byConv[id]
		if c.MessageCount != len(ids) {
			c.MessageCount = len(ids)
			fixed++
		}
		if n := len(ids); n > 0 {
			last := s.messages[ids[n-1]]
			c.LastMessageText = messaging.Preview(last.Body, last.Type)
			at := last.CreatedAt
			c.LastMessageAt = &at
		}
	}
	return fixed, nil
}

// --- MessageStore ---

func (s *Stores) Insert(ctx context.Context, m *messaging.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == uuid.Nil {
		m.ID = store.GenNewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	s.messages[m.ID] = &cp
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	return nil
}

func (s *Stores) GetMessage(ctx context.Context, id uuid.UUID) (*messaging.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, messaging.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Stores) ListByConversation(ctx context.Context, convID uuid.UUID, opts store.MessageListOpts) ([]messaging.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []messaging.Message
	for _, id := range s.byConv[convID] {
		m := s.messages[id]
		if !opts.Before.IsZero() && !m.CreatedAt.Before(opts.Before) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

// --- LoadStore ---

// PutLoad seeds a load row (test fixture helper).
func (s *Stores) PutLoad(l *messaging.Load) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.loads[l.ID] = &cp
}

func (s *Stores) GetLoad(ctx context.Context, id uuid.UUID) (*messaging.Load, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.loads[id]
	if !ok {
		return nil, messaging.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *Stores) ListByDriver(ctx context.Context, driverID uuid.UUID) ([]messaging.Load, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []messaging.Load
	for _, l := range s.loads {
		if l.AssignedDriverID != nil && *l.AssignedDriverID == driverID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (s *Stores) SetDriverVisibility(ctx context.Context, loadID uuid.UUID, v messaging.Visibility) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loads[loadID]
	if !ok {
		return messaging.ErrNotFound
	}
	l.DriverVisibility = &v
	return nil
}

// --- TripStore ---

// PutTrip seeds a trip row (test fixture helper).
func (s *Stores) PutTrip(t *messaging.Trip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.trips[t.ID] = &cp
}

func (s *Stores) GetTrip(ctx context.Context, id uuid.UUID) (*messaging.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trips[id]
	if !ok {
		return nil, messaging.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// --- PartnerStore ---

// PutPartner seeds a partner relationship (test fixture helper).
func (s *Stores) PutPartner(p *messaging.Partner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.partners[partnerKey(p.CompanyID, p.PartnerCompanyID)] = &cp
}

func (s *Stores) GetPartner(ctx context.Context, companyID, partnerCompanyID uuid.UUID) (*messaging.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partners[partnerKey(companyID, partnerCompanyID)]
	if !ok {
		return nil, messaging.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// --- DirectoryStore ---

// PutName seeds a display name. kind is "user", "driver", or "company".
func (s *Stores) PutName(kind string, id uuid.UUID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch strings.ToLower(kind) {
	case "user":
		s.users[id] = name
	case "driver":
		s.drivers[id] = name
	case "company":
		s.companies[id] = name
	}
}

func (s *Stores) UserName(ctx context.Context, id uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.users[id]; ok {
		return n, nil
	}
	return "", messaging.ErrNotFound
}

func (s *Stores) DriverName(ctx context.Context, id uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.drivers[id]; ok {
		return n, nil
	}
	return "", messaging.ErrNotFound
}

func (s *Stores) CompanyName(ctx context.Context, id uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.companies[id]; ok {
		return n, nil
	}
	return "", messaging.ErrNotFound
}

// --- ReadMarkStore ---

func (s *Stores) LastRead(ctx context.Context, convID uuid.UUID, scope string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMarks[convID.String()+"|"+scope], nil
}

func (s *Stores) SetLastRead(ctx context.Context, convID uuid.UUID, scope string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readMarks[convID.String()+"|"+scope] = at
	return nil
}
