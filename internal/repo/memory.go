package repo

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tawla/server/internal/geo"
	"github.com/tawla/server/internal/model"
)

// Memory holds an in-memory implementation of every repository interface,
// guarded by a single mutex. It backs unit tests and MEMORY_MODE operation;
// the per-listing CAS semantics match the Postgres implementation exactly.
type Memory struct {
	mu          sync.RWMutex
	listings    map[uuid.UUID]*model.Listing
	requests    map[uuid.UUID]*model.JoinRequest
	sessions    map[uuid.UUID]*model.Session
	tokens      map[string]*model.JoinToken
	users       map[uuid.UUID]*model.User
	otpSessions map[uuid.UUID]*model.OtpSession
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		listings:    make(map[uuid.UUID]*model.Listing),
		requests:    make(map[uuid.UUID]*model.JoinRequest),
		sessions:    make(map[uuid.UUID]*model.Session),
		tokens:      make(map[string]*model.JoinToken),
		users:       make(map[uuid.UUID]*model.User),
		otpSessions: make(map[uuid.UUID]*model.OtpSession),
	}
}

// Listings returns the ListingRepo view of the store.
func (m *Memory) Listings() ListingRepo { return memListings{m} }

// Requests returns the RequestRepo view of the store.
func (m *Memory) Requests() RequestRepo { return memRequests{m} }

// Sessions returns the SessionRepo view of the store.
func (m *Memory) Sessions() SessionRepo { return memSessions{m} }

// Tokens returns the TokenRepo view of the store.
func (m *Memory) Tokens() TokenRepo { return memTokens{m} }

// Users returns the UserRepo view of the store.
func (m *Memory) Users() UserRepo { return memUsers{m} }

// Otp returns the OtpRepo view of the store.
func (m *Memory) Otp() OtpRepo { return memOtp{m} }

type memListings struct{ m *Memory }

func (v memListings) Create(ctx context.Context, l model.Listing) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	copied := l
	v.m.listings[l.ID] = &copied
	return nil
}

func (v memListings) GetByID(ctx context.Context, id uuid.UUID) (model.Listing, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	l, ok := v.m.listings[id]
	if !ok {
		return model.Listing{}, ErrNoRows
	}
	return *l, nil
}

func (v memListings) QueryNear(ctx context.Context, lat, lng, radiusKm float64, game model.Game, now time.Time) ([]model.ListingWithDistance, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	var results []model.ListingWithDistance
	for _, l := range v.m.listings {
		if l.Status != model.ListingOpen || !l.ExpiresAt.After(now) {
			continue
		}
		if game != "" && l.Game != game {
			continue
		}
		d := geo.DistanceKm(lat, lng, l.Lat, l.Lng)
		if d > radiusKm {
			continue
		}
		results = append(results, model.ListingWithDistance{Listing: *l, DistanceKm: d})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].DistanceKm < results[j].DistanceKm
	})
	return results, nil
}

func (v memListings) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to model.ListingStatus) (bool, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	l, ok := v.m.listings[id]
	if !ok || l.Status != from {
		return false, nil
	}
	l.Status = to
	return true, nil
}

func (v memListings) ListExpired(ctx context.Context, now time.Time) ([]model.Listing, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	var expired []model.Listing
	for _, l := range v.m.listings {
		if l.Status.Terminal() {
			continue
		}
		if !l.ExpiresAt.After(now) {
			expired = append(expired, *l)
		}
	}
	return expired, nil
}

type memRequests struct{ m *Memory }

func (v memRequests) Create(ctx context.Context, req model.JoinRequest) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	copied := req
	v.m.requests[req.ID] = &copied
	return nil
}

func (v memRequests) GetByID(ctx context.Context, id uuid.UUID) (model.JoinRequest, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	req, ok := v.m.requests[id]
	if !ok {
		return model.JoinRequest{}, ErrNoRows
	}
	return *req, nil
}

func (v memRequests) HasPending(ctx context.Context, listingID, requesterID uuid.UUID) (bool, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	for _, req := range v.m.requests {
		if req.ListingID == listingID && req.RequesterID == requesterID && req.Status == model.RequestPending {
			return true, nil
		}
	}
	return false, nil
}

func (v memRequests) ListByListing(ctx context.Context, listingID uuid.UUID) ([]model.JoinRequest, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	var requests []model.JoinRequest
	for _, req := range v.m.requests {
		if req.ListingID == listingID {
			requests = append(requests, *req)
		}
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
	return requests, nil
}

func (v memRequests) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to model.RequestStatus) (bool, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	req, ok := v.m.requests[id]
	if !ok || req.Status != from {
		return false, nil
	}
	req.Status = to
	return true, nil
}

func (v memRequests) SupersedePending(ctx context.Context, listingID, exceptRequestID uuid.UUID) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	for _, req := range v.m.requests {
		if req.ListingID == listingID && req.Status == model.RequestPending && req.ID != exceptRequestID {
			req.Status = model.RequestSuperseded
		}
	}
	return nil
}

type memSessions struct{ m *Memory }

func (v memSessions) Create(ctx context.Context, s model.Session) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	copied := s
	v.m.sessions[s.ID] = &copied
	return nil
}

func (v memSessions) GetByID(ctx context.Context, id uuid.UUID) (model.Session, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	s, ok := v.m.sessions[id]
	if !ok {
		return model.Session{}, ErrNoRows
	}
	return *s, nil
}

func (v memSessions) MarkFinished(ctx context.Context, id uuid.UUID, finishedAt time.Time) (bool, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	s, ok := v.m.sessions[id]
	if !ok || s.Status != model.SessionActive {
		return false, nil
	}
	s.Status = model.SessionFinished
	s.FinishedAt = &finishedAt
	return true, nil
}

type memTokens struct{ m *Memory }

func (v memTokens) Create(ctx context.Context, t model.JoinToken) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	copied := t
	v.m.tokens[t.TokenHash] = &copied
	return nil
}

func (v memTokens) GetByHash(ctx context.Context, tokenHash string) (model.JoinToken, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	t, ok := v.m.tokens[tokenHash]
	if !ok {
		return model.JoinToken{}, ErrNoRows
	}
	return *t, nil
}

func (v memTokens) Consume(ctx context.Context, tokenHash string, consumedAt time.Time) (bool, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	t, ok := v.m.tokens[tokenHash]
	if !ok || t.ConsumedAt != nil {
		return false, nil
	}
	t.ConsumedAt = &consumedAt
	return true, nil
}

type memUsers struct{ m *Memory }

func (v memUsers) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	u, ok := v.m.users[id]
	if !ok {
		return model.User{}, ErrNoRows
	}
	return *u, nil
}

func (v memUsers) GetByPhone(ctx context.Context, phone string) (model.User, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	for _, u := range v.m.users {
		if u.PhoneNumber == phone {
			return *u, nil
		}
	}
	return model.User{}, ErrNoRows
}

func (v memUsers) GetOrCreateByPhone(ctx context.Context, phone string) (model.User, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	for _, u := range v.m.users {
		if u.PhoneNumber == phone {
			return *u, nil
		}
	}
	u := &model.User{ID: uuid.New(), PhoneNumber: phone, CreatedAt: time.Now()}
	v.m.users[u.ID] = u
	return *u, nil
}

type memOtp struct{ m *Memory }

func (v memOtp) CreateOrReplaceSession(ctx context.Context, phone, otpHashHex string, expiresAt time.Time) (uuid.UUID, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	now := time.Now()
	for _, s := range v.m.otpSessions {
		if s.PhoneNumber == phone && s.ConsumedAt == nil {
			consumed := now
			s.ConsumedAt = &consumed
		}
	}
	hash, err := hex.DecodeString(otpHashHex)
	if err != nil {
		return uuid.Nil, err
	}
	s := &model.OtpSession{
		ID:          uuid.New(),
		PhoneNumber: phone,
		OTPHash:     hash,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	v.m.otpSessions[s.ID] = s
	return s.ID, nil
}

func (v memOtp) GetActiveSessionByPhone(ctx context.Context, phone string) (model.OtpSession, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	now := time.Now()
	var latest *model.OtpSession
	for _, s := range v.m.otpSessions {
		if s.PhoneNumber != phone || s.ConsumedAt != nil {
			continue
		}
		if !s.ExpiresAt.After(now) || s.AttemptCount >= 5 {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return model.OtpSession{}, ErrNoRows
	}
	return *latest, nil
}

func (v memOtp) MarkConsumed(ctx context.Context, sessionID uuid.UUID) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	s, ok := v.m.otpSessions[sessionID]
	if !ok {
		return ErrNoRows
	}
	now := time.Now()
	s.ConsumedAt = &now
	return nil
}

func (v memOtp) IncrementAttempt(ctx context.Context, sessionID uuid.UUID) (int, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	s, ok := v.m.otpSessions[sessionID]
	if !ok {
		return 0, ErrNoRows
	}
	now := time.Now()
	s.AttemptCount++
	s.LastAttemptAt = &now
	return s.AttemptCount, nil
}

func (v memOtp) CountRecentRequests(ctx context.Context, phone string, since time.Time) (int, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	count := 0
	for _, s := range v.m.otpSessions {
		if s.PhoneNumber == phone && !s.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}
