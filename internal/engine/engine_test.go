package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tawla/server/internal/events"
	"github.com/tawla/server/internal/geo"
	"github.com/tawla/server/internal/model"
	"github.com/tawla/server/internal/repo"
)

// Abu Dhabi Corniche, the frontend's default coordinates.
const (
	testLat = 24.4539
	testLng = 54.3773
)

// fakeClock lets tests simulate the passage of time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingPublisher captures lifecycle events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) byType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	engine *Engine
	clock  *fakeClock
	pub    *recordingPublisher
	store  *repo.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repo.NewMemory()
	clock := newFakeClock()
	pub := &recordingPublisher{}
	eng := New(store.Listings(), store.Requests(), store.Sessions(), store.Tokens(), pub, DefaultConfig())
	eng.now = clock.Now
	return &testEnv{engine: eng, clock: clock, pub: pub, store: store}
}

func (env *testEnv) createListing(t *testing.T, ttlMinutes int) model.Listing {
	t.Helper()
	listing, err := env.engine.CreateListing(context.Background(), CreateListingInput{
		HostID:     uuid.New(),
		Game:       model.GameBaloot,
		TTLMinutes: ttlMinutes,
		RadiusKm:   15,
		Lat:        testLat,
		Lng:        testLng,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return listing
}

func (env *testEnv) status(t *testing.T, id uuid.UUID) model.ListingStatus {
	t.Helper()
	l, err := env.store.Listings().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	return l.Status
}

func TestCreateListing_validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := CreateListingInput{
		HostID:     uuid.New(),
		Game:       model.GameTrix,
		TTLMinutes: 15,
		RadiusKm:   10,
		Lat:        testLat,
		Lng:        testLng,
	}

	cases := []struct {
		name   string
		mutate func(*CreateListingInput)
	}{
		{"unknown game", func(in *CreateListingInput) { in.Game = "Poker" }},
		{"ttl below minimum", func(in *CreateListingInput) { in.TTLMinutes = 4 }},
		{"ttl above maximum", func(in *CreateListingInput) { in.TTLMinutes = 61 }},
		{"zero radius", func(in *CreateListingInput) { in.RadiusKm = 0 }},
		{"radius above cap", func(in *CreateListingInput) { in.RadiusKm = 15.1 }},
		{"latitude out of range", func(in *CreateListingInput) { in.Lat = 91 }},
		{"longitude out of range", func(in *CreateListingInput) { in.Lng = -181 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			_, err := env.engine.CreateListing(ctx, in)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("want ErrValidation, got %v", err)
			}
		})
	}

	listing, err := env.engine.CreateListing(ctx, base)
	if err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	if listing.Status != model.ListingOpen {
		t.Errorf("new listing status = %s, want OPEN", listing.Status)
	}
	if want := listing.CreatedAt.Add(15 * time.Minute); !listing.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want createdAt+15m", listing.ExpiresAt)
	}
}

func TestDiscover_scenarioA(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 15)

	results, err := env.engine.Discover(ctx, testLat, testLng, 15, "")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("want 1 listing, got %d", len(results))
	}
	if results[0].ID != listing.ID {
		t.Error("wrong listing returned")
	}
	if results[0].DistanceKm != 0.0 {
		t.Errorf("distance at same coordinates = %v, want 0.0", results[0].DistanceKm)
	}
}

func TestDiscover_clampsRadius(t *testing.T) {
	env := newTestEnv(t)
	env.createListing(t, 15)

	// 100km is clamped to the 15km cap, not rejected.
	results, err := env.engine.Discover(context.Background(), testLat, testLng, 100, "")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("want 1 listing, got %d", len(results))
	}

	if _, err := env.engine.Discover(context.Background(), testLat, testLng, -1, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("negative radius should be ErrValidation, got %v", err)
	}
}

func TestSubmitRequest_rules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 15)
	guest := uuid.New()

	req, err := env.engine.SubmitRequest(ctx, listing.ID, guest)
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	if req.Status != model.RequestPending {
		t.Errorf("request status = %s, want PENDING", req.Status)
	}

	if _, err := env.engine.SubmitRequest(ctx, listing.ID, guest); !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("second pending request should be ErrDuplicateRequest, got %v", err)
	}
	if _, err := env.engine.SubmitRequest(ctx, listing.ID, listing.HostID); !errors.Is(err, ErrValidation) {
		t.Errorf("host requesting own listing should be ErrValidation, got %v", err)
	}
	if _, err := env.engine.SubmitRequest(ctx, uuid.New(), guest); !errors.Is(err, ErrListingNotFound) {
		t.Errorf("unknown listing should be ErrListingNotFound, got %v", err)
	}

	// Reserve the listing; further requests are rejected.
	if _, _, err := env.engine.AcceptRequest(ctx, req.ID, listing.HostID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.engine.SubmitRequest(ctx, listing.ID, uuid.New()); !errors.Is(err, ErrListingNotJoinable) {
		t.Errorf("request against RESERVED listing should be ErrListingNotJoinable, got %v", err)
	}
}

func TestAcceptRequest_scenarioB(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 15)

	req1, err := env.engine.SubmitRequest(ctx, listing.ID, uuid.New())
	if err != nil {
		t.Fatalf("submit request 1: %v", err)
	}
	req2, err := env.engine.SubmitRequest(ctx, listing.ID, uuid.New())
	if err != nil {
		t.Fatalf("submit request 2: %v", err)
	}

	token, gotListingID, err := env.engine.AcceptRequest(ctx, req1.ID, listing.HostID)
	if err != nil {
		t.Fatalf("accept request 1: %v", err)
	}
	if token == "" || gotListingID != listing.ID {
		t.Error("accept should return a join token and the listing id")
	}
	if env.status(t, listing.ID) != model.ListingReserved {
		t.Error("listing should be RESERVED after acceptance")
	}

	got2, err := env.store.Requests().GetByID(ctx, req2.ID)
	if err != nil {
		t.Fatalf("get request 2: %v", err)
	}
	if got2.Status != model.RequestSuperseded {
		t.Errorf("request 2 status = %s, want SUPERSEDED", got2.Status)
	}

	if _, _, err := env.engine.AcceptRequest(ctx, req2.ID, listing.HostID); !errors.Is(err, ErrRequestNotPending) {
		t.Errorf("accept of superseded request should be ErrRequestNotPending, got %v", err)
	}
}

func TestAcceptRequest_authorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 15)
	req, _ := env.engine.SubmitRequest(ctx, listing.ID, uuid.New())

	if _, _, err := env.engine.AcceptRequest(ctx, req.ID, uuid.New()); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-host accept should be ErrForbidden, got %v", err)
	}
	if _, _, err := env.engine.AcceptRequest(ctx, uuid.New(), listing.HostID); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("unknown request should be ErrRequestNotFound, got %v", err)
	}
	if env.status(t, listing.ID) != model.ListingOpen {
		t.Error("failed accepts must not change the listing status")
	}
}

func TestAcceptRequest_concurrentExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 15)

	const contenders = 16
	requestIDs := make([]uuid.UUID, contenders)
	for i := range requestIDs {
		req, err := env.engine.SubmitRequest(ctx, listing.ID, uuid.New())
		if err != nil {
			t.Fatalf("submit request %d: %v", i, err)
		}
		requestIDs[i] = req.ID
	}

	var wg sync.WaitGroup
	successes := make(chan uuid.UUID, contenders)
	for _, id := range requestIDs {
		wg.Add(1)
		go func(requestID uuid.UUID) {
			defer wg.Done()
			_, _, err := env.engine.AcceptRequest(ctx, requestID, listing.HostID)
			switch {
			case err == nil:
				successes <- requestID
			case errors.Is(err, ErrListingAlreadyReserved), errors.Is(err, ErrRequestNotPending):
				// Expected for the losers.
			default:
				t.Errorf("unexpected accept error: %v", err)
			}
		}(id)
	}
	wg.Wait()
	close(successes)

	var winners []uuid.UUID
	for id := range successes {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("exactly one accept should succeed, got %d", len(winners))
	}

	accepted := 0
	for _, id := range requestIDs {
		req, err := env.store.Requests().GetByID(ctx, id)
		if err != nil {
			t.Fatalf("get request: %v", err)
		}
		if req.Status == model.RequestAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("exactly one request may ever reach ACCEPTED, found %d", accepted)
	}
}

func acceptAndGetToken(t *testing.T, env *testEnv, listing model.Listing, guest uuid.UUID) string {
	t.Helper()
	ctx := context.Background()
	req, err := env.engine.SubmitRequest(ctx, listing.ID, guest)
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	token, _, err := env.engine.AcceptRequest(ctx, req.ID, listing.HostID)
	if err != nil {
		t.Fatalf("accept request: %v", err)
	}
	return token
}

func TestCheckIn_happyPathAndSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 15)
	guest := uuid.New()
	token := acceptAndGetToken(t, env, listing, guest)

	session, err := env.engine.CheckIn(ctx, listing.ID, token, guest, testLat, testLng)
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if session.Status != model.SessionActive {
		t.Errorf("session status = %s, want ACTIVE", session.Status)
	}
	if env.status(t, listing.ID) != model.ListingInProgress {
		t.Error("listing should be IN_PROGRESS after check-in")
	}

	// Check-in never extends the deadline.
	got, _ := env.store.Listings().GetByID(ctx, listing.ID)
	if !got.ExpiresAt.Equal(listing.ExpiresAt) {
		t.Error("expiresAt must be immutable across transitions")
	}

	if _, err := env.engine.CheckIn(ctx, listing.ID, token, guest, testLat, testLng); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("reused token should be ErrInvalidToken, got %v", err)
	}

	transitions := env.pub.byType("listing.transitioned")
	if len(transitions) != 2 {
		t.Errorf("want 2 transition events (reserve, check-in), got %d", len(transitions))
	}
}

func TestCheckIn_tokenBinding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 15)
	other := env.createListing(t, 15)
	guest := uuid.New()
	token := acceptAndGetToken(t, env, listing, guest)

	if _, err := env.engine.CheckIn(ctx, listing.ID, token, uuid.New(), testLat, testLng); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token used by a different identity should be ErrInvalidToken, got %v", err)
	}
	if _, err := env.engine.CheckIn(ctx, other.ID, token, guest, testLat, testLng); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token bound to another listing should be ErrInvalidToken, got %v", err)
	}
	if _, err := env.engine.CheckIn(ctx, listing.ID, "no-such-token", guest, testLat, testLng); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("unknown token should be ErrInvalidToken, got %v", err)
	}
	if env.status(t, listing.ID) != model.ListingReserved {
		t.Error("failed check-ins must not change the listing status")
	}
}

func TestCheckIn_scenarioC_outOfRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 15)
	guest := uuid.New()
	token := acceptAndGetToken(t, env, listing, guest)

	// Roughly 5km north of the listing; the 150m geofence rejects it.
	_, err := env.engine.CheckIn(ctx, listing.ID, token, guest, testLat+0.045, testLng)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("want ErrOutOfRange, got %v", err)
	}

	// The token survives a failed geofence check.
	if _, err := env.engine.CheckIn(ctx, listing.ID, token, guest, testLat, testLng); err != nil {
		t.Errorf("check-in at the table should still succeed: %v", err)
	}
}

func TestCheckIn_geofenceBoundaryInclusive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Pin the geofence to the exact distance of the check-in point, so the
	// test exercises distance == radius rather than a near miss.
	checkLat, checkLng := testLat+0.001, testLng
	boundary := geo.DistanceMeters(checkLat, checkLng, testLat, testLng)
	env.engine.cfg.GeofenceMeters = boundary

	listing := env.createListing(t, 15)
	guest := uuid.New()
	token := acceptAndGetToken(t, env, listing, guest)

	if _, err := env.engine.CheckIn(ctx, listing.ID, token, guest, checkLat, checkLng); err != nil {
		t.Fatalf("check-in exactly at the boundary must pass (<=): %v", err)
	}

	// Anything past the boundary is rejected.
	env2 := newTestEnv(t)
	env2.engine.cfg.GeofenceMeters = boundary - 0.001
	listing2 := env2.createListing(t, 15)
	guest2 := uuid.New()
	token2 := acceptAndGetToken(t, env2, listing2, guest2)
	if _, err := env2.engine.CheckIn(ctx, listing2.ID, token2, guest2, checkLat, checkLng); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("check-in past the boundary must fail, got %v", err)
	}
}

func TestCheckIn_expiredListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 5)
	guest := uuid.New()
	token := acceptAndGetToken(t, env, listing, guest)

	env.clock.Advance(5 * time.Minute)

	// Even before the sweeper runs, a structurally valid token is refused.
	if _, err := env.engine.CheckIn(ctx, listing.ID, token, guest, testLat, testLng); !errors.Is(err, ErrListingExpired) {
		t.Errorf("check-in after TTL should be ErrListingExpired, got %v", err)
	}
}

func TestCheckIn_openListingHasNoPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 15)

	// No acceptance ever happened, so no token exists: OPEN -> IN_PROGRESS
	// is unreachable.
	if _, err := env.engine.CheckIn(ctx, listing.ID, "forged", uuid.New(), testLat, testLng); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("want ErrInvalidToken, got %v", err)
	}
	if env.status(t, listing.ID) != model.ListingOpen {
		t.Error("listing must stay OPEN")
	}
}

func TestFinish_lifecycleAndIdempotence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 15)
	guest := uuid.New()
	token := acceptAndGetToken(t, env, listing, guest)
	session, err := env.engine.CheckIn(ctx, listing.ID, token, guest, testLat, testLng)
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}

	if err := env.engine.Finish(ctx, session.ID, uuid.New()); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger finishing should be ErrForbidden, got %v", err)
	}

	if err := env.engine.Finish(ctx, session.ID, guest); err != nil {
		t.Fatalf("participant finish: %v", err)
	}
	if env.status(t, listing.ID) != model.ListingCompleted {
		t.Error("listing should be COMPLETED after finish")
	}

	if err := env.engine.Finish(ctx, session.ID, guest); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("second finish should be ErrSessionNotActive, got %v", err)
	}
	got, _ := env.store.Sessions().GetByID(ctx, session.ID)
	if got.Status != model.SessionFinished {
		t.Error("session must stay FINISHED")
	}
}

func TestFinish_hostMayFinish(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 15)
	guest := uuid.New()
	token := acceptAndGetToken(t, env, listing, guest)
	session, err := env.engine.CheckIn(ctx, listing.ID, token, guest, testLat, testLng)
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}

	if err := env.engine.Finish(ctx, session.ID, listing.HostID); err != nil {
		t.Fatalf("host finish: %v", err)
	}
}

func TestExpireDue_scenarioD(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 5)

	// Nothing to do before the deadline.
	n, err := env.engine.ExpireDue(ctx)
	if err != nil || n != 0 {
		t.Fatalf("premature sweep: n=%d err=%v", n, err)
	}

	env.clock.Advance(5 * time.Minute)
	n, err = env.engine.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep should expire 1 listing, got %d", n)
	}
	if env.status(t, listing.ID) != model.ListingExpired {
		t.Error("listing should be EXPIRED")
	}

	if _, err := env.engine.SubmitRequest(ctx, listing.ID, uuid.New()); !errors.Is(err, ErrListingNotJoinable) {
		t.Errorf("request against EXPIRED listing should be ErrListingNotJoinable, got %v", err)
	}
}

func TestExpireDue_boundsInProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 5)
	guest := uuid.New()
	token := acceptAndGetToken(t, env, listing, guest)
	if _, err := env.engine.CheckIn(ctx, listing.ID, token, guest, testLat, testLng); err != nil {
		t.Fatalf("check-in: %v", err)
	}

	// The TTL keeps governing IN_PROGRESS; check-in did not extend it.
	env.clock.Advance(5 * time.Minute)
	n, err := env.engine.ExpireDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	if env.status(t, listing.ID) != model.ListingExpired {
		t.Error("IN_PROGRESS listing past TTL should be EXPIRED")
	}
}

func TestExpiryAcceptRace_exactlyOneFinalState(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(t)
		ctx := context.Background()
		listing := env.createListing(t, 5)
		req, err := env.engine.SubmitRequest(ctx, listing.ID, uuid.New())
		if err != nil {
			t.Fatalf("submit request: %v", err)
		}

		env.clock.Advance(5 * time.Minute)

		var wg sync.WaitGroup
		var acceptErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, acceptErr = env.engine.AcceptRequest(ctx, req.ID, listing.HostID)
		}()
		go func() {
			defer wg.Done()
			if _, err := env.engine.ExpireDue(ctx); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
		wg.Wait()

		final := env.status(t, listing.ID)
		switch final {
		case model.ListingReserved:
			if acceptErr != nil {
				t.Errorf("listing RESERVED but accept failed: %v", acceptErr)
			}
		case model.ListingExpired:
			if acceptErr == nil {
				t.Error("listing EXPIRED but accept also reported success")
			} else if !errors.Is(acceptErr, ErrListingAlreadyReserved) {
				t.Errorf("losing accept should be ErrListingAlreadyReserved, got %v", acceptErr)
			}
		default:
			t.Fatalf("corrupted final state %s", final)
		}
	}
}

func TestListRequests_hostOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.createListing(t, 15)
	env.engine.SubmitRequest(ctx, listing.ID, uuid.New())
	env.engine.SubmitRequest(ctx, listing.ID, uuid.New())

	requests, err := env.engine.ListRequests(ctx, listing.ID, listing.HostID)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(requests) != 2 {
		t.Errorf("want 2 requests, got %d", len(requests))
	}

	if _, err := env.engine.ListRequests(ctx, listing.ID, uuid.New()); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-host should get ErrForbidden, got %v", err)
	}
}

func TestSweeper_runsUntilCanceled(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, 5)
	env.clock.Advance(6 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	sweeper := NewSweeper(env.engine, 10*time.Millisecond)
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for env.status(t, listing.ID) != model.ListingExpired {
		select {
		case <-deadline:
			t.Fatal("sweeper did not expire the listing in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
