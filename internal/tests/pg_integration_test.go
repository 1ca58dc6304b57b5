package tests

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tawla/server/internal/db"
	"github.com/tawla/server/internal/model"
	"github.com/tawla/server/internal/repo"
)

// TestPostgresRepos verifies the SQL-backed stores against a real database:
// the haversine radius query, the compare-and-swap transition and the
// single-use token consume. Skipped without DATABASE_URL.
func TestPostgresRepos(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration test")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, RunMigrations(database))
	require.NoError(t, TruncateAll(ctx, database))

	users := repo.NewUserRepo(database)
	listings := repo.NewListingRepo(database)
	tokens := repo.NewTokenRepo(database)

	host, err := users.GetOrCreateByPhone(ctx, "+971509999999")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	mkListing := func(lat, lng float64, game model.Game) model.Listing {
		l := model.Listing{
			ID:        uuid.New(),
			HostID:    host.ID,
			Game:      game,
			Lat:       lat,
			Lng:       lng,
			Status:    model.ListingOpen,
			CreatedAt: now,
			ExpiresAt: now.Add(30 * time.Minute),
		}
		require.NoError(t, listings.Create(ctx, l))
		return l
	}

	// Abu Dhabi Corniche, ~2km east of it, and Dubai (~120km away).
	near := mkListing(24.4539, 54.3773, model.GameBaloot)
	mid := mkListing(24.4539, 54.3971, model.GameBaloot)
	far := mkListing(25.2048, 55.2708, model.GameBaloot)

	t.Run("QueryNear", func(t *testing.T) {
		results, err := listings.QueryNear(ctx, 24.4539, 54.3773, 5, "", now)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, near.ID, results[0].ID)
		assert.Equal(t, mid.ID, results[1].ID)
		assert.Less(t, results[0].DistanceKm, results[1].DistanceKm)

		wide, err := listings.QueryNear(ctx, 24.4539, 54.3773, 200, "", now)
		require.NoError(t, err)
		assert.Len(t, wide, 3)

		none, err := listings.QueryNear(ctx, 24.4539, 54.3773, 5, model.GameTrix, now)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("CompareAndSwapStatus", func(t *testing.T) {
		ok, err := listings.CompareAndSwapStatus(ctx, near.ID, model.ListingOpen, model.ListingReserved)
		require.NoError(t, err)
		assert.True(t, ok)

		// Second swap from OPEN must lose.
		ok, err = listings.CompareAndSwapStatus(ctx, near.ID, model.ListingOpen, model.ListingReserved)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := listings.GetByID(ctx, near.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ListingReserved, got.Status)

		// Reserved listings leave the discovery result.
		results, err := listings.QueryNear(ctx, 24.4539, 54.3773, 5, "", now)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, mid.ID, results[0].ID)
	})

	t.Run("ListExpired", func(t *testing.T) {
		due, err := listings.ListExpired(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		ids := make(map[uuid.UUID]bool, len(due))
		for _, l := range due {
			ids[l.ID] = true
		}
		assert.True(t, ids[near.ID])
		assert.True(t, ids[mid.ID])
		assert.True(t, ids[far.ID])
	})

	t.Run("TokenSingleUse", func(t *testing.T) {
		tok := model.JoinToken{
			TokenHash: "deadbeef",
			ListingID: near.ID,
			UserID:    host.ID,
			CreatedAt: now,
		}
		require.NoError(t, tokens.Create(ctx, tok))

		ok, err := tokens.Consume(ctx, tok.TokenHash, now)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tokens.Consume(ctx, tok.TokenHash, now)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := tokens.GetByHash(ctx, tok.TokenHash)
		require.NoError(t, err)
		require.NotNil(t, got.ConsumedAt)
	})
}
