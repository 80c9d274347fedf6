package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"universe-state/internal/domain"
	"universe-state/internal/membership"
	"universe-state/internal/storage"
)

func TestMembershipStore_InsertAndQuery(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewMembershipStore(pool)
	ctx := context.Background()

	intervals := []*domain.MembershipInterval{
		{ID: 1, UniverseID: 1, InstrumentID: 10, StartAt: utc(2025, 1, 1, 0, 0), EndAt: ptr(utc(2025, 2, 1, 0, 0)), Metadata: map[string]string{"reason": "index add"}},
		{ID: 2, UniverseID: 1, InstrumentID: 11, StartAt: utc(2025, 1, 15, 0, 0)},
		{ID: 3, UniverseID: 2, InstrumentID: 10, StartAt: utc(2024, 1, 1, 0, 0)},
	}
	for _, iv := range intervals {
		require.NoError(t, store.Insert(ctx, iv))
	}

	err := store.Insert(ctx, intervals[0])
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))

	got, err := store.IntervalsForUniverse(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "index add", got[0].Metadata["reason"])
	assert.Nil(t, got[1].EndAt)

	got, err = store.IntervalsFor(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].EndAt.Equal(utc(2025, 2, 1, 0, 0)))
}

func TestMembershipStore_MembersAtIsHalfOpen(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewMembershipStore(pool)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, &domain.MembershipInterval{ID: 1, UniverseID: 1, InstrumentID: 10, StartAt: utc(2025, 1, 1, 0, 0), EndAt: ptr(utc(2025, 2, 1, 0, 0))}))
	require.NoError(t, store.Insert(ctx, &domain.MembershipInterval{ID: 2, UniverseID: 1, InstrumentID: 11, StartAt: utc(2025, 2, 1, 0, 0)}))

	index := membership.NewIndex(store)

	tests := []struct {
		name string
		at   time.Time
		want []domain.InstrumentID
	}{
		{"before start", utc(2024, 12, 31, 23, 59), nil},
		{"at start", utc(2025, 1, 1, 0, 0), []domain.InstrumentID{10}},
		{"at end", utc(2025, 2, 1, 0, 0), []domain.InstrumentID{11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := index.MembersAt(ctx, 1, tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
