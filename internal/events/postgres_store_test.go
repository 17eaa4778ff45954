//go:build integration

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaveO280/Diem-Marketplace/internal/testutil"
)

func TestPostgresEvents_AppendAndQuery(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	now := time.Now().UTC()
	first := &Event{Type: "escrow.created", Subject: "esc_pg_1", Actor: "0xaaa", CreatedAt: now}
	require.NoError(t, store.Append(ctx, first))
	assert.NotZero(t, first.ID, "Append should backfill the serial ID")

	require.NoError(t, store.Append(ctx, &Event{
		Type: "escrow.funded", Subject: "esc_pg_1", Amount: "5.000000", CreatedAt: now,
	}))
	require.NoError(t, store.Append(ctx, &Event{
		Type: "escrow.created", Subject: "esc_pg_2", CreatedAt: now,
	}))

	evs, err := store.BySubject(ctx, "esc_pg_1", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "escrow.created", evs[0].Type)
	assert.Equal(t, "escrow.funded", evs[1].Type)
	assert.Empty(t, evs[0].Amount, "NULL amount scans to empty string")

	evs, err = store.Recent(ctx, Filter{Type: "escrow.created", Limit: 10})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "esc_pg_2", evs[0].Subject)

	evs, err = store.Recent(ctx, Filter{Subject: "esc_pg_2", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}
