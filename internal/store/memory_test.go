package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storecrawl/internal/shared/types"
)

func seed(t *testing.T, s Store, coll string, docs ...map[string]any) {
	t.Helper()
	for _, d := range docs {
		require.NoError(t, s.Insert(context.Background(), coll, d))
	}
}

func TestFilterTreatsMissingFieldAsNotEqual(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, "steam_games",
		map[string]any{"title": "A", "prices": map[string]any{"gb": "£5.00"}},
		map[string]any{"title": "B", "prices": map[string]any{"gb": "Free or Not Available"}},
		map[string]any{"title": "C", "prices": map[string]any{"us": "$1.00"}},
		map[string]any{"title": "D"},
	)

	f := Filter{{Path: "prices.gb", NotEqual: "Free or Not Available"}}
	n, err := m.Count(ctx, "steam_games", f)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	docs, err := m.Find(ctx, "steam_games", FindOptions{Filter: f})
	require.NoError(t, err)
	var titles []string
	for _, d := range docs {
		titles = append(titles, d["title"].(string))
	}
	assert.Equal(t, []string{"A", "C", "D"}, titles)
}

func TestFindPaginatesInInsertOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 25; i++ {
		seed(t, m, "xbox_games", map[string]any{"n": i})
	}

	page, err := m.Find(ctx, "xbox_games", FindOptions{Skip: 20, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 5)
	assert.EqualValues(t, 20, page[0]["n"])

	page, err = m.Find(ctx, "xbox_games", FindOptions{Skip: 30, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMissingCollectionReadsEmpty(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	n, err := m.Count(ctx, "nintendo_games", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	docs, err := m.Find(ctx, "nintendo_games", FindOptions{})
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestSwapReplacesLiveAndLeavesEmptyStaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, "steam_games", map[string]any{"title": "old"})
	seed(t, m, "steam_games_tmp", map[string]any{"title": "new1"}, map[string]any{"title": "new2"})

	require.NoError(t, m.Swap(ctx, "steam_games", "steam_games_tmp"))

	n, _ := m.Count(ctx, "steam_games", nil)
	assert.Equal(t, int64(2), n)
	n, _ = m.Count(ctx, "steam_games_tmp", nil)
	assert.Zero(t, n)
}

func TestFindReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, "steam_games", map[string]any{"prices": map[string]any{"us": "$1"}})

	docs, err := m.Find(ctx, "steam_games", FindOptions{})
	require.NoError(t, err)
	delete(docs[0]["prices"].(map[string]any), "us")

	docs, err = m.Find(ctx, "steam_games", FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, "$1", docs[0]["prices"].(map[string]any)["us"])
}

func TestValidateCollection(t *testing.T) {
	assert.NoError(t, ValidateCollection("playstation_games_tmp"))
	for _, bad := range []string{"", "Steam", "1games", "games; DROP TABLE x", "a-b"} {
		assert.ErrorIs(t, ValidateCollection(bad), ErrInvalidCollection, bad)
	}
	assert.ErrorIs(t, NewMemory().Insert(context.Background(), "Bad Name", map[string]any{}), ErrInvalidCollection)
}

func TestInsertedRecordHasEmptyListsNotNull(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Insert(ctx, "playstation_games", &types.Record{Title: "Astro Bot"}))

	docs, err := m.Find(ctx, "playstation_games", FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, []any{}, docs[0]["screenshots"])
	assert.Equal(t, []any{}, docs[0]["categories"])
}
