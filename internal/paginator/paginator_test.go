package paginator

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPaginator(t *testing.T) *Paginator {
	t.Helper()
	p, err := New(Config{DefaultSize: 5, MaxSize: 10, SizeParam: "size", CursorParam: "cursor"})
	require.NoError(t, err)
	return p
}

// sliceFetch serves keyset queries over a fixed set of ids.
func sliceFetch(ids []int64) FetchFunc[int64] {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return func(_ context.Context, q Query) ([]int64, error) {
		var out []int64
		if q.Direction == Asc {
			for _, id := range sorted {
				if id > q.After {
					out = append(out, id)
				}
				if len(out) == q.Limit {
					break
				}
			}
			return out, nil
		}
		for i := len(sorted) - 1; i >= 0; i-- {
			if sorted[i] < q.After {
				out = append(out, sorted[i])
			}
			if len(out) == q.Limit {
				break
			}
		}
		return out, nil
	}
}

func identity(id int64) int64 { return id }

func sparseIDs(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i*3 + 7)
	}
	return ids
}

func TestWalkVisitsEveryItemOnceForAnySize(t *testing.T) {
	p := testPaginator(t)
	ids := sparseIDs(23)

	for size := 1; size <= 10; size++ {
		var got []int64
		err := Walk(context.Background(), p, size, Asc, sliceFetch(ids), identity, func(items []int64) error {
			assert.LessOrEqual(t, len(items), size)
			got = append(got, items...)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, ids, got, "size %d", size)
	}
}

func TestWalkDescending(t *testing.T) {
	p := testPaginator(t)
	ids := sparseIDs(12)

	var got []int64
	err := Walk(context.Background(), p, 4, Desc, sliceFetch(ids), identity, func(items []int64) error {
		got = append(got, items...)
		return nil
	})
	require.NoError(t, err)

	want := make([]int64, len(ids))
	for i, id := range ids {
		want[len(ids)-1-i] = id
	}
	assert.Equal(t, want, got)
}

func TestNextPageEndOfSequence(t *testing.T) {
	p := testPaginator(t)
	fetch := sliceFetch([]int64{1, 2, 3, 4})

	page, err := NextPage(context.Background(), p, PageRequest{Size: 4}, fetch, identity)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, page.Items)
	assert.Empty(t, page.Next, "an exactly full last page has no next cursor")

	page, err = NextPage(context.Background(), p, PageRequest{Size: 3}, fetch, identity)
	require.NoError(t, err)
	require.NotEmpty(t, page.Next)

	page, err = NextPage(context.Background(), p, PageRequest{Size: 3, Cursor: page.Next}, fetch, identity)
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, page.Items)
	assert.Empty(t, page.Next)

	empty, err := NextPage(context.Background(), p, PageRequest{Size: 3}, sliceFetch(nil), identity)
	require.NoError(t, err)
	assert.Empty(t, empty.Items)
	assert.Empty(t, empty.Next)
}

func TestInsertBeforePositionCausesNoDuplicates(t *testing.T) {
	p := testPaginator(t)
	ids := []int64{10, 20, 30, 40, 50}

	first, err := NextPage(context.Background(), p, PageRequest{Size: 2}, sliceFetch(ids), identity)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, first.Items)

	grown := append([]int64{5, 15}, ids...)
	second, err := NextPage(context.Background(), p, PageRequest{Size: 2, Cursor: first.Next}, sliceFetch(grown), identity)
	require.NoError(t, err)
	assert.Equal(t, []int64{30, 40}, second.Items)
}

func TestSizeClamping(t *testing.T) {
	p := testPaginator(t)
	ids := sparseIDs(30)

	page, err := NextPage(context.Background(), p, PageRequest{Size: 500}, sliceFetch(ids), identity)
	require.NoError(t, err)
	assert.Len(t, page.Items, 10)

	for _, n := range []int{0, -1} {
		_, err = NextPage(context.Background(), p, PageRequest{Size: n}, sliceFetch(ids), identity)
		require.ErrorIs(t, err, apperrors.ErrInvalidInput)
	}

	got, err := p.ClampSize(7)
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestParseRequest(t *testing.T) {
	p := testPaginator(t)

	req, err := p.ParseRequest(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, PageRequest{Size: 5}, req)

	req, err = p.ParseRequest(url.Values{"size": {"99"}})
	require.NoError(t, err)
	assert.Equal(t, 10, req.Size)

	cursor := Encode(Position{Key: 42, Direction: Desc})
	req, err = p.ParseRequest(url.Values{"size": {"3"}, "cursor": {cursor}})
	require.NoError(t, err)
	assert.Equal(t, PageRequest{Size: 3, Cursor: cursor, Direction: Desc}, req)

	_, err = p.ParseRequest(url.Values{"size": {"0"}})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = p.ParseRequest(url.Values{"size": {"ten"}})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = p.ParseRequest(url.Values{"cursor": {"garbage!"}})
	require.ErrorIs(t, err, apperrors.ErrInvalidCursor)
}

func TestParseRequestUsesConfiguredNames(t *testing.T) {
	p, err := New(Config{DefaultSize: 2, MaxSize: 4, SizeParam: "limit", CursorParam: "after"})
	require.NoError(t, err)

	req, err := p.ParseRequest(url.Values{"limit": {"3"}, "size": {"1"}})
	require.NoError(t, err)
	assert.Equal(t, 3, req.Size)
}

func TestNewValidatesConfig(t *testing.T) {
	bad := []Config{
		{DefaultSize: 0, MaxSize: 10, SizeParam: "size", CursorParam: "cursor"},
		{DefaultSize: 11, MaxSize: 10, SizeParam: "size", CursorParam: "cursor"},
		{DefaultSize: 1, MaxSize: 0, SizeParam: "size", CursorParam: "cursor"},
		{DefaultSize: 1, MaxSize: 10, SizeParam: "", CursorParam: "cursor"},
		{DefaultSize: 1, MaxSize: 10, SizeParam: "p", CursorParam: "p"},
	}
	for _, cfg := range bad {
		_, err := New(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestCursorRoundTripAndEquality(t *testing.T) {
	for _, pos := range []Position{
		{Key: 0, Direction: Asc},
		{Key: 1, Direction: Desc},
		{Key: -5, Direction: Asc},
		{Key: 1<<62 + 3, Direction: Desc},
	} {
		got, err := Decode(Encode(pos))
		require.NoError(t, err)
		assert.Equal(t, pos, got)
	}
	assert.Equal(t, Encode(Position{Key: 9}), Encode(Position{Key: 9}))
	assert.NotEqual(t, Encode(Position{Key: 9}), Encode(Position{Key: 9, Direction: Desc}))
}

func TestDecodeRejectsForeignTokens(t *testing.T) {
	valid := Encode(Position{Key: 1234, Direction: Asc})

	flipped := []byte(valid)
	if flipped[5] == 'A' {
		flipped[5] = 'B'
	} else {
		flipped[5] = 'A'
	}

	for name, token := range map[string]string{
		"empty":      "",
		"not base64": "%%%",
		"truncated":  valid[:len(valid)-3],
		"extended":   valid + "AAAA",
		"tampered":   string(flipped),
		"padded":     valid + "=",
		"other":      strings.Repeat("A", len(valid)),
	} {
		_, err := Decode(token)
		assert.True(t, errors.Is(err, apperrors.ErrInvalidCursor), "%s: %v", name, err)
	}
}

func TestFetchErrorIsWrapped(t *testing.T) {
	p := testPaginator(t)
	boom := errors.New("db down")
	_, err := NextPage(context.Background(), p, PageRequest{Size: 2}, func(context.Context, Query) ([]int64, error) {
		return nil, boom
	}, identity)
	require.ErrorIs(t, err, boom)
}

func TestQueryStart(t *testing.T) {
	p := testPaginator(t)
	var seen []Query
	fetch := func(_ context.Context, q Query) ([]int64, error) {
		seen = append(seen, q)
		return sliceFetch([]int64{1, 2, 3})(context.Background(), q)
	}
	require.NoError(t, Walk(context.Background(), p, 2, Asc, fetch, identity, func([]int64) error { return nil }))
	require.Len(t, seen, 2)
	assert.True(t, seen[0].Start())
	assert.False(t, seen[1].Start())
	assert.Equal(t, 3, seen[0].Limit)
}
