package scratchpad

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAndGet(t *testing.T) {
	s := New()
	id := s.Record("query_logs", map[string]interface{}{"service": "checkout"}, "log line 1\nlog line 2", false)
	require.Len(t, id, 6)

	val, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, "log line 1\nlog line 2", val)
}

func TestIDsNeverReassignedAndMonotonic(t *testing.T) {
	s := New()
	id1 := s.Record("a", nil, "x", false)
	id2 := s.Record("b", nil, "y", false)
	ids := s.IDs()
	require.Equal(t, []string{id1, id2}, ids)

	s.Compact(0)
	require.Equal(t, []string{id1, id2}, s.IDs(), "ids must remain listed after eviction")
}

func TestGetReturnsFalseAfterEviction(t *testing.T) {
	s := New()
	id := s.Record("a", nil, strings.Repeat("x", 1000), false)
	require.Positive(t, s.TotalTokens())

	evicted := s.Compact(0)
	require.Equal(t, 1, evicted)

	_, ok := s.Get(id)
	require.False(t, ok)
}

func TestCompactRetainsPinnedEntries(t *testing.T) {
	s := New()
	pinnedID := s.Record("a", nil, strings.Repeat("x", 1000), true)
	unpinnedID := s.Record("b", nil, strings.Repeat("y", 1000), false)

	s.Compact(0)

	_, ok := s.Get(pinnedID)
	require.True(t, ok, "pinned entries must survive compaction")
	_, ok = s.Get(unpinnedID)
	require.False(t, ok)
}

func TestCompactEvictsOldestFirst(t *testing.T) {
	s := New()
	oldest := s.Record("a", nil, strings.Repeat("x", 400), false)
	middle := s.Record("b", nil, strings.Repeat("y", 400), false)
	newest := s.Record("c", nil, strings.Repeat("z", 400), false)

	// Budget allows roughly one entry's worth of tokens to remain.
	s.Compact(EstimateTokens(strings.Repeat("z", 400)))

	_, oldestOK := s.Get(oldest)
	_, middleOK := s.Get(middle)
	_, newestOK := s.Get(newest)
	require.False(t, oldestOK)
	require.False(t, middleOK)
	require.True(t, newestOK)
}

func TestSummaryAlwaysRetained(t *testing.T) {
	s := New()
	id := s.Record("a", nil, strings.Repeat("x", 1000), false)
	s.Compact(0)

	var found bool
	for _, e := range s.Entries() {
		if e.ID == id {
			found = true
			require.NotEmpty(t, e.Summary)
		}
	}
	require.True(t, found)
}
