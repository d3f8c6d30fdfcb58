package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manthan787/runbookai/internal/investigation"
)

func sampleCheckpoint(invID string) *Checkpoint {
	return &Checkpoint{
		InvestigationID: invID,
		Phase:           investigation.PhaseInvestigate,
		Query:           "why is checkout 500ing",
		Hypotheses: []*investigation.Hypothesis{
			{ID: "h_1", Statement: "checkout pods are crashlooping", Category: investigation.CategoryInfrastructure,
				Queries: []investigation.PlannedQuery{{Type: "observe_pod_events", Service: "checkout"}}},
		},
		ScratchpadIDs: []string{"a1b2c3"},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("filesystem", func(t *testing.T) {
		fn(t, NewFSStore(t.TempDir(), 0))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLiteStore(":memory:", 0)
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		cp := sampleCheckpoint("inv-1")

		id, err := store.Save(ctx, cp)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		loaded, err := store.Load(ctx, "inv-1", id)
		require.NoError(t, err)
		require.Equal(t, "inv-1", loaded.InvestigationID)
		require.Equal(t, investigation.PhaseInvestigate, loaded.Phase)
		require.Len(t, loaded.Hypotheses, 1)
		require.Equal(t, "h_1", loaded.Hypotheses[0].ID)
		require.Equal(t, []string{"a1b2c3"}, loaded.ScratchpadIDs)
	})
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		_, err := store.Load(context.Background(), "inv-missing", "doesnotexist")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = store.LoadLatest(context.Background(), "inv-missing")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLoadLatestTracksMostRecentSave(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		first := sampleCheckpoint("inv-1")
		first.Phase = investigation.PhaseTriage
		_, err := store.Save(ctx, first)
		require.NoError(t, err)

		second := sampleCheckpoint("inv-1")
		second.Phase = investigation.PhaseEvaluate
		id2, err := store.Save(ctx, second)
		require.NoError(t, err)

		latest, err := store.LoadLatest(ctx, "inv-1")
		require.NoError(t, err)
		require.Equal(t, id2, latest.ID)
		require.Equal(t, investigation.PhaseEvaluate, latest.Phase)
	})
}

func TestListReturnsNewestFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			cp := sampleCheckpoint("inv-1")
			cp.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
			_, err := store.Save(ctx, cp)
			require.NoError(t, err)
			time.Sleep(time.Millisecond)
		}

		entries, err := store.List(ctx, "inv-1")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i := 0; i+1 < len(entries); i++ {
			require.False(t, entries[i].CreatedAt.Before(entries[i+1].CreatedAt))
		}
	})
}

func TestListInvestigationsCoversEveryInvestigationWithACheckpoint(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, err := store.Save(ctx, sampleCheckpoint("inv-1"))
		require.NoError(t, err)
		_, err = store.Save(ctx, sampleCheckpoint("inv-2"))
		require.NoError(t, err)

		ids, err := store.ListInvestigations(ctx)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"inv-1", "inv-2"}, ids)
	})
}

func TestDeleteRemovesOneCheckpointAndReassignsLatest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		id1, err := store.Save(ctx, sampleCheckpoint("inv-1"))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
		id2, err := store.Save(ctx, sampleCheckpoint("inv-1"))
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, "inv-1", id2))

		_, err = store.Load(ctx, "inv-1", id2)
		require.ErrorIs(t, err, ErrNotFound)

		latest, err := store.LoadLatest(ctx, "inv-1")
		require.NoError(t, err)
		require.Equal(t, id1, latest.ID)
	})
}

func TestDeleteAllClearsEveryCheckpoint(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, err := store.Save(ctx, sampleCheckpoint("inv-1"))
		require.NoError(t, err)

		require.NoError(t, store.DeleteAll(ctx, "inv-1"))

		entries, err := store.List(ctx, "inv-1")
		require.NoError(t, err)
		require.Empty(t, entries)

		_, err = store.LoadLatest(ctx, "inv-1")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSavePrunesOldestBeyondMax(t *testing.T) {
	fsStore := NewFSStore(filepath.Join(t.TempDir(), "base"), 2)
	sqliteStore, err := OpenSQLiteStore(":memory:", 2)
	require.NoError(t, err)
	defer sqliteStore.Close()

	for _, store := range []Store{fsStore, sqliteStore} {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := store.Save(ctx, sampleCheckpoint("inv-1"))
			require.NoError(t, err)
			time.Sleep(time.Millisecond)
		}

		entries, err := store.List(ctx, "inv-1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
	}
}

func TestFromInvestigationDiscoversServicesFromHypothesisQueries(t *testing.T) {
	inv := &investigation.Investigation{
		ID:    "inv-1",
		Query: "why is checkout 500ing",
		Phase: investigation.PhaseInvestigate,
		Hypotheses: []*investigation.Hypothesis{
			{ID: "h_1", Queries: []investigation.PlannedQuery{{Type: "observe_pod_events", Service: "checkout"}}},
			{ID: "h_2", Queries: []investigation.PlannedQuery{{Type: "observe_logs", Service: "checkout"}, {Type: "observe_logs", Service: "payments"}}},
		},
		Triage: &investigation.TriageResult{AffectedServices: []string{"checkout"}, Symptoms: []string{"500s"}},
	}

	cp := FromInvestigation("cp-1", inv, []string{"a1"})
	require.Equal(t, "cp-1", cp.ID)
	require.Equal(t, []string{"checkout", "payments"}, cp.ServicesDiscovered)
	require.Equal(t, []string{"checkout"}, cp.AffectedServices)
	require.Equal(t, []string{"500s"}, cp.Symptoms)
}

func TestFromInvestigationCarriesIteration(t *testing.T) {
	inv := &investigation.Investigation{ID: "inv-1", Phase: investigation.PhaseEvaluate, Iteration: 3}
	cp := FromInvestigation("cp-1", inv, nil)
	require.Equal(t, 3, cp.Iteration)
}

func TestRestoreStateMachinePicksUpFromSavedPhase(t *testing.T) {
	cp := sampleCheckpoint("inv-1")
	cp.Phase = investigation.PhaseEvaluate
	cp.Iteration = 4
	cp.RootCause = ""

	sm := RestoreStateMachine(cp, 10, 8)
	require.Equal(t, investigation.PhaseEvaluate, sm.Phase())

	h, ok := sm.FindHypothesis("h_1")
	require.True(t, ok)
	require.Equal(t, "checkout pods are crashlooping", h.Statement)

	require.True(t, sm.CanContinue()) // 4 of 8 iterations used, budget remains
}
