package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parkwatch/internal/config"
	"parkwatch/internal/model"
)

// each driver runs the same contract checks
func drivers(t *testing.T) map[string]Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "parkwatch.db") + "?_pragma=busy_timeout(5000)"
	sqlite, err := NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Init(ctx))
			base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

			_, err := store.LookupVehicle(ctx, "V1")
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, store.SetLocationState(ctx, "V1", model.StateRestricted, base), ErrNotFound)

			require.NoError(t, store.UpsertVehicle(ctx, model.Vehicle{
				ID:             "V1",
				Name:           "Juan",
				ContactAddress: "juan@example.edu",
				AuthorizedZone: "Engineering",
			}))
			v, err := store.LookupVehicle(ctx, "V1")
			require.NoError(t, err)
			require.Equal(t, model.StateElsewhere, v.State)
			require.Equal(t, "Engineering", v.AuthorizedZone)

			require.NoError(t, store.SetLocationState(ctx, "V1", model.StateRestricted, base))
			v, err = store.LookupVehicle(ctx, "V1")
			require.NoError(t, err)
			require.Equal(t, model.StateRestricted, v.State)

			ep := model.Episode{
				ID:          "ep-1",
				VehicleID:   "V1",
				OpenedAt:    base,
				Description: "improperly parked",
				Status:      model.StatusActive,
			}
			require.NoError(t, store.InsertActiveViolation(ctx, ep))
			dup := ep
			dup.ID = "ep-2"
			require.ErrorIs(t, store.InsertActiveViolation(ctx, dup), ErrAlreadyOpen)

			got, err := store.GetActiveViolation(ctx, "V1")
			require.NoError(t, err)
			require.Equal(t, "ep-1", got.ID)
			require.True(t, got.OpenedAt.Equal(base))

			require.NoError(t, store.SetActiveStatus(ctx, "V1", model.StatusEscalating))
			active, err := store.ListActiveViolations(ctx)
			require.NoError(t, err)
			require.Len(t, active, 1)
			require.Equal(t, model.StatusEscalating, active[0].Status)

			resolved := base.Add(2 * time.Minute)
			require.NoError(t, store.CopyActiveToHistory(ctx, "V1", model.StatusResolvedFined, resolved))
			require.NoError(t, store.CopyActiveToHistory(ctx, "V1", model.StatusResolvedFined, resolved.Add(time.Second)), "retried copy is a no-op")
			require.NoError(t, store.DeleteActiveViolation(ctx, "V1"))

			_, err = store.GetActiveViolation(ctx, "V1")
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, store.CopyActiveToHistory(ctx, "V1", model.StatusResolvedFined, resolved), ErrNotFound)

			history, err := store.ListHistory(ctx, "V1", 10)
			require.NoError(t, err)
			require.Len(t, history, 1)
			require.Equal(t, model.StatusResolvedFined, history[0].Status)
			require.True(t, history[0].ResolvedAt.Equal(resolved))

			recent, err := store.HasRecentFinalizedViolation(ctx, "V1", resolved.Add(-time.Minute))
			require.NoError(t, err)
			require.True(t, recent)
			recent, err = store.HasRecentFinalizedViolation(ctx, "V1", resolved.Add(time.Minute))
			require.NoError(t, err)
			require.False(t, recent)

			vehicles, err := store.ListVehicles(ctx)
			require.NoError(t, err)
			require.Len(t, vehicles, 1)
		})
	}
}

func TestCopyToHistoryKeepsGivenStatus(t *testing.T) {
	for name, store := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Init(ctx))
			base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			require.NoError(t, store.InsertActiveViolation(ctx, model.Episode{
				ID:        "ep-9",
				VehicleID: "V9",
				OpenedAt:  base,
				Status:    model.StatusEscalating,
			}))
			require.NoError(t, store.CopyActiveToHistory(ctx, "V9", model.StatusResolvedCancelled, base.Add(time.Minute)))

			history, err := store.ListHistory(ctx, "V9", 10)
			require.NoError(t, err)
			require.Len(t, history, 1)
			require.Equal(t, model.StatusResolvedCancelled, history[0].Status)
		})
	}
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewStore(config.StorageConfig{Driver: "mysql"})
	require.Error(t, err)
	s, err := NewStore(config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestDollarRebind(t *testing.T) {
	b := &baseStore{dollar: true}
	require.Equal(t, "SELECT a FROM t WHERE x = $1 AND y > $2", b.q("SELECT a FROM t WHERE x = ? AND y > ?"))
	plain := &baseStore{}
	require.Equal(t, "x = ?", plain.q("x = ?"))
	require.False(t, errors.Is(ErrAlreadyOpen, ErrNotFound))
}
