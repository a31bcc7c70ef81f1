package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"vecenv/internal/model"
)

func openSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(path)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "vecenv.db")
	store := openSQLite(t, dbPath)

	started := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	runs := []model.RunRecord{
		{VersionedRecord: Versioned(), ID: "late", Task: "cartpole-base", StartedAt: started.Add(time.Hour)},
		{VersionedRecord: Versioned(), ID: "early", Task: "cartpole-rl", NumEnvs: 16, Steps: 100, StartedAt: started, StopReason: "completed"},
	}
	for _, run := range runs {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}

	loaded, ok, err := store.GetRun(ctx, "early")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok {
		t.Fatal("expected run early")
	}
	if loaded.NumEnvs != 16 || loaded.Steps != 100 || !loaded.StartedAt.Equal(started) {
		t.Fatalf("unexpected run loaded: %+v", loaded)
	}

	listed, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "early" || listed[1].ID != "late" {
		t.Fatalf("unexpected run order: %+v", listed)
	}

	runs[0].StopReason = "canceled"
	if err := store.SaveRun(ctx, runs[0]); err != nil {
		t.Fatalf("update run: %v", err)
	}
	updated, _, err := store.GetRun(ctx, "late")
	if err != nil || updated.StopReason != "canceled" {
		t.Fatalf("expected upsert, got %+v (%v)", updated, err)
	}
}

func TestSQLiteStoreEpisodesAndRewardsPersistAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "vecenv.db")

	episodes := []model.EpisodeRecord{
		{VersionedRecord: Versioned(), EnvID: 0, Step: 5, Length: 5, Return: 5, Reason: model.EpisodeTimeOut},
		{VersionedRecord: Versioned(), EnvID: 2, Step: 7, Length: 7, Return: 3.5, Reason: model.EpisodeReset},
	}
	history := []float64{1, 1, 0.25}

	first := NewSQLiteStore(dbPath)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := first.SaveEpisodes(ctx, "run-1", episodes); err != nil {
		t.Fatalf("save episodes: %v", err)
	}
	if err := first.SaveRewardHistory(ctx, "run-1", history); err != nil {
		t.Fatalf("save history: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openSQLite(t, dbPath)
	gotEpisodes, ok, err := second.GetEpisodes(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get episodes: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(episodes, gotEpisodes); diff != "" {
		t.Fatalf("episodes mismatch (-want +got):\n%s", diff)
	}
	gotHistory, ok, err := second.GetRewardHistory(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get history: ok=%v err=%v", ok, err)
	}
	if !cmp.Equal(history, gotHistory) {
		t.Fatalf("unexpected history %v", gotHistory)
	}
	if _, ok, err := second.GetEpisodes(ctx, "run-2"); ok || err != nil {
		t.Fatalf("expected no episodes for run-2, ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStoreRequiresInit(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "vecenv.db"))
	if err := store.SaveRun(context.Background(), model.RunRecord{ID: "r"}); err == nil {
		t.Fatal("expected error before init")
	}
	if err := NewSQLiteStore("").Init(context.Background()); err == nil {
		t.Fatal("expected error for an empty path")
	}
}
