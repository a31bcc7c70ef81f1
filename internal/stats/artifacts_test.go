package stats

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"vecenv/internal/model"
)

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	artifacts := RunArtifacts{
		Config: RunConfig{RunID: runID, Task: "cartpole-rl", NumEnvs: 2, Steps: 3, ResetEvery: 500, Seed: 1},
		Summary: RunSummary{
			StopReason:        "completed",
			StepsCompleted:    3,
			Episodes:          1,
			MeanEpisodeReturn: 3,
			MeanEpisodeLength: 3,
			EpisodeLog:        map[string]float64{"Episode_Reward/alive": 3},
		},
		Episodes:      []model.EpisodeRecord{{EnvID: 1, Step: 3, Length: 3, Return: 3, Reason: model.EpisodeTimeOut}},
		RewardHistory: []float64{1, 1, 0.5},
	}

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	for _, file := range runFiles {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range runFiles {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read config: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(artifacts.Config, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	summary, ok, err := ReadRunSummary(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read summary: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(artifacts.Summary, summary); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
	episodes, ok, err := ReadEpisodes(exportedDir, "")
	if err != nil || !ok || len(episodes) != 1 || episodes[0].EnvID != 1 {
		t.Fatalf("read exported episodes: ok=%v err=%v episodes=%+v", ok, err, episodes)
	}
	series, ok, err := ReadRewardSeries(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read series: ok=%v err=%v", ok, err)
	}
	if !cmp.Equal(series, artifacts.RewardHistory) {
		t.Fatalf("unexpected series %v", series)
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{}); err == nil {
		t.Fatal("expected error for a missing run id")
	}
	if _, err := ExportRunArtifacts(t.TempDir(), "missing", t.TempDir()); err == nil {
		t.Fatal("expected error exporting an unknown run")
	}
}

func TestReadMissingArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	if _, ok, err := ReadRunConfig(baseDir, "none"); ok || err != nil {
		t.Fatalf("expected missing config, ok=%v err=%v", ok, err)
	}
	if _, ok, err := ReadRewardSeries(baseDir, "none"); ok || err != nil {
		t.Fatalf("expected missing series, ok=%v err=%v", ok, err)
	}
}

func TestRunIndexNewestFirstWithUpsert(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", Task: "cartpole-rl", CreatedAtUTC: "2026-01-01T00:00:00Z"},
		{RunID: "b", Task: "cartpole-base", CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{RunID: "c", Task: "cartpole-rl", CreatedAtUTC: "2026-01-01T00:00:00Z"},
	}
	for _, e := range entries {
		if err := AppendRunIndex(baseDir, e); err != nil {
			t.Fatalf("append %s: %v", e.RunID, err)
		}
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "a", Task: "cartpole-rl", Episodes: 9, CreatedAtUTC: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, e := range index {
		ids = append(ids, e.RunID)
	}
	if !cmp.Equal(ids, []string{"b", "c", "a"}) {
		t.Fatalf("unexpected order %v", ids)
	}
	if index[2].Episodes != 9 {
		t.Fatalf("expected upserted entry, got %+v", index[2])
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{}); err == nil {
		t.Fatal("expected error for an empty run id")
	}
}

func TestSummarizeEpisodes(t *testing.T) {
	n, meanReturn, meanLength := SummarizeEpisodes([]model.EpisodeRecord{
		{Length: 4, Return: 2},
		{Length: 6, Return: -1},
	})
	if n != 2 || math.Abs(meanReturn-0.5) > 1e-12 || meanLength != 5 {
		t.Fatalf("unexpected summary n=%d return=%f length=%f", n, meanReturn, meanLength)
	}
	if n, r, l := SummarizeEpisodes(nil); n != 0 || r != 0 || l != 0 {
		t.Fatalf("expected zero summary, got %d %f %f", n, r, l)
	}
}
