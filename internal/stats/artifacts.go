package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"vecenv/internal/model"
)

const runIndexFile = "run_index.json"

var runFiles = []string{"config.json", "summary.json", "episodes.json", "rewards.csv"}

type RunConfig struct {
	RunID            string  `json:"run_id"`
	Task             string  `json:"task"`
	EnvFile          string  `json:"env_file,omitempty"`
	NumEnvs          int     `json:"num_envs"`
	Steps            int     `json:"steps"`
	ResetEvery       int     `json:"reset_every"`
	Seed             uint64  `json:"seed"`
	PhysicsDT        float64 `json:"physics_dt"`
	Decimation       int     `json:"decimation"`
	StepDT           float64 `json:"step_dt"`
	MaxEpisodeLength int     `json:"max_episode_length"`
	ActionStd        float64 `json:"action_std"`
}

type RunSummary struct {
	StopReason        string             `json:"stop_reason"`
	StepsCompleted    int                `json:"steps_completed"`
	Episodes          int                `json:"episodes"`
	MeanEpisodeReturn float64            `json:"mean_episode_return"`
	MeanEpisodeLength float64            `json:"mean_episode_length"`
	MeanStepReward    float64            `json:"mean_step_reward"`
	EpisodeLog        map[string]float64 `json:"episode_log,omitempty"`
}

// RunArtifacts is everything a rollout leaves on disk. RewardHistory holds
// the batch mean reward of every step.
type RunArtifacts struct {
	Config        RunConfig             `json:"config"`
	Summary       RunSummary            `json:"summary"`
	Episodes      []model.EpisodeRecord `json:"episodes"`
	RewardHistory []float64             `json:"reward_history"`
}

type RunIndexEntry struct {
	RunID             string  `json:"run_id"`
	Task              string  `json:"task"`
	NumEnvs           int     `json:"num_envs"`
	Steps             int     `json:"steps"`
	Seed              uint64  `json:"seed"`
	StopReason        string  `json:"stop_reason"`
	Episodes          int     `json:"episodes"`
	MeanEpisodeReturn float64 `json:"mean_episode_return"`
	CreatedAtUTC      string  `json:"created_at_utc"`
}

// SummarizeEpisodes returns the count and the mean return and length of
// episodes. Means of an empty slice are zero.
func SummarizeEpisodes(episodes []model.EpisodeRecord) (int, float64, float64) {
	if len(episodes) == 0 {
		return 0, 0, 0
	}
	returns := make([]float64, len(episodes))
	lengths := make([]float64, len(episodes))
	for i, ep := range episodes {
		returns[i] = ep.Return
		lengths[i] = float64(ep.Length)
	}
	return len(episodes), stat.Mean(returns, nil), stat.Mean(lengths, nil)
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "summary.json"), artifacts.Summary); err != nil {
		return "", err
	}
	episodes := artifacts.Episodes
	if episodes == nil {
		episodes = []model.EpisodeRecord{}
	}
	if err := writeJSON(filepath.Join(runDir, "episodes.json"), episodes); err != nil {
		return "", err
	}
	if err := WriteRewardSeries(runDir, artifacts.RewardHistory); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Later appends win ties.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, file := range runFiles {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, "config.json"), &cfg)
	return cfg, ok, err
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	var summary RunSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, "summary.json"), &summary)
	return summary, ok, err
}

func ReadEpisodes(baseDir, runID string) ([]model.EpisodeRecord, bool, error) {
	var episodes []model.EpisodeRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, "episodes.json"), &episodes)
	return episodes, ok, err
}

func WriteRewardSeries(runDir string, history []float64) error {
	file, err := os.Create(filepath.Join(runDir, "rewards.csv"))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"step", "mean_reward"}); err != nil {
		return err
	}
	for i, r := range history {
		if err := writer.Write([]string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(r, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadRewardSeries(baseDir, runID string) ([]float64, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, "rewards.csv"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 || strings.TrimSpace(header[1]) != "mean_reward" {
		return nil, false, fmt.Errorf("reward series header must be step,mean_reward")
	}

	series := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
