// Package cartpole is the public entry point for running cart-pole rollouts
// and reading back what they recorded.
package cartpole

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	cptask "vecenv/internal/cartpole"
	"vecenv/internal/config"
	"vecenv/internal/envs"
	"vecenv/internal/manager"
	"vecenv/internal/mdp"
	"vecenv/internal/model"
	"vecenv/internal/stats"
	"vecenv/internal/storage"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "vecenv.db"
	defaultSteps        = 1000

	StopCompleted = "completed"
	StopCanceled  = "canceled"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *log.Logger
}

type Client struct {
	store  storage.Store
	logger *log.Logger

	initMu      sync.Mutex
	initialized bool

	artifactsDir string
	exportsDir   string
}

// RunRequest describes one rollout. EnvFile, when set, replaces the task's
// built-in configuration with an environment file.
type RunRequest struct {
	RunID   string
	Task    string
	EnvFile string
	NumEnvs int
	Steps   int
	// ResetEvery issues a full reset every that many steps. Zero takes the
	// task default and a negative value disables it.
	ResetEvery int
	Seed       uint64
	ActionStd  float64
	// LogEvery logs the pole joint of instance 0 every that many steps.
	LogEvery int
}

type RunSummary struct {
	RunID             string
	Task              string
	ArtifactsDir      string
	StopReason        string
	StepsCompleted    int
	Episodes          int
	MeanEpisodeReturn float64
	MeanEpisodeLength float64
	RewardHistory     []float64
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID             string
	CreatedAtUTC      string
	Task              string
	NumEnvs           int
	Steps             int
	Seed              uint64
	StopReason        string
	Episodes          int
	MeanEpisodeReturn float64
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type EpisodesRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type RewardsRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type TaskItem struct {
	Name           string
	Description    string
	RL             bool
	DefaultNumEnvs int
	ResetEvery     int
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		logger:       logger,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Init prepares the store. Every other method calls it as needed.
func (c *Client) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

func (c *Client) Tasks() []TaskItem {
	names := cptask.TaskNames()
	out := make([]TaskItem, 0, len(names))
	for _, name := range names {
		task, err := cptask.LookupTask(name)
		if err != nil {
			continue
		}
		out = append(out, TaskItem{
			Name:           task.Name,
			Description:    task.Description,
			RL:             task.RL,
			DefaultNumEnvs: task.DefaultNumEnvs,
			ResetEvery:     task.ResetEvery,
		})
	}
	return out
}

// Terms lists the registered term functions per capability.
func (c *Client) Terms() map[string][]string {
	out := map[string][]string{}
	for _, capability := range []manager.Capability{
		manager.CapabilityObservation,
		manager.CapabilityAction,
		manager.CapabilityEvent,
		manager.CapabilityReward,
		manager.CapabilityTermination,
	} {
		out[capability.String()] = mdp.ListTerms(capability)
	}
	return out
}

// Run drives an environment with normally distributed actions and records
// every finished episode. Cancelling ctx stops the rollout between steps;
// what ran so far is still persisted and ctx.Err() is returned with the
// summary.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}
	req, cfg, rl, err := c.resolve(req)
	if err != nil {
		return RunSummary{}, err
	}

	env, err := openRollout(cfg, rl)
	if err != nil {
		return RunSummary{}, err
	}
	defer env.Close()

	startedAt := time.Now().UTC()
	rec := newRecorder()
	stopReason := StopCompleted
	numEnvs := env.base().NumEnvs()
	actionDim := env.base().ActionManager().TotalDim()
	rnd := rand.New(rand.NewPCG(req.Seed, req.Seed^0x6a09e667f3bcc909))
	dist := distuv.Normal{Mu: 0, Sigma: req.ActionStd, Src: rnd}

	steps := 0
	for ; steps < req.Steps; steps++ {
		if ctx.Err() != nil {
			stopReason = StopCanceled
			break
		}
		if req.ResetEvery > 0 && steps > 0 && steps%req.ResetEvery == 0 {
			commonStep := env.base().CommonStep()
			_, diag, err := env.base().Reset()
			if err != nil {
				return RunSummary{}, fmt.Errorf("reset at step %d: %w", steps, err)
			}
			rec.episodes(diag, commonStep, nil)
			c.logger.Printf("run %s: resetting the environment at step %d", req.RunID, steps)
		}

		action := mat.NewDense(numEnvs, actionDim, nil)
		action.Apply(func(_, _ int, _ float64) float64 { return dist.Rand() }, action)
		out, err := env.step(action)
		if err != nil {
			return RunSummary{}, fmt.Errorf("step %d: %w", steps, err)
		}
		if out.reward != nil {
			rec.rewards = append(rec.rewards, floats.Sum(out.reward.RawVector().Data)/float64(numEnvs))
		}
		rec.episodes(out.diag, env.base().CommonStep(), out.terminated)
		if req.LogEvery > 0 && steps%req.LogEvery == 0 {
			if pole, ok := poleJoint(out.obs); ok {
				c.logger.Printf("[env 0] pole joint: %.6f", pole)
			}
		}
	}

	count, meanReturn, meanLength := stats.SummarizeEpisodes(rec.records)
	run := model.RunRecord{
		VersionedRecord:   storage.Versioned(),
		ID:                req.RunID,
		Task:              req.Task,
		NumEnvs:           numEnvs,
		Steps:             req.Steps,
		ResetEvery:        req.ResetEvery,
		Seed:              req.Seed,
		StepDT:            cfg.StepDT(),
		StartedAt:         startedAt,
		FinishedAt:        time.Now().UTC(),
		StopReason:        stopReason,
		Episodes:          count,
		MeanEpisodeReturn: meanReturn,
		MeanEpisodeLength: meanLength,
	}
	runDir, err := c.persist(context.WithoutCancel(ctx), req, cfg, run, rec, steps)
	if err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{
		RunID:             run.ID,
		Task:              run.Task,
		ArtifactsDir:      filepath.Clean(runDir),
		StopReason:        stopReason,
		StepsCompleted:    steps,
		Episodes:          count,
		MeanEpisodeReturn: meanReturn,
		MeanEpisodeLength: meanLength,
		RewardHistory:     append([]float64(nil), rec.rewards...),
	}
	if stopReason == StopCanceled {
		return summary, ctx.Err()
	}
	return summary, nil
}

// resolve fills request defaults and builds the environment config. With an
// environment file and no task, the task defaults follow whether the file
// declares an RL environment.
func (c *Client) resolve(req RunRequest) (RunRequest, envs.Config, bool, error) {
	var (
		file    config.File
		hasFile = req.EnvFile != ""
	)
	if hasFile {
		var err error
		if file, err = config.Load(req.EnvFile); err != nil {
			return req, envs.Config{}, false, err
		}
		if req.Task == "" && !file.RL() {
			req.Task = cptask.TaskBase
		}
	}
	if req.Task == "" {
		req.Task = cptask.TaskRL
	}
	task, err := cptask.LookupTask(req.Task)
	if err != nil {
		return req, envs.Config{}, false, err
	}
	req.Task = task.Name
	if req.RunID == "" {
		req.RunID = "run-" + uuid.New().String()
	}
	if req.Steps <= 0 {
		req.Steps = defaultSteps
	}
	if req.ResetEvery == 0 {
		req.ResetEvery = task.ResetEvery
	}
	if req.ActionStd <= 0 {
		req.ActionStd = 1
	}

	var cfg envs.Config
	rl := task.RL
	if hasFile {
		if cfg, err = file.Build(nil, c.logger); err != nil {
			return req, envs.Config{}, false, err
		}
		rl = file.RL()
		if req.NumEnvs > 0 {
			cfg.Scene.NumEnvs = req.NumEnvs
		}
		if req.Seed == 0 {
			req.Seed = file.Seed
		}
	} else {
		if req.NumEnvs <= 0 {
			req.NumEnvs = task.DefaultNumEnvs
		}
		cfg = task.Config(req.NumEnvs)
		cfg.Logger = c.logger
	}
	cfg.Seed = req.Seed
	req.NumEnvs = cfg.Scene.NumEnvs
	return req, cfg, rl, nil
}

func (c *Client) persist(ctx context.Context, req RunRequest, cfg envs.Config, run model.RunRecord, rec *recorder, steps int) (string, error) {
	if err := c.store.SaveRun(ctx, run); err != nil {
		return "", err
	}
	if err := c.store.SaveEpisodes(ctx, run.ID, rec.records); err != nil {
		return "", err
	}
	if err := c.store.SaveRewardHistory(ctx, run.ID, rec.rewards); err != nil {
		return "", err
	}

	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:            run.ID,
			Task:             run.Task,
			EnvFile:          req.EnvFile,
			NumEnvs:          run.NumEnvs,
			Steps:            req.Steps,
			ResetEvery:       req.ResetEvery,
			Seed:             req.Seed,
			PhysicsDT:        cfg.PhysicsDT,
			Decimation:       cfg.Decimation,
			StepDT:           cfg.StepDT(),
			MaxEpisodeLength: cfg.MaxEpisodeLength(),
			ActionStd:        req.ActionStd,
		},
		Summary: stats.RunSummary{
			StopReason:        run.StopReason,
			StepsCompleted:    steps,
			Episodes:          run.Episodes,
			MeanEpisodeReturn: run.MeanEpisodeReturn,
			MeanEpisodeLength: run.MeanEpisodeLength,
			MeanStepReward:    meanOf(rec.rewards),
			EpisodeLog:        rec.meanLog(),
		},
		Episodes:      rec.records,
		RewardHistory: rec.rewards,
	})
	if err != nil {
		return "", err
	}
	if err := stats.AppendRunIndex(c.artifactsDir, stats.RunIndexEntry{
		RunID:             run.ID,
		Task:              run.Task,
		NumEnvs:           run.NumEnvs,
		Steps:             steps,
		Seed:              run.Seed,
		StopReason:        run.StopReason,
		Episodes:          run.Episodes,
		MeanEpisodeReturn: run.MeanEpisodeReturn,
		CreatedAtUTC:      run.StartedAt.Format(time.RFC3339Nano),
	}); err != nil {
		return "", err
	}
	return runDir, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:             e.RunID,
			CreatedAtUTC:      e.CreatedAtUTC,
			Task:              e.Task,
			NumEnvs:           e.NumEnvs,
			Steps:             e.Steps,
			Seed:              e.Seed,
			StopReason:        e.StopReason,
			Episodes:          e.Episodes,
			MeanEpisodeReturn: e.MeanEpisodeReturn,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID, err := c.pickRun(req.RunID, req.Latest, "export")
	if err != nil {
		return ExportSummary{}, err
	}
	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Episodes reads the finished episodes of a run from the store, falling back
// to the run's artifacts when the store does not hold it.
func (c *Client) Episodes(ctx context.Context, req EpisodesRequest) ([]model.EpisodeRecord, error) {
	if req.RunID != "" && req.Latest {
		return nil, errors.New("use either run id or latest")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.pickRun(req.RunID, req.Latest, "episodes")
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	episodes, ok, err := c.store.GetEpisodes(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if episodes, ok, err = stats.ReadEpisodes(c.artifactsDir, runID); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("episodes not found for run id: %s", runID)
	}
	if req.Limit > 0 && len(episodes) > req.Limit {
		episodes = episodes[:req.Limit]
	}
	return episodes, nil
}

// Rewards reads the per-step mean reward history of a run.
func (c *Client) Rewards(ctx context.Context, req RewardsRequest) ([]float64, error) {
	if req.RunID != "" && req.Latest {
		return nil, errors.New("use either run id or latest")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.pickRun(req.RunID, req.Latest, "rewards")
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	history, ok, err := c.store.GetRewardHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if history, ok, err = stats.ReadRewardSeries(c.artifactsDir, runID); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("reward history not found for run id: %s", runID)
	}
	if req.Limit > 0 && len(history) > req.Limit {
		history = history[:req.Limit]
	}
	return append([]float64(nil), history...), nil
}

func (c *Client) pickRun(runID string, latest bool, what string) (string, error) {
	if !latest {
		if runID == "" {
			return "", fmt.Errorf("%s requires run id or latest", what)
		}
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

// recorder collects finished episodes and the Episode_* log of every reset.
type recorder struct {
	records []model.EpisodeRecord
	rewards []float64
	logSums map[string]float64
	logHits map[string]int
}

func newRecorder() *recorder {
	return &recorder{logSums: map[string]float64{}, logHits: map[string]int{}}
}

// episodes records the instances reset in diag. terminated is nil for resets
// requested by the driver.
func (r *recorder) episodes(diag envs.Diagnostics, commonStep int, terminated []bool) {
	for k, v := range diag.Log {
		r.logSums[k] += v
		r.logHits[k]++
	}
	for j, id := range diag.ResetEnvIDs {
		length := 0
		if j < len(diag.EpisodeLengths) {
			length = diag.EpisodeLengths[j]
		}
		if length == 0 {
			continue
		}
		ep := model.EpisodeRecord{
			VersionedRecord: storage.Versioned(),
			EnvID:           id,
			Step:            commonStep,
			Length:          length,
			Reason:          model.EpisodeReset,
		}
		if j < len(diag.EpisodeReturns) {
			ep.Return = diag.EpisodeReturns[j]
		}
		switch {
		case terminated != nil && terminated[id]:
			ep.Reason = model.EpisodeTerminated
		case id < len(diag.TimeOuts) && diag.TimeOuts[id]:
			ep.Reason = model.EpisodeTimeOut
		}
		r.records = append(r.records, ep)
	}
}

func (r *recorder) meanLog() map[string]float64 {
	if len(r.logSums) == 0 {
		return nil
	}
	out := make(map[string]float64, len(r.logSums))
	for k, sum := range r.logSums {
		out[k] = sum / float64(r.logHits[k])
	}
	return out
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return floats.Sum(values) / float64(len(values))
}

// poleJoint reads the second policy column of instance 0, which is the pole
// joint for the cart-pole tasks.
func poleJoint(obs manager.Observations) (float64, bool) {
	group, ok := obs["policy"]
	if !ok || group.Tensor == nil {
		return 0, false
	}
	if _, cols := group.Tensor.Dims(); cols < 2 {
		return 0, false
	}
	return group.Tensor.At(0, 1), true
}
