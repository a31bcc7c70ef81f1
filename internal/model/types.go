package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RunRecord summarizes one rollout of a task.
type RunRecord struct {
	VersionedRecord
	ID         string    `json:"id"`
	Task       string    `json:"task"`
	NumEnvs    int       `json:"num_envs"`
	Steps      int       `json:"steps"`
	ResetEvery int       `json:"reset_every"`
	Seed       uint64    `json:"seed"`
	StepDT     float64   `json:"step_dt"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// StopReason is "completed" or "canceled".
	StopReason        string  `json:"stop_reason"`
	Episodes          int     `json:"episodes"`
	MeanEpisodeReturn float64 `json:"mean_episode_return"`
	MeanEpisodeLength float64 `json:"mean_episode_length"`
}

// Episode end reasons.
const (
	EpisodeTerminated = "terminated"
	EpisodeTimeOut    = "time_out"
	EpisodeReset      = "reset"
)

// EpisodeRecord is one finished episode of one instance.
type EpisodeRecord struct {
	VersionedRecord
	EnvID  int     `json:"env_id"`
	Step   int     `json:"step"`
	Length int     `json:"length"`
	Return float64 `json:"return"`
	Reason string  `json:"reason"`
}
