package store

import (
	"time"
)

// SuiteRun is one persisted suite execution.
type SuiteRun struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SessionID   string    `gorm:"uniqueIndex;not null" json:"session_id"`
	Status      string    `gorm:"not null" json:"status"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Hostname    string    `json:"hostname,omitempty"`
	ResultCount int       `json:"result_count"`
	CreatedAt   time.Time `json:"created_at"`

	Results []TestResultRecord `gorm:"foreignKey:SuiteRunID" json:"results,omitempty"`
	Repos   []RepoSubtotal     `gorm:"foreignKey:SuiteRunID" json:"repos,omitempty"`
}

// RepoSubtotal is a persisted per-repository summary.
type RepoSubtotal struct {
	ID                  uint    `gorm:"primaryKey" json:"id"`
	SuiteRunID          uint    `gorm:"index;not null" json:"-"`
	RepoID              string  `gorm:"not null" json:"repo_id"`
	SessionID           string  `json:"session_id"`
	State               string  `json:"state"`
	IndexError          string  `json:"index_error,omitempty"`
	Attempted           int     `json:"attempted"`
	Succeeded           int     `json:"succeeded"`
	Failed              int     `json:"failed"`
	MeanDurationSeconds float64 `json:"mean_duration_seconds"`
}

// TestResultRecord is one persisted test invocation outcome. Output is
// the structured payload re-serialized as JSON; raw streams are kept so
// parse anomalies can be reclassified later.
type TestResultRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	SuiteRunID      uint      `gorm:"index;not null" json:"-"`
	SessionID       string    `gorm:"index" json:"session_id"`
	RepoID          string    `gorm:"index;not null" json:"repo_id"`
	InputFile       string    `gorm:"not null" json:"input_file"`
	RunNumber       int       `gorm:"not null" json:"run_number"`
	Success         bool      `json:"success"`
	DurationSeconds float64   `json:"duration_seconds"`
	Output          string    `json:"output,omitempty"`
	RawStdout       string    `json:"raw_stdout,omitempty"`
	RawStderr       string    `json:"raw_stderr,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
