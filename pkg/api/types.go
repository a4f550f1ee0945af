package api

import (
	"fmt"
	"time"
)

// v0 contains public types shared by the generator stages.

// JobSpec is one randomized sample: an airfoil and a freestream. It is drawn
// once by the sampler and never modified afterwards.
type JobSpec struct {
	Index        int     `json:"index" yaml:"index"`
	Geometry     string  `json:"geometry" yaml:"geometry"`
	GeometryPath string  `json:"geometry_path" yaml:"geometry_path"`
	Angle        float64 `json:"angle" yaml:"angle"`
	Length       float64 `json:"length" yaml:"length"`
	InflowX      float64 `json:"inflow_x" yaml:"inflow_x"`
	InflowY      float64 `json:"inflow_y" yaml:"inflow_y"`
}

// ID is the workspace-safe identifier of the job.
func (s JobSpec) ID() string { return fmt.Sprintf("job-%07d", s.Index) }

type JobState string

const (
	JobPending     JobState = "pending"
	JobStaging     JobState = "staging"
	JobSolving     JobState = "solving"
	JobRasterizing JobState = "rasterizing"
	JobPersisted   JobState = "persisted"
	JobAbandoned   JobState = "abandoned"
)

// IsTerminal reports whether no further transition is possible from s.
func IsTerminal(s JobState) bool {
	return s == JobPersisted || s == JobAbandoned
}

// CanTransition reports whether a job may move from one state to another.
// Pending may jump straight to persisted when the artifact already exists.
func CanTransition(from, to JobState) bool {
	if IsTerminal(from) {
		return false
	}
	if to == JobAbandoned {
		return true
	}
	switch from {
	case JobPending:
		return to == JobStaging || to == JobPersisted
	case JobStaging:
		return to == JobSolving
	case JobSolving:
		return to == JobRasterizing
	case JobRasterizing:
		return to == JobPersisted
	default:
		return false
	}
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCanceled  RunStatus = "canceled"
	RunAborted   RunStatus = "aborted"
)

// RunSummary is the batch-level outcome reported to the user and stored in
// the ledger.
type RunSummary struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	Seed       uint64    `json:"seed" yaml:"seed"`
	Resolution int       `json:"resolution" yaml:"resolution"`
	Requested  int       `json:"requested" yaml:"requested"`
	Persisted  int       `json:"persisted" yaml:"persisted"`
	Skipped    int       `json:"skipped" yaml:"skipped"`
	Abandoned  int       `json:"abandoned" yaml:"abandoned"`
	Status     RunStatus `json:"status" yaml:"status"`
	Started    time.Time `json:"started" yaml:"started"`
	Finished   time.Time `json:"finished,omitempty" yaml:"finished,omitempty"`
}

// Completed is the number of jobs that reached a terminal state.
func (s RunSummary) Completed() int { return s.Persisted + s.Skipped + s.Abandoned }
