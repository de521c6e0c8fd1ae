package storage

import "time"

// Execution is one row of the execution audit log.
type Execution struct {
	ID          string     `json:"id" db:"id"`
	Tool        string     `json:"tool" db:"tool"`
	Language    string     `json:"language" db:"language"`
	Backend     string     `json:"backend" db:"backend"`
	CodeHash    string     `json:"code_hash" db:"code_hash"`
	Outcome     string     `json:"outcome" db:"outcome"` // completed, timed_out, environment_unavailable, ...
	ExitCode    int        `json:"exit_code" db:"exit_code"`
	Output      string     `json:"output,omitempty" db:"output"`
	Stderr      string     `json:"stderr,omitempty" db:"stderr"`
	Reason      string     `json:"reason,omitempty" db:"reason"`
	DurationMS  int64      `json:"duration_ms" db:"duration_ms"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	Detections []Detection `json:"detections,omitempty" db:"-"`
}

// Detection stores a suspicious pattern found in code or output.
type Detection struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Source      string    `json:"source" db:"source"` // code or output
	Pattern     string    `json:"pattern" db:"pattern"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	Line        int       `json:"line,omitempty" db:"line"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Tool     string
	Language string
	Outcome  string
	Limit    int
	Offset   int
}
