package knowledge

import "time"

// ExecutionStatus is the coarse outcome of one tool invocation.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionPartial ExecutionStatus = "partial"
)

// ParseStatus is the Parser Framework's partial-success outcome (spec
// §4.3). It is never raised as an error; it is always a field on an
// ExecutionRecord.
type ParseStatus string

const (
	ParseParsed      ParseStatus = "parsed"
	ParseFailed      ParseStatus = "parse_failed"
	ParseEmptyOutput ParseStatus = "empty_output"
)

// ExecutionRecord is the immutable audit row for one tool invocation. It
// is kept in a separate table and is never merged with knowledge
// entities; record_execution always commits, independent of the parse
// outcome.
type ExecutionRecord struct {
	ID              string
	ToolID          string
	StageID         string
	Target          string
	ExecutionStatus ExecutionStatus
	ParseStatus     ParseStatus
	StartedAt       time.Time
	CompletedAt     time.Time
	Duration        time.Duration
	RawStdoutPath   string
	RawStderrPath   string
	EntitiesCreated int
	ErrorMessage    string
}
