// Package parsers implements the Parser Framework (spec §4.3): each
// registered tool binds to a Parser that turns raw tool output into
// typed entities. A parser that panics or returns an error never
// mutates the Knowledge Store — the Coordinator translates that into a
// ParseFailed ExecutionRecord instead (spec §9: exceptions inside
// parsers are caught at the parser boundary, never crossing it).
package parsers

import (
	"github.com/sentryctl/sentryctl/internal/knowledge"
)

// Context carries everything a parser needs beyond the raw bytes: the
// tool that produced the output, the target it ran against, the argv it
// was invoked with, and any upstream entity ids the caller already knows
// (e.g. the host id a port-scan parser should attach ports to).
type Context struct {
	ToolID        string
	Target        string
	Argv          []string
	UpstreamHost  string // entityid.Host(...) of the scanned host, if known
	UpstreamPort  string // entityid.Service(...) id that produced entities attach to, if known
	DiscoveredBy  string // tool id, echoed onto every produced entity
}

// Result is the output of a single parser invocation.
type Result struct {
	Entities      []knowledge.Entity
	Relationships []knowledge.Relationship
	Metadata      map[string]string
	// Errors collects non-fatal parse warnings (e.g. a line that didn't
	// match any known pattern); a non-empty Errors slice does not by
	// itself mean the parse failed — EntitiesCreated still determines
	// EmptyOutput vs Parsed.
	Errors []string
}

// Parser is the contract every registered tool binds to.
type Parser interface {
	// Parse turns raw tool output into a Result. Implementations may
	// panic on malformed input; callers MUST recover and translate that
	// into ParseFailed (see Safe).
	Parse(raw []byte, ctx Context) (Result, error)
}

// ParserFunc adapts a plain function to the Parser interface.
type ParserFunc func(raw []byte, ctx Context) (Result, error)

// Parse implements Parser.
func (f ParserFunc) Parse(raw []byte, ctx Context) (Result, error) { return f(raw, ctx) }

// Safe wraps p so that a panic inside Parse is recovered and surfaced as
// a regular error, matching the partial-success policy: a raised
// exception inside a parser becomes a parse failure, never a crash that
// escapes to the Coordinator.
func Safe(p Parser) Parser {
	return ParserFunc(func(raw []byte, ctx Context) (res Result, err error) {
		defer func() {
			if r := recover(); r != nil {
				res = Result{}
				err = &PanicError{Recovered: r}
			}
		}()
		return p.Parse(raw, ctx)
	})
}

// PanicError wraps a recovered panic value from inside a parser.
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string {
	return "parsers: parser panicked"
}

// NoopParser is bound to tools that have no structured output yet; it
// always yields an empty Result, so the ExecutionRecord's parse status
// resolves to EmptyOutput rather than Parsed.
var NoopParser Parser = ParserFunc(func(raw []byte, ctx Context) (Result, error) {
	return Result{}, nil
})
