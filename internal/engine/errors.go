package engine

// Code is the fixed, machine-readable error code exposed to callers outside
// the engine. Raw upstream error text never crosses this boundary; it stays
// in logs.
type Code string

const (
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeCircuitOpen         Code = "CIRCUIT_OPEN"
	CodeSourceTimeout       Code = "SOURCE_TIMEOUT"
	CodeSourceError         Code = "SOURCE_ERROR"
	CodeAllSourcesExhausted Code = "ALL_SOURCES_EXHAUSTED"
	CodeDeadlineExceeded    Code = "DEADLINE_EXCEEDED"
	CodeNoCandidates        Code = "NO_CANDIDATES"
)

// Error is a sanitized engine error: a fixed code plus a short category.
type Error struct {
	Code     Code
	Category string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Category
}

// The only errors that cross the engine boundary. Per-source failures are
// handled internally by falling through; AllSourcesExhausted is returned as
// a typed unavailable result, not an error.
var (
	ErrDeadlineExceeded = &Error{Code: CodeDeadlineExceeded, Category: "overall deadline exceeded"}
	ErrNoCandidates     = &Error{Code: CodeNoCandidates, Category: "no sources support the requested capability"}
)
