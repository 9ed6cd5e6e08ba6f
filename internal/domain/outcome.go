package domain

// Status tags which branch of an Outcome is populated.
type Status int

const (
	StatusSuccess Status = iota
	StatusNoMatch
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoMatch:
		return "no_match"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a failed recognition for the caller.
type ErrorKind int

const (
	KindInvalidInput ErrorKind = iota + 1
	KindUpstreamUnavailable
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Outcome is exactly one of Success, NoMatch or Failure.
type Outcome struct {
	Status Status
	Match  *MatchResult
	Kind   ErrorKind
	// Detail is safe to show to the caller; Err is for logs only.
	Detail string
	Err    error
}

// Success wraps a match.
func Success(m MatchResult) Outcome {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return Outcome{Status: StatusSuccess, Match: &m}
}

// NoMatch reports an empty catalogue.
func NoMatch() Outcome {
	return Outcome{Status: StatusNoMatch}
}

// Failure reports a failed stage.
func Failure(kind ErrorKind, detail string, err error) Outcome {
	return Outcome{Status: StatusFailure, Kind: kind, Detail: detail, Err: err}
}
