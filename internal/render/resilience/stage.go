package resilience

// Stage is the render operation a fault was raised from
type Stage int

const (
	StagePage Stage = iota
	StageTile
	StagePrefetch
	StagePageSize
)

func (s Stage) String() string {
	switch s {
	case StagePage:
		return "page"
	case StageTile:
		return "tile"
	case StagePrefetch:
		return "prefetch"
	case StagePageSize:
		return "page_size"
	default:
		return "unknown"
	}
}

// Outcome tells the caller of HandleCacheStress what to do next
type Outcome int

const (
	// OutcomeNone means the fault was not memory related and nothing changed
	OutcomeNone Outcome = iota
	// OutcomeRetry means caches were trimmed and the operation may be retried
	OutcomeRetry
	// OutcomeEscalated means the circuit breaker tripped and the primary
	// renderer should not be retried for this document
	OutcomeEscalated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeRetry:
		return "retry"
	case OutcomeEscalated:
		return "escalated"
	default:
		return "unknown"
	}
}
