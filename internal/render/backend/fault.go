package backend

import (
	"errors"
	"fmt"
)

// FaultKind classifies renderer failures
type FaultKind int

const (
	// FaultOther is a generic or transient failure
	FaultOther FaultKind = iota
	// FaultOutOfMemory is a resource-class failure during decode or allocation
	FaultOutOfMemory
	// FaultMalformedPage is a deterministic data failure for one page
	FaultMalformedPage
	// FaultPageTooLarge means the requested output exceeds renderer limits
	FaultPageTooLarge
)

func (k FaultKind) String() string {
	switch k {
	case FaultOutOfMemory:
		return "out_of_memory"
	case FaultMalformedPage:
		return "malformed_page"
	case FaultPageTooLarge:
		return "page_too_large"
	default:
		return "other"
	}
}

// Sentinels matched by errors.Is against any *Fault of the same kind
var (
	ErrOutOfMemory   = errors.New("renderer out of memory")
	ErrMalformedPage = errors.New("malformed page")
	ErrPageTooLarge  = errors.New("page too large")
)

// ErrInvalidArgument is returned, wrapped, for requests no renderer could
// satisfy. It is not a Fault and never counts against the renderer.
var ErrInvalidArgument = errors.New("invalid render argument")

// Fault is the error type renderers return. SuggestedWidth and SuggestedScale
// are only meaningful for FaultPageTooLarge; zero means no suggestion.
type Fault struct {
	Kind           FaultKind
	SuggestedWidth int
	SuggestedScale float64
	Err            error
}

func (f *Fault) Error() string {
	msg := f.Kind.String()
	if f.Kind == FaultPageTooLarge {
		if f.SuggestedWidth > 0 {
			msg += fmt.Sprintf(" (suggested width %d)", f.SuggestedWidth)
		}
		if f.SuggestedScale > 0 {
			msg += fmt.Sprintf(" (suggested scale %.4g)", f.SuggestedScale)
		}
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Is lets errors.Is(err, ErrMalformedPage) and friends match on kind
func (f *Fault) Is(target error) bool {
	switch target {
	case ErrOutOfMemory:
		return f.Kind == FaultOutOfMemory
	case ErrMalformedPage:
		return f.Kind == FaultMalformedPage
	case ErrPageTooLarge:
		return f.Kind == FaultPageTooLarge
	}
	return false
}

// IsMemory reports whether the fault is resource-class
func (f *Fault) IsMemory() bool {
	return f.Kind == FaultOutOfMemory
}

func OutOfMemory(err error) *Fault {
	return &Fault{Kind: FaultOutOfMemory, Err: err}
}

func MalformedPage(err error) *Fault {
	return &Fault{Kind: FaultMalformedPage, Err: err}
}

func PageTooLargeWidth(suggestedWidth int, err error) *Fault {
	return &Fault{Kind: FaultPageTooLarge, SuggestedWidth: suggestedWidth, Err: err}
}

func PageTooLargeScale(suggestedScale float64, err error) *Fault {
	return &Fault{Kind: FaultPageTooLarge, SuggestedScale: suggestedScale, Err: err}
}

func Other(err error) *Fault {
	return &Fault{Kind: FaultOther, Err: err}
}

// Classify returns the *Fault carried by err, or wraps err as FaultOther.
// Returns nil for a nil error.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return Other(err)
}
