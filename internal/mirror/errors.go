package mirror

import (
	"errors"
	"fmt"
)

// Kind classifies why a candidate strategy could not produce a mapping.
type Kind string

const (
	KindNotApplicable      Kind = "not-applicable"
	KindNotFound           Kind = "not-found"
	KindVersionUnavailable Kind = "version-unavailable"
	KindContentMismatch    Kind = "content-mismatch"
	KindNotPubliclyHosted  Kind = "not-publicly-hosted"
	KindNetworkFailure     Kind = "network-failure"
)

var (
	ErrNotApplicable      = &ResolveError{Kind: KindNotApplicable}
	ErrNotFound           = &ResolveError{Kind: KindNotFound}
	ErrVersionUnavailable = &ResolveError{Kind: KindVersionUnavailable}
	ErrContentMismatch    = &ResolveError{Kind: KindContentMismatch}
	ErrNotPubliclyHosted  = &ResolveError{Kind: KindNotPubliclyHosted}
	ErrNetworkFailure     = &ResolveError{Kind: KindNetworkFailure}
)

type ResolveError struct {
	Kind Kind
	// Path is the mirror or origin URL the failure is about, if any.
	Path string
	Err  error
}

func (e *ResolveError) Error() string {
	msg := string(e.Kind)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Is matches any *ResolveError of the same kind, so the package sentinels
// work with errors.Is.
func (e *ResolveError) Is(target error) bool {
	t, ok := target.(*ResolveError)
	return ok && t.Kind == e.Kind
}

func failf(kind Kind, path string, format string, args ...any) error {
	return &ResolveError{Kind: kind, Path: path, Err: fmt.Errorf(format, args...)}
}

func fail(kind Kind, path string, err error) error {
	return &ResolveError{Kind: kind, Path: path, Err: err}
}

// KindOf returns the classification of err, or KindNotFound for errors that
// did not come from a candidate strategy.
func KindOf(err error) Kind {
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNotFound
}
