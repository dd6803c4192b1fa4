package workflow

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	// ErrTransitionInFlight is returned when a transition for the same entity
	// is already awaiting its persist call.
	ErrTransitionInFlight = errors.New("a transition for this entity is already in progress")
	// ErrStoreClosed is returned by Apply after the store's scope has ended.
	ErrStoreClosed = errors.New("workflow store closed")
	// ErrNotLoaded is returned when Apply targets an id absent from the cache.
	ErrNotLoaded = errors.New("entity not loaded in workflow store")

	// ErrSessionExpired marks a 401 from a remote API.
	ErrSessionExpired = errors.New("session expired")
	// ErrNotFound marks a 404 from a remote API.
	ErrNotFound = errors.New("entity not found")
)

// ValidationError is a pre-flight failure. It is raised before any network
// call and carries one message per offending field.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records another field failure and returns the receiver.
func (e *ValidationError) Add(field, msg string) *ValidationError {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
	return e
}

// TransitionError reports a requested edge that is absent from an entity's
// state machine.
type TransitionError struct {
	Kind string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition from %s to %s", e.Kind, e.From, e.To)
}

// IsInvalidTransition reports whether err is a TransitionError or a 409 from
// the server.
func IsInvalidTransition(err error) bool {
	var te *TransitionError
	if errors.As(err, &te) {
		return true
	}
	var re *RemoteError
	return errors.As(err, &re) && re.Status == http.StatusConflict
}

// DenialError is an authorization denial from the transition guard. It is a
// client-side convenience; the server re-checks every rule.
type DenialError struct {
	Reason string
}

func (e *DenialError) Error() string {
	return "transition not permitted: " + e.Reason
}

// RemoteError wraps a non-2xx response or a transport failure. Status is 0
// for transport failures.
type RemoteError struct {
	Status  int
	Message string
	Fields  map[string]string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("remote call failed: %v", e.Err)
	}
	if e.Message == "" {
		return fmt.Sprintf("remote call failed with status %d", e.Status)
	}
	return fmt.Sprintf("remote call failed with status %d: %s", e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrSessionExpired
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// IsValidation reports whether err is a pre-flight validation failure or a
// 400 returned by the server.
func IsValidation(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var re *RemoteError
	return errors.As(err, &re) && re.Status == http.StatusBadRequest
}

// IsDenial reports whether err is a guard denial or a 403 from the server.
func IsDenial(err error) bool {
	var de *DenialError
	if errors.As(err, &de) {
		return true
	}
	var re *RemoteError
	return errors.As(err, &re) && re.Status == http.StatusForbidden
}
