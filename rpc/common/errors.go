package common

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

// Code classifies every error that can cross a node or client boundary.
type Code uint8

const (
	CodeOK               Code = iota // 0: no error
	CodeProtocolMismatch             // 1: incompatible message schema version, non-retryable
	CodeStaleRouting                 // 2: request was routed with an outdated partition map generation
	CodeNotLeader                    // 3: contacted replica is not the partition leader
	CodeUnavailable                  // 4: no quorum reachable for the partition
	CodeTimeout                      // 5: deadline expired, outcome unknown
	CodeConflictingTerm              // 6: internal step-down signal, never sent to clients
	CodeInternal                     // 7: unclassified internal failure
)

// String returns the wire name of a Code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeProtocolMismatch:
		return "protocol_mismatch"
	case CodeStaleRouting:
		return "stale_routing"
	case CodeNotLeader:
		return "not_leader"
	case CodeUnavailable:
		return "unavailable"
	case CodeTimeout:
		return "timeout"
	case CodeConflictingTerm:
		return "conflicting_term"
	case CodeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Retryable reports whether a caller may retry after seeing this code.
// Timeout is deliberately excluded: the outcome of a timed-out write is
// unknown and the caller must re-query instead of blindly retrying.
func (c Code) Retryable() bool {
	switch c {
	case CodeStaleRouting, CodeNotLeader, CodeUnavailable:
		return true
	default:
		return false
	}
}

// --------------------------------------------------------------------------
// Error Type
// --------------------------------------------------------------------------

// Error is the typed error exchanged between nodes and returned to clients.
// LeaderHint is set for CodeNotLeader when the current leader is known,
// Generation for CodeStaleRouting so the caller can refresh its routing.
type Error struct {
	Code       Code
	Msg        string
	LeaderHint string
	Generation uint64
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeNotLeader:
		if e.LeaderHint != "" {
			return fmt.Sprintf("%s: leader is %s", e.Code, e.LeaderHint)
		}
		return fmt.Sprintf("%s: leader unknown", e.Code)
	case CodeStaleRouting:
		return fmt.Sprintf("%s: current generation is %d", e.Code, e.Generation)
	}
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// NewError creates an Error with the given code and message.
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// NewErrorf creates an Error with a formatted message.
func NewErrorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// NewNotLeader creates a redirect error carrying the known leader address,
// which may be empty if no leader is currently known.
func NewNotLeader(leaderHint string) *Error {
	return &Error{Code: CodeNotLeader, LeaderHint: leaderHint}
}

// NewStaleRouting creates a routing error carrying the current map generation.
func NewStaleRouting(current uint64) *Error {
	return &Error{Code: CodeStaleRouting, Generation: current}
}

// --------------------------------------------------------------------------
// Inspection Helpers
// --------------------------------------------------------------------------

// CodeOf extracts the Code from err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}

// LeaderHintOf returns the leader hint of a CodeNotLeader error, if any.
func LeaderHintOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeNotLeader {
		return e.LeaderHint
	}
	return ""
}

// GenerationOf returns the generation hint of a CodeStaleRouting error.
func GenerationOf(err error) (uint64, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeStaleRouting {
		return e.Generation, true
	}
	return 0, false
}
