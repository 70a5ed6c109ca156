package protocol

import (
	"errors"
	"fmt"
)

// ExitCode is the numeric result surfaced for every handled message.
type ExitCode uint32

const (
	ExitOK ExitCode = 0

	ExitUnauthorized           ExitCode = 100
	ExitInsufficientValue      ExitCode = 101
	ExitCategoryNotFound       ExitCode = 102
	ExitCategoryInactive       ExitCode = 103
	ExitDuplicateCategory      ExitCode = 104
	ExitDeletionNotAllowed     ExitCode = 105
	ExitAllAdminRestriction    ExitCode = 106
	ExitFreelancerNotFound     ExitCode = 107
	ExitAlreadyResponded       ExitCode = 108
	ExitDeadlineNotReached     ExitCode = 109
	ExitDeadlinePassed         ExitCode = 110
	ExitInvalidStateTransition ExitCode = 111
	ExitInvalidArgument        ExitCode = 112
	ExitAlreadyVoted           ExitCode = 113
	ExitNotFound               ExitCode = 114
	ExitDuplicateLanguage      ExitCode = 115
	ExitUnknownLanguage        ExitCode = 116
	ExitAdvisory               ExitCode = 117

	// ExitInsufficientFunds is raised by the runtime when an actor tries to send
	// more than it holds.
	ExitInsufficientFunds ExitCode = 200
	ExitUnknownOp         ExitCode = 0xffff
	ExitGeneric           ExitCode = 0xfffe
)

var exitNames = map[ExitCode]string{
	ExitOK:                     "ok",
	ExitUnauthorized:           "unauthorized",
	ExitInsufficientValue:      "insufficient value",
	ExitCategoryNotFound:       "category not found",
	ExitCategoryInactive:       "category inactive",
	ExitDuplicateCategory:      "duplicate category",
	ExitDeletionNotAllowed:     "deletion not allowed",
	ExitAllAdminRestriction:    "all admin restriction",
	ExitFreelancerNotFound:     "freelancer not found",
	ExitAlreadyResponded:       "already responded",
	ExitDeadlineNotReached:     "deadline not reached",
	ExitDeadlinePassed:         "deadline passed",
	ExitInvalidStateTransition: "invalid state transition",
	ExitInvalidArgument:        "invalid argument",
	ExitAlreadyVoted:           "already voted",
	ExitNotFound:               "not found",
	ExitDuplicateLanguage:      "duplicate language",
	ExitUnknownLanguage:        "unknown language",
	ExitAdvisory:               "advisory",
	ExitInsufficientFunds:      "insufficient funds",
	ExitUnknownOp:              "unknown op",
	ExitGeneric:                "generic failure",
}

func (c ExitCode) String() string {
	if name, ok := exitNames[c]; ok {
		return name
	}
	return fmt.Sprintf("exit %d", uint32(c))
}

// Error is a handler failure carrying its exit code.
type Error struct {
	Code ExitCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("protocol: %s (%d)", e.Code, uint32(e.Code))
	}
	return fmt.Sprintf("protocol: %s (%d): %s", e.Code, uint32(e.Code), e.Msg)
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

var (
	ErrUnauthorized           = &Error{Code: ExitUnauthorized}
	ErrInsufficientValue      = &Error{Code: ExitInsufficientValue}
	ErrCategoryNotFound       = &Error{Code: ExitCategoryNotFound}
	ErrCategoryInactive       = &Error{Code: ExitCategoryInactive}
	ErrDuplicateCategory      = &Error{Code: ExitDuplicateCategory}
	ErrDeletionNotAllowed     = &Error{Code: ExitDeletionNotAllowed}
	ErrAllAdminRestriction    = &Error{Code: ExitAllAdminRestriction}
	ErrFreelancerNotFound     = &Error{Code: ExitFreelancerNotFound}
	ErrAlreadyResponded       = &Error{Code: ExitAlreadyResponded}
	ErrDeadlineNotReached     = &Error{Code: ExitDeadlineNotReached}
	ErrDeadlinePassed         = &Error{Code: ExitDeadlinePassed}
	ErrInvalidStateTransition = &Error{Code: ExitInvalidStateTransition}
	ErrInvalidArgument        = &Error{Code: ExitInvalidArgument}
	ErrAlreadyVoted           = &Error{Code: ExitAlreadyVoted}
	ErrNotFound               = &Error{Code: ExitNotFound}
	ErrDuplicateLanguage      = &Error{Code: ExitDuplicateLanguage}
	ErrUnknownLanguage        = &Error{Code: ExitUnknownLanguage}
	ErrAdvisory               = &Error{Code: ExitAdvisory}
	ErrInsufficientFunds      = &Error{Code: ExitInsufficientFunds}
	ErrUnknownOp              = &Error{Code: ExitUnknownOp}
)

// Errorf builds a coded error with context.
func Errorf(code ExitCode, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// MessageOf is the detail of err without the code prefix Error adds, so the
// pair (CodeOf, MessageOf) rebuilds the same *Error.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if pe, ok := err.(*Error); ok {
		return pe.Msg
	}
	return err.Error()
}

// CodeOf maps an error to the exit code reported for it.
func CodeOf(err error) ExitCode {
	if err == nil {
		return ExitOK
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ExitGeneric
}
