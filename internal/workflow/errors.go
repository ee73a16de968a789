package workflow

import (
	"errors"
	"fmt"
)

// PermissionDenied means the actor's permission set does not authorize the
// requested transition. Message is the text shown to the caller.
type PermissionDenied struct {
	Action  string
	Message string
}

func (e PermissionDenied) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("You do not have permission to '%s'", e.Action)
}

// InvalidState means the proposal's flags make the transition meaningless,
// e.g. a Part B action before Part B was submitted.
type InvalidState struct {
	Message string
}

func (e InvalidState) Error() string { return e.Message }

// MissingApproverRecord means the ad-hoc approver branch was reached for a user
// who is not among the proposal's approvers, usually from a stale page.
type MissingApproverRecord struct {
	UserID string
}

func (e MissingApproverRecord) Error() string {
	return "There was a problem setting the status for this proposal"
}

// IsRejection reports whether err is an expected workflow outcome that should
// be shown to the user instead of being treated as a failure.
func IsRejection(err error) bool {
	var pd PermissionDenied
	var is InvalidState
	var ma MissingApproverRecord
	return errors.As(err, &pd) || errors.As(err, &is) || errors.As(err, &ma)
}

// RejectionKind names the rejection class for logs, metrics and JSON clients.
func RejectionKind(err error) string {
	var pd PermissionDenied
	var is InvalidState
	var ma MissingApproverRecord
	switch {
	case errors.As(err, &pd):
		return "permission_denied"
	case errors.As(err, &is):
		return "invalid_state"
	case errors.As(err, &ma):
		return "missing_approver_record"
	}
	return ""
}
