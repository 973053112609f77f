package evaluation

import (
	"database/sql"
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
)

// Error is the typed failure returned by every Engine operation. Callers
// branch on Kind through errors.Is against the Err* sentinels and use Code
// to tell rejections of the same kind apart.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]string
	Err     error
}

var (
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
)

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind when target carries no code, and
// requires an exact code match otherwise.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeNotReviewer        = "NOT_REVIEWER"
	CodeNotAuthor          = "NOT_AUTHOR"
	CodeNotCurrentStep     = "NOT_CURRENT_STEP"
	CodeStepClosed         = "STEP_CLOSED"
	CodeAlreadyReviewed    = "ALREADY_REVIEWED"
	CodeNotAppealable      = "NOT_APPEALABLE"
	CodeStepNotCompleted   = "STEP_NOT_COMPLETED"
	CodeLaterStepCompleted = "LATER_STEP_COMPLETED"
	CodeDocumentGated      = "DOCUMENT_GATED"
	CodeNotSignStep        = "NOT_SIGN_STEP"
	CodeDocumentExists     = "DOCUMENT_EXISTS"
	CodeTemplateArchived   = "TEMPLATE_ARCHIVED"
	CodeWorkspaceMismatch  = "WORKSPACE_MISMATCH"
	CodeProposalArchived   = "PROPOSAL_ARCHIVED"
	CodeProposalDraft      = "PROPOSAL_DRAFT"
	CodeAlreadyPublished   = "ALREADY_PUBLISHED"
	CodeNoWorkflow         = "NO_WORKFLOW"
	CodeWorkflowMismatch   = "WORKFLOW_MISMATCH"
)

func invalidInput(message string, details map[string]string) *Error {
	return &Error{Kind: KindInvalidInput, Code: CodeValidation, Message: message, Details: details}
}

func notFound(what string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: what + " not found"}
}

func conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func unauthorized(code, message string) *Error {
	return &Error{Kind: KindUnauthorized, Code: code, Message: message}
}

// lookupErr turns a missing row into a NotFound error and wraps anything else.
func lookupErr(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		nf := notFound(what)
		nf.Err = err
		return nf
	}
	return fmt.Errorf("load %s: %w", what, err)
}
