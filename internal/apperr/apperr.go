// Package apperr defines the typed errors engine operations return.
// Business-rule failures carry a stable code and an HTTP status so the
// API boundary can surface them unmodified.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New returns a typed error with the default 400 status.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: http.StatusBadRequest}
}

func NewWithStatus(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

func NotFound(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: http.StatusNotFound}
}

func Forbidden(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: http.StatusForbidden}
}

func TooManyRequests(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: http.StatusTooManyRequests}
}

// As unwraps err into *Error if it is one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err is a typed error with the given code.
func IsCode(err error, code string) bool {
	if e, ok := As(err); ok {
		return e.Code == code
	}
	return false
}

// Stable codes. Dispatch on these, never on message text.
const (
	CodeCommissionRequiredFields = "COMMISSION_REQUIRED_FIELDS"
	CodeCommissionRewardCap      = "COMMISSION_REWARD_CAP"
	CodeCommissionRateLimit      = "COMMISSION_RATE_LIMIT"
	CodeCommissionNotFound       = "COMMISSION_NOT_FOUND"
	CodeCommissionNotOwner       = "COMMISSION_NOT_OWNER"
	CodeCommissionCancelInvalid  = "COMMISSION_CANCEL_INVALID"
	CodeCommissionCancelWindow   = "COMMISSION_CANCEL_WINDOW"
	CodeCommissionIDInvalid      = "COMMISSION_ID_INVALID"
	CodeDraftNotFound            = "DRAFT_NOT_FOUND"
	CodeAgentNotFound            = "AGENT_NOT_FOUND"
	CodeSandboxLimitExceeded     = "SANDBOX_LIMIT_EXCEEDED"
	CodeBudgetExceeded           = "BUDGET_EXCEEDED"
	CodeAgentSignalLimited       = "AGENT_SIGNAL_LIMITED"
	CodePullRequestNotFound      = "PULL_REQUEST_NOT_FOUND"
	CodePullRequestNotPending    = "PULL_REQUEST_NOT_PENDING"
	CodePullRequestNotOwner      = "PULL_REQUEST_NOT_OWNER"
	CodeDraftNotOwner            = "DRAFT_NOT_OWNER"
	CodeValidation               = "VALIDATION_FAILED"
	CodeStakeInvalid             = "STAKE_INVALID"
)
