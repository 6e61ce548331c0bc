package app

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason is the machine readable tag of a client error.
type Reason string

const (
	InvalidRequest     Reason = "invalid_request"
	InvalidFormat      Reason = "invalid_format"
	InvalidManifest    Reason = "invalid_manifest"
	NoPermission       Reason = "no_permission"
	UserNotFound       Reason = "user_not_found"
	TokenNotFound      Reason = "token_not_found"
	PackageNotFound    Reason = "package_not_found"
	DependencyNotFound Reason = "dependency_not_found"
	AlreadyExists      Reason = "already_exists"
	AlreadyYanked      Reason = "already_yanked"
	NotYanked          Reason = "not_yanked"
)

// HumanError is an error caused by the request itself. Its message is shown
// to the client as is.
type HumanError struct {
	Reason  Reason
	Message string
}

func (e *HumanError) Error() string {
	return string(e.Reason) + ": " + e.Message
}

// Human creates a HumanError with a formatted message.
func Human(reason Reason, format string, args ...interface{}) error {
	return &HumanError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// AsHuman finds a HumanError in err's chain.
func AsHuman(err error) (*HumanError, bool) {
	var human *HumanError
	if errors.As(err, &human) {
		return human, true
	}
	return nil, false
}

// APIError is the JSON body of every failed response.
type APIError struct {
	Status      int    `json:"-"`
	Reason      string `json:"error"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	return e.Description
}

func (e *APIError) StatusCode() int {
	return e.Status
}

const internalErrorDescription = "registry internal error"

// InternalServerError hides err from the client.
func InternalServerError() *APIError {
	return &APIError{
		Status:      http.StatusInternalServerError,
		Reason:      "internal_error",
		Description: internalErrorDescription,
	}
}

func BadRequest(human *HumanError) *APIError {
	return &APIError{
		Status:      http.StatusBadRequest,
		Reason:      string(human.Reason),
		Description: human.Message,
	}
}
