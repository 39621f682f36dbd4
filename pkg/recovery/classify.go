package recovery

import (
	"errors"
	"strings"

	"github.com/autoflow/autoflow/pkg/workflow"
)

// Typed is implemented by errors that know their own recovery classification.
type Typed interface {
	ErrorType() ErrorType
}

// Classify returns the error type of err. Structured errors are classified by
// their type or code; anything else by case-insensitive text matching.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeGeneric
	}

	var typed Typed
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}

	var nodeErr *workflow.NodeError
	if errors.As(err, &nodeErr) && nodeErr.IsTimeout() {
		return ErrorTypeTimeout
	}

	switch workflow.CodeOf(err) {
	case workflow.ErrCodePermissionDenied:
		return ErrorTypePermission
	case workflow.ErrCodeNetwork, workflow.ErrCodeRateLimited:
		return ErrorTypeNetwork
	case workflow.ErrCodeTimeout:
		return ErrorTypeTimeout
	case workflow.ErrCodeNotFound:
		return ErrorTypeNotFound
	}

	return ClassifyText(err.Error())
}

// ClassifyText classifies a bare error message.
func ClassifyText(msg string) ErrorType {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "access denied"):
		return ErrorTypePermission
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"):
		return ErrorTypeNetwork
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return ErrorTypeTimeout
	case strings.Contains(msg, "not found"):
		return ErrorTypeNotFound
	default:
		return ErrorTypeGeneric
	}
}
