package engine

import (
	"fmt"
	"net/http"
)

// API error codes carried in the error envelope.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeVoiceNotFound    = "VOICE_NOT_FOUND"
	CodeJobNotFound      = "JOB_NOT_FOUND"
	CodeJobInProgress    = "JOB_IN_PROGRESS"
	CodeModelNotReady    = "MODEL_NOT_READY"
	CodeVoiceCloneFailed = "VOICE_CLONE_FAILED"
	CodeInvalidAudio     = "INVALID_AUDIO"
	CodeEmptyText        = "EMPTY_TEXT"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInferenceFailed  = "INFERENCE_FAILED"
)

// Error is an API-visible failure with a stable code and HTTP status.
// Details, when present, is a JSON object of structured context.
type Error struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s: %s %v", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// errDetails wraps an underlying error into the details object.
func errDetails(err error) map[string]any {
	return map[string]any{"reason": err.Error()}
}

func errInvalidRequest(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Status: http.StatusBadRequest, Message: msg}
}

func errVoiceNotFound(voiceID string) *Error {
	return &Error{
		Code:    CodeVoiceNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("voice %q not found", voiceID),
	}
}

func errJobNotFound(jobID string) *Error {
	return &Error{
		Code:    CodeJobNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("job %q not found", jobID),
	}
}
