package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrModelUnavailable reports a backend that could not be reached or answered
// with something that is not a model response.
type ErrModelUnavailable struct {
	Provider string
	Body     string
	Cause    error
}

func (e *ErrModelUnavailable) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("model %s unavailable: %v", e.Provider, e.Cause)
	case e.Body != "":
		return fmt.Sprintf("model %s unavailable: %s", e.Provider, e.Body)
	default:
		return fmt.Sprintf("model %s unavailable", e.Provider)
	}
}

func (e *ErrModelUnavailable) Unwrap() error { return e.Cause }

// ErrNoJSONObject is returned when a completion holds no decodable JSON object.
var ErrNoJSONObject = errors.New("no json object in model response")

// HandleError converts common SDK errors to user-friendly errors.
func HandleError(err error) error {
	if err == nil {
		return nil
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, "401", "403", "unauthorized", "invalid api key", "forbidden") {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if containsAny(errStr, "429", "rate limit", "quota", "too many requests") {
		return fmt.Errorf("rate limited: %w", err)
	}
	if containsAny(errStr, "context length", "too many tokens", "token limit") {
		return fmt.Errorf("context too long: %w", err)
	}
	if containsAny(errStr, "model not found", "404") {
		return fmt.Errorf("model not found: %w", err)
	}
	if containsAny(errStr, "deadline exceeded", "timeout") {
		return fmt.Errorf("model call timed out: %w", err)
	}
	if containsAny(errStr, "connection", "eof", "dial", "refused") {
		return fmt.Errorf("connection error: %w", err)
	}

	return err
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
