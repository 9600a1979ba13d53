package firestore

import (
	"encoding/json"
	"fmt"
)

// APIError is a structured error returned by the Firestore REST
// surface.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("firestore: %s (%d %s)", e.Message, e.StatusCode, e.Status)
	}
	return fmt.Sprintf("firestore: request failed (%d)", e.StatusCode)
}

func parseAPIError(statusCode int, body []byte) *APIError {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: statusCode}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Status = envelope.Error.Status
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}
