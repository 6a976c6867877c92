package api

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Error codes returned in error bodies
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeScrapeInProgress = "SCRAPE_IN_PROGRESS"
	CodeInternal         = "INTERNAL_ERROR"
)

type envelope struct {
	Success   bool                `json:"success"`
	Message   string              `json:"message"`
	Data      any                 `json:"data,omitempty"`
	Errors    map[string][]string `json:"errors,omitempty"`
	ErrorCode string              `json:"error_code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Warnf("Failed to encode response: %v", err)
	}
}

func writeOK(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Message: message, ErrorCode: code})
}

func writeValidation(w http.ResponseWriter, message string, errs validationErrors) {
	writeJSON(w, http.StatusUnprocessableEntity, envelope{
		Message:   message,
		Errors:    errs,
		ErrorCode: CodeValidation,
	})
}
