package api

import "code-executor/internal/storage"

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Backend          string `json:"backend"`
	Database         bool   `json:"database"`
	ActiveExecutions int64  `json:"active_executions"`
	Uptime           string `json:"uptime"`
}

// ExecutionListResponse wraps a page of audit records.
type ExecutionListResponse struct {
	Executions []storage.Execution `json:"executions"`
	Count      int                 `json:"count"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
}

// LanguagesResponse lists the accepted languages and their images.
type LanguagesResponse struct {
	Languages []string `json:"languages"`
	Images    []string `json:"images"`
}
