package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeConfig    = "CONFIG_ERROR"
	ErrCodeScan      = "SCAN_ERROR"
	ErrCodeState     = "STATE_ERROR"
	ErrCodeUpload    = "UPLOAD_ERROR"
	ErrCodeDelete    = "DELETE_ERROR"
	ErrCodeResolve   = "RESOLVE_ERROR"
	ErrCodeNetwork   = "NETWORK_ERROR"
	ErrCodeRateLimit = "RATE_LIMIT"
)

// Sentinel errors
var (
	ErrMissingAPIKey    = errors.New("api key is required")
	ErrSourceNotFound   = errors.New("source directory not found")
	ErrStoreNotFound    = errors.New("file search store not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrOperationTimeout = errors.New("operation did not complete in time")
	ErrOperationFailed  = errors.New("operation failed")
	ErrIDNotResolved    = errors.New("remote document id not resolved")
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrRateLimited      = errors.New("rate limited")
)

// APIError represents an error from the API.
//
// Google APIs return {"error": {"code": 404, "message": "...", "status": "NOT_FOUND"}};
// Code holds the status string.
type APIError struct {
	Code       string `json:"status"`
	Message    string `json:"message"`
	StatusCode int    `json:"code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// NotFound reports whether the API answered 404.
func (e *APIError) NotFound() bool {
	return e.StatusCode == 404
}

// SyncError provides detailed sync failure information.
type SyncError struct {
	Code    string
	Phase   string
	StoreID string
	Path    string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("sync %s [%s]: store %s: %s: %v", e.Phase, e.Code, e.StoreID, e.Path, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: store %s: %v", e.Phase, e.Code, e.StoreID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// OperationError is the terminal error of a long-running operation.
type OperationError struct {
	Operation string
	Code      int
	Message   string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s failed (%d): %s", e.Operation, e.Code, e.Message)
}

func (e *OperationError) Unwrap() error {
	return ErrOperationFailed
}
