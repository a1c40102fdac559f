package models

import (
	"encoding/json"
	"strings"
	"time"
)

// DocumentState is the processing state reported by the store.
type DocumentState string

const (
	DocumentStateUnspecified DocumentState = "STATE_UNSPECIFIED"
	DocumentStatePending     DocumentState = "STATE_PENDING"
	DocumentStateActive      DocumentState = "STATE_ACTIVE"
	DocumentStateFailed      DocumentState = "STATE_FAILED"
)

// Store is a remote file search store.
type Store struct {
	Name                  string    `json:"name"`
	DisplayName           string    `json:"displayName,omitempty"`
	CreateTime            time.Time `json:"createTime,omitempty"`
	UpdateTime            time.Time `json:"updateTime,omitempty"`
	ActiveDocumentsCount  string    `json:"activeDocumentsCount,omitempty"`
	PendingDocumentsCount string    `json:"pendingDocumentsCount,omitempty"`
	FailedDocumentsCount  string    `json:"failedDocumentsCount,omitempty"`
}

// CustomMetadata is one key/value attached to a remote document.
type CustomMetadata struct {
	Key          string   `json:"key"`
	StringValue  string   `json:"stringValue,omitempty"`
	NumericValue *float64 `json:"numericValue,omitempty"`
}

// RemoteDocument is the store's representation of an uploaded document.
type RemoteDocument struct {
	Name           string           `json:"name"`
	DisplayName    string           `json:"displayName,omitempty"`
	State          DocumentState    `json:"state,omitempty"`
	MimeType       string           `json:"mimeType,omitempty"`
	SizeBytes      string           `json:"sizeBytes,omitempty"`
	CustomMetadata []CustomMetadata `json:"customMetadata,omitempty"`
	CreateTime     time.Time        `json:"createTime,omitempty"`
	UpdateTime     time.Time        `json:"updateTime,omitempty"`
}

// MetadataValue returns the string value for a custom metadata key.
func (d *RemoteDocument) MetadataValue(key string) string {
	for _, m := range d.CustomMetadata {
		if m.Key == key {
			return m.StringValue
		}
	}
	return ""
}

// ShortName returns the last segment of the resource name.
func (d *RemoteDocument) ShortName() string {
	if idx := strings.LastIndex(d.Name, "/"); idx >= 0 {
		return d.Name[idx+1:]
	}
	return d.Name
}

// UploadRequest describes one document upload.
type UploadRequest struct {
	DisplayName string
	MimeType    string
	Content     []byte
	Metadata    []CustomMetadata
}

// OperationStatus is the google.rpc.Status of a failed operation.
type OperationStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Operation is a long-running operation handle.
type Operation struct {
	Name     string           `json:"name"`
	Done     bool             `json:"done,omitempty"`
	Error    *OperationStatus `json:"error,omitempty"`
	Response json.RawMessage  `json:"response,omitempty"`
}

// Failed reports whether the operation finished with an error.
func (o *Operation) Failed() bool {
	return o.Done && o.Error != nil
}

// Err converts a failed operation into an error.
func (o *Operation) Err() error {
	if !o.Failed() {
		return nil
	}
	return &OperationError{
		Operation: o.Name,
		Code:      o.Error.Code,
		Message:   o.Error.Message,
	}
}

// DocumentName returns the document named in the operation response, if the
// service reported one.
func (o *Operation) DocumentName() string {
	if len(o.Response) == 0 {
		return ""
	}
	var resp struct {
		DocumentName string `json:"documentName"`
	}
	if err := json.Unmarshal(o.Response, &resp); err != nil {
		return ""
	}
	return resp.DocumentName
}
