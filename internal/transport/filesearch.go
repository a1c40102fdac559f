package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/TheMichaelB/kbsync/internal/config"
	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
)

// DefaultMimeType is used when an upload does not name one.
const DefaultMimeType = "text/markdown"

// DefaultTransport implements Transport against the Gemini File Search REST API.
type DefaultTransport struct {
	http      *HTTPClient
	restBase  string
	uploadURL string
	pageSize  int
	logger    *events.Logger
}

// NewTransport creates a transport instance.
func NewTransport(cfg *config.APIConfig, apiKey string, logger *events.Logger) *DefaultTransport {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	return &DefaultTransport{
		http:      NewHTTPClient(cfg, apiKey, logger),
		restBase:  cfg.RESTBaseURL(),
		uploadURL: cfg.UploadBaseURL(),
		pageSize:  pageSize,
		logger:    logger.WithField("component", "file_search"),
	}
}

// HTTP exposes the underlying client.
func (t *DefaultTransport) HTTP() *HTTPClient {
	return t.http
}

// CreateStore creates a file search store.
func (t *DefaultTransport) CreateStore(ctx context.Context, displayName string) (*models.Store, error) {
	body, err := json.Marshal(map[string]string{"displayName": displayName})
	if err != nil {
		return nil, fmt.Errorf("marshal store: %w", err)
	}

	var store models.Store
	err = t.http.DoJSON(ctx, Request{
		Method:      http.MethodPost,
		URL:         joinURL(t.restBase, "fileSearchStores"),
		Body:        body,
		ContentType: "application/json",

		NotIdempotent: true,
	}, &store)
	if err != nil {
		return nil, fmt.Errorf("create store %q: %w", displayName, err)
	}

	return &store, nil
}

// GetStore fetches a store by resource name.
func (t *DefaultTransport) GetStore(ctx context.Context, name string) (*models.Store, error) {
	var store models.Store
	err := t.http.DoJSON(ctx, Request{
		Method: http.MethodGet,
		URL:    joinURL(t.restBase, name),
	}, &store)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", models.ErrStoreNotFound, name)
		}
		return nil, fmt.Errorf("get store %s: %w", name, err)
	}

	return &store, nil
}

// ListStores returns every store of the project.
func (t *DefaultTransport) ListStores(ctx context.Context) ([]models.Store, error) {
	var stores []models.Store

	err := t.paginate(ctx, joinURL(t.restBase, "fileSearchStores"), func(data []byte) (string, error) {
		var page struct {
			FileSearchStores []models.Store `json:"fileSearchStores"`
			NextPageToken    string         `json:"nextPageToken"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return "", err
		}
		stores = append(stores, page.FileSearchStores...)
		return page.NextPageToken, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}

	return stores, nil
}

// UploadDocument sends content and metadata in one multipart request and
// returns the import operation.
func (t *DefaultTransport) UploadDocument(ctx context.Context, storeName string, req models.UploadRequest) (*models.Operation, error) {
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = DefaultMimeType
	}

	meta := struct {
		DisplayName    string                  `json:"displayName,omitempty"`
		MimeType       string                  `json:"mimeType"`
		CustomMetadata []models.CustomMetadata `json:"customMetadata,omitempty"`
	}{
		DisplayName:    req.DisplayName,
		MimeType:       mimeType,
		CustomMetadata: req.Metadata,
	}

	body, contentType, err := buildMultipart(meta, mimeType, req.Content)
	if err != nil {
		return nil, fmt.Errorf("build upload body: %w", err)
	}

	endpoint := joinURL(t.uploadURL, storeName) + ":uploadToFileSearchStore?uploadType=multipart"

	var op models.Operation
	err = t.http.DoJSON(ctx, Request{
		Method:      http.MethodPost,
		URL:         endpoint,
		Body:        body,
		ContentType: contentType,
		Header:      http.Header{"X-Goog-Upload-Protocol": []string{"multipart"}},

		NotIdempotent: true,
	}, &op)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", models.ErrStoreNotFound, storeName)
		}
		return nil, fmt.Errorf("upload %s: %w", req.DisplayName, err)
	}

	t.logger.WithFields(map[string]interface{}{
		"display_name": req.DisplayName,
		"operation":    op.Name,
		"done":         op.Done,
	}).Debug("Upload accepted")

	return &op, nil
}

// ListDocuments returns every document of a store, following page tokens.
func (t *DefaultTransport) ListDocuments(ctx context.Context, storeName string) ([]models.RemoteDocument, error) {
	var docs []models.RemoteDocument

	err := t.paginate(ctx, joinURL(t.restBase, storeName+"/documents"), func(data []byte) (string, error) {
		var page struct {
			Documents     []models.RemoteDocument `json:"documents"`
			NextPageToken string                  `json:"nextPageToken"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return "", err
		}
		docs = append(docs, page.Documents...)
		return page.NextPageToken, nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", models.ErrStoreNotFound, storeName)
		}
		return nil, fmt.Errorf("list documents: %w", err)
	}

	return docs, nil
}

// DeleteDocument removes a document. force also removes its chunks.
func (t *DefaultTransport) DeleteDocument(ctx context.Context, name string, force bool) error {
	endpoint := joinURL(t.restBase, name)
	if force {
		endpoint += "?force=true"
	}

	_, err := t.http.Do(ctx, Request{
		Method: http.MethodDelete,
		URL:    endpoint,
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", models.ErrDocumentNotFound, name)
		}
		return fmt.Errorf("delete %s: %w", name, err)
	}

	return nil
}

// GetOperation fetches the current state of an operation.
func (t *DefaultTransport) GetOperation(ctx context.Context, name string) (*models.Operation, error) {
	var op models.Operation
	err := t.http.DoJSON(ctx, Request{
		Method: http.MethodGet,
		URL:    joinURL(t.restBase, name),
	}, &op)
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", name, err)
	}
	if op.Name == "" {
		op.Name = name
	}

	return &op, nil
}

// Close releases idle connections.
func (t *DefaultTransport) Close() error {
	t.http.client.CloseIdleConnections()
	return nil
}

// paginate calls GET on endpoint until handle returns an empty page token.
func (t *DefaultTransport) paginate(ctx context.Context, endpoint string, handle func([]byte) (string, error)) error {
	token := ""
	for page := 0; ; page++ {
		query := url.Values{}
		query.Set("pageSize", strconv.Itoa(t.pageSize))
		if token != "" {
			query.Set("pageToken", token)
		}

		data, err := t.http.Do(ctx, Request{
			Method: http.MethodGet,
			URL:    endpoint + "?" + query.Encode(),
		})
		if err != nil {
			return err
		}

		next, err := handle(data)
		if err != nil {
			return fmt.Errorf("parse page %d: %w", page, err)
		}

		if next == "" {
			return nil
		}
		if next == token {
			return fmt.Errorf("page token did not advance on page %d", page)
		}
		token = next
	}
}

// buildMultipart encodes a multipart/related body: JSON metadata first, then
// the file content.
func buildMultipart(meta interface{}, mimeType string, content []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, "", fmt.Errorf("marshal metadata: %w", err)
	}

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := w.CreatePart(metaHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(metaJSON); err != nil {
		return nil, "", err
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Type", mimeType)
	part, err = w.CreatePart(fileHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), "multipart/related; boundary=" + w.Boundary(), nil
}

func isNotFound(err error) bool {
	var apiErr *models.APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}
