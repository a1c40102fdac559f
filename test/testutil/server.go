package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/kbsync/internal/models"
)

// TestAPIKey is the key the test server accepts.
const TestAPIKey = "test-api-key"

// TestServer is an in-memory File Search API for integration tests.
//
// Uploads finish after PollsUntilDone operation polls. Operation responses
// carry the new document name unless OmitDocumentName is set, which forces
// clients to resolve identifiers by listing.
type TestServer struct {
	*httptest.Server

	mu               sync.RWMutex
	stores           map[string]*models.Store
	documents        map[string]*models.RemoteDocument // name -> document
	operations       map[string]*pendingOperation
	nextID           int
	calls            map[string]int
	pollsUntilDone   int
	omitDocumentName bool
	failUploads      map[string]int // display name -> status code
}

type pendingOperation struct {
	name     string
	document string
	polls    int
}

// NewTestServer starts a test server.
func NewTestServer() *TestServer {
	ts := &TestServer{
		stores:         make(map[string]*models.Store),
		documents:      make(map[string]*models.RemoteDocument),
		operations:     make(map[string]*pendingOperation),
		calls:          make(map[string]int),
		failUploads:    make(map[string]int),
		pollsUntilDone: 1,
	}

	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	return ts
}

// SetPollsUntilDone sets how many polls an upload operation needs.
func (ts *TestServer) SetPollsUntilDone(n int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.pollsUntilDone = n
}

// SetOmitDocumentName controls whether operations report the document name.
func (ts *TestServer) SetOmitDocumentName(omit bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.omitDocumentName = omit
}

// FailUpload makes uploads with the display name fail with status. A zero
// status clears the failure.
func (ts *TestServer) FailUpload(displayName string, status int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if status == 0 {
		delete(ts.failUploads, displayName)
		return
	}
	ts.failUploads[displayName] = status
}

// AddStore registers a store and returns its name.
func (ts *TestServer) AddStore(displayName string) string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.addStoreLocked(displayName).Name
}

// AddDocument places a document directly in a store.
func (ts *TestServer) AddDocument(storeName, path, fingerprint string) string {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	doc := ts.addDocumentLocked(storeName, path, []models.CustomMetadata{
		{Key: models.MetaPath, StringValue: path},
		{Key: models.MetaFingerprint, StringValue: fingerprint},
	})
	return doc.Name
}

// Documents returns the documents of a store sorted by name.
func (ts *TestServer) Documents(storeName string) []models.RemoteDocument {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.documentsLocked(storeName)
}

// Stores returns the number of stores.
func (ts *TestServer) Stores() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.stores)
}

// Calls returns how often a kind of request was served: create_store,
// get_store, list_stores, upload, list_documents, delete, get_operation.
func (ts *TestServer) Calls(kind string) int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.calls[kind]
}

// ResetCalls clears the call counters.
func (ts *TestServer) ResetCalls() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.calls = make(map[string]int)
}

func (ts *TestServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-goog-api-key") != TestAPIKey {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "API key not valid")
		return
	}

	path := r.URL.Path
	upload := false
	switch {
	case strings.HasPrefix(path, "/upload/v1beta/"):
		path = strings.TrimPrefix(path, "/upload/v1beta/")
		upload = true
	case strings.HasPrefix(path, "/v1beta/"):
		path = strings.TrimPrefix(path, "/v1beta/")
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path "+r.URL.Path)
		return
	}

	segments := strings.Split(path, "/")

	switch {
	case upload && r.Method == http.MethodPost && len(segments) == 2:
		ts.handleUpload(w, r, segments[1])
	case path == "fileSearchStores" && r.Method == http.MethodPost:
		ts.handleCreateStore(w, r)
	case path == "fileSearchStores" && r.Method == http.MethodGet:
		ts.handleListStores(w, r)
	case len(segments) == 2 && r.Method == http.MethodGet:
		ts.handleGetStore(w, path)
	case len(segments) == 3 && segments[2] == "documents" && r.Method == http.MethodGet:
		ts.handleListDocuments(w, r, segments[0]+"/"+segments[1])
	case len(segments) == 4 && segments[2] == "documents" && r.Method == http.MethodDelete:
		ts.handleDeleteDocument(w, path)
	case len(segments) == 4 && segments[2] == "operations" && r.Method == http.MethodGet:
		ts.handleGetOperation(w, path)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path "+r.URL.Path)
	}
}

func (ts *TestServer) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	ts.mu.Lock()
	ts.calls["create_store"]++
	store := *ts.addStoreLocked(req.DisplayName)
	ts.mu.Unlock()

	writeJSON(w, store)
}

func (ts *TestServer) handleListStores(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	ts.calls["list_stores"]++
	stores := make([]models.Store, 0, len(ts.stores))
	for _, s := range ts.stores {
		stores = append(stores, *s)
	}
	ts.mu.Unlock()

	sort.Slice(stores, func(i, j int) bool { return stores[i].Name < stores[j].Name })

	page, next, err := paginate(len(stores), r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"fileSearchStores": stores[page[0]:page[1]],
		"nextPageToken":    next,
	})
}

func (ts *TestServer) handleGetStore(w http.ResponseWriter, name string) {
	ts.mu.Lock()
	ts.calls["get_store"]++
	store, ok := ts.stores[name]
	var out models.Store
	if ok {
		out = *store
	}
	ts.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "store not found: "+name)
		return
	}
	writeJSON(w, out)
}

func (ts *TestServer) handleUpload(w http.ResponseWriter, r *http.Request, target string) {
	storeID, method, ok := strings.Cut(target, ":")
	if !ok || method != "uploadToFileSearchStore" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown method "+target)
		return
	}
	storeName := "fileSearchStores/" + storeID

	meta, err := readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.calls["upload"]++

	if _, ok := ts.stores[storeName]; !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "store not found: "+storeName)
		return
	}
	if status, ok := ts.failUploads[meta.DisplayName]; ok {
		writeError(w, status, "INTERNAL", "upload rejected")
		return
	}

	doc := ts.addDocumentLocked(storeName, meta.DisplayName, meta.CustomMetadata)
	doc.State = models.DocumentStatePending

	ts.nextID++
	op := &pendingOperation{
		name:     fmt.Sprintf("%s/operations/op-%d", storeName, ts.nextID),
		document: doc.Name,
	}
	ts.operations[op.name] = op

	writeJSON(w, models.Operation{Name: op.name})
}

func (ts *TestServer) handleListDocuments(w http.ResponseWriter, r *http.Request, storeName string) {
	ts.mu.Lock()
	ts.calls["list_documents"]++
	_, ok := ts.stores[storeName]
	docs := ts.documentsLocked(storeName)
	ts.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "store not found: "+storeName)
		return
	}

	page, next, err := paginate(len(docs), r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"documents":     docs[page[0]:page[1]],
		"nextPageToken": next,
	})
}

func (ts *TestServer) handleDeleteDocument(w http.ResponseWriter, name string) {
	ts.mu.Lock()
	ts.calls["delete"]++
	_, ok := ts.documents[name]
	delete(ts.documents, name)
	ts.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "document not found: "+name)
		return
	}
	writeJSON(w, map[string]interface{}{})
}

func (ts *TestServer) handleGetOperation(w http.ResponseWriter, name string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.calls["get_operation"]++

	op, ok := ts.operations[name]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "operation not found: "+name)
		return
	}

	op.polls++
	out := models.Operation{Name: op.name}
	if op.polls >= ts.pollsUntilDone {
		out.Done = true
		if doc, ok := ts.documents[op.document]; ok {
			doc.State = models.DocumentStateActive
		}
		if !ts.omitDocumentName {
			out.Response, _ = json.Marshal(map[string]string{"documentName": op.document})
		}
	}

	writeJSON(w, out)
}

func (ts *TestServer) addStoreLocked(displayName string) *models.Store {
	ts.nextID++
	store := &models.Store{
		Name:        fmt.Sprintf("fileSearchStores/store-%d", ts.nextID),
		DisplayName: displayName,
		CreateTime:  time.Now().UTC(),
	}
	ts.stores[store.Name] = store
	return store
}

func (ts *TestServer) addDocumentLocked(storeName, displayName string, meta []models.CustomMetadata) *models.RemoteDocument {
	ts.nextID++
	doc := &models.RemoteDocument{
		Name:           fmt.Sprintf("%s/documents/doc-%d", storeName, ts.nextID),
		DisplayName:    displayName,
		State:          models.DocumentStateActive,
		MimeType:       "text/markdown",
		CustomMetadata: meta,
		CreateTime:     time.Now().UTC().Add(time.Duration(ts.nextID) * time.Millisecond),
	}
	ts.documents[doc.Name] = doc
	return doc
}

func (ts *TestServer) documentsLocked(storeName string) []models.RemoteDocument {
	prefix := storeName + "/documents/"
	var docs []models.RemoteDocument
	for name, doc := range ts.documents {
		if strings.HasPrefix(name, prefix) {
			docs = append(docs, *doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs
}

type uploadMeta struct {
	DisplayName    string                  `json:"displayName"`
	MimeType       string                  `json:"mimeType"`
	CustomMetadata []models.CustomMetadata `json:"customMetadata"`
}

// readUpload parses a multipart/related upload and returns its metadata part.
func readUpload(r *http.Request) (*uploadMeta, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	if mediaType != "multipart/related" {
		return nil, fmt.Errorf("unexpected content type %s", mediaType)
	}

	reader := multipart.NewReader(r.Body, params["boundary"])

	part, err := reader.NextPart()
	if err != nil {
		return nil, fmt.Errorf("metadata part: %w", err)
	}
	var meta uploadMeta
	if err := decodeJSON(part, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	part, err = reader.NextPart()
	if err != nil {
		return nil, fmt.Errorf("file part: %w", err)
	}
	if _, err := io.Copy(io.Discard, part); err != nil {
		return nil, err
	}

	return &meta, nil
}

// paginate returns the [start, end) slice bounds and the next page token.
func paginate(total int, r *http.Request) ([2]int, string, error) {
	size := 20
	if s := r.URL.Query().Get("pageSize"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return [2]int{}, "", fmt.Errorf("invalid pageSize %q", s)
		}
		size = n
	}

	start := 0
	if token := r.URL.Query().Get("pageToken"); token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 || n > total {
			return [2]int{}, "", fmt.Errorf("invalid pageToken %q", token)
		}
		start = n
	}

	end := start + size
	if end >= total {
		return [2]int{start, total}, "", nil
	}
	return [2]int{start, end}, strconv.Itoa(end), nil
}

func writeError(w http.ResponseWriter, code int, status, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
			"status":  status,
		},
	})
}
