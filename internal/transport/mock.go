package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/kbsync/internal/models"
)

// MockTransport is an in-memory file search service for testing.
//
// Uploads complete after OperationPolls calls to GetOperation. A completed
// document only shows up in ListDocuments after VisibleAfter further list
// calls, which models the service's eventual consistency.
type MockTransport struct {
	mu sync.Mutex

	// Behaviour
	OperationPolls     int  // GetOperation calls before an upload is done
	VisibleAfter       int  // ListDocuments calls before a finished upload is listed
	ReportDocumentName bool // include documentName in the operation response

	// Error injection
	UploadErrors    map[string]error // by display name
	FailOperations  map[string]bool  // by display name, operation ends with an error status
	DeleteErrors    map[string]error // by document name
	ListError       error
	GetStoreError   error
	CreateStoreErr  error
	OperationErrors int // GetOperation calls that fail before succeeding

	// Request tracking
	Calls []Call

	// State
	stores     map[string]*models.Store
	docs       map[string][]*mockDocument // store -> documents in creation order
	ops        map[string]*mockOperation
	nextDoc    int
	nextOp     int
	nextStore  int
	closed     bool
	clockTicks int
}

// Call records one transport method invocation.
type Call struct {
	Method string
	Target string
}

type mockDocument struct {
	doc          models.RemoteDocument
	visibleAfter int // list calls still hidden
	ready        bool
}

type mockOperation struct {
	op        models.Operation
	store     string
	docName   string
	pollsLeft int
	fail      bool
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		UploadErrors:   make(map[string]error),
		FailOperations: make(map[string]bool),
		DeleteErrors:   make(map[string]error),
		stores:         make(map[string]*models.Store),
		docs:           make(map[string][]*mockDocument),
		ops:            make(map[string]*mockOperation),
	}
}

// CreateStore creates an empty store.
func (m *MockTransport) CreateStore(ctx context.Context, displayName string) (*models.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("CreateStore", displayName)
	if m.CreateStoreErr != nil {
		return nil, m.CreateStoreErr
	}

	store := m.addStoreLocked(displayName)
	copied := *store
	return &copied, nil
}

// GetStore returns a store by name.
func (m *MockTransport) GetStore(ctx context.Context, name string) (*models.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("GetStore", name)
	if m.GetStoreError != nil {
		return nil, m.GetStoreError
	}

	store, ok := m.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrStoreNotFound, name)
	}
	copied := *store
	return &copied, nil
}

// ListStores returns all stores.
func (m *MockTransport) ListStores(ctx context.Context) ([]models.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("ListStores", "")

	stores := make([]models.Store, 0, len(m.stores))
	for i := 1; i <= m.nextStore; i++ {
		if s, ok := m.stores[storeName(i)]; ok {
			stores = append(stores, *s)
		}
	}
	return stores, nil
}

// UploadDocument registers a pending document and its operation.
func (m *MockTransport) UploadDocument(ctx context.Context, store string, req models.UploadRequest) (*models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("UploadDocument", req.DisplayName)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := m.UploadErrors[req.DisplayName]; ok {
		return nil, err
	}
	if _, ok := m.stores[store]; !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrStoreNotFound, store)
	}

	m.nextDoc++
	m.nextOp++
	m.clockTicks++

	docName := fmt.Sprintf("%s/documents/doc-%d", store, m.nextDoc)
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = DefaultMimeType
	}

	doc := &mockDocument{
		doc: models.RemoteDocument{
			Name:           docName,
			DisplayName:    req.DisplayName,
			State:          models.DocumentStatePending,
			MimeType:       mimeType,
			SizeBytes:      fmt.Sprintf("%d", len(req.Content)),
			CustomMetadata: append([]models.CustomMetadata(nil), req.Metadata...),
			CreateTime:     mockTime(m.clockTicks),
			UpdateTime:     mockTime(m.clockTicks),
		},
		visibleAfter: m.VisibleAfter,
	}

	mop := &mockOperation{
		op:        models.Operation{Name: fmt.Sprintf("%s/upload/operations/op-%d", store, m.nextOp)},
		store:     store,
		docName:   docName,
		pollsLeft: m.OperationPolls,
		fail:      m.FailOperations[req.DisplayName],
	}
	m.ops[mop.op.Name] = mop

	if !mop.fail {
		m.docs[store] = append(m.docs[store], doc)
	}

	if mop.pollsLeft == 0 {
		m.finishLocked(mop)
	}

	op := mop.op
	return &op, nil
}

// GetOperation advances and returns an operation.
func (m *MockTransport) GetOperation(ctx context.Context, name string) (*models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("GetOperation", name)

	if m.OperationErrors > 0 {
		m.OperationErrors--
		return nil, &models.APIError{Code: "UNAVAILABLE", Message: "try again", StatusCode: 503}
	}

	mop, ok := m.ops[name]
	if !ok {
		return nil, &models.APIError{Code: "NOT_FOUND", Message: "operation not found", StatusCode: 404}
	}

	if !mop.op.Done {
		if mop.pollsLeft > 0 {
			mop.pollsLeft--
		}
		if mop.pollsLeft == 0 {
			m.finishLocked(mop)
		}
	}

	op := mop.op
	return &op, nil
}

// ListDocuments returns visible documents of a store in creation order.
func (m *MockTransport) ListDocuments(ctx context.Context, store string) ([]models.RemoteDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("ListDocuments", store)

	if m.ListError != nil {
		return nil, m.ListError
	}
	if _, ok := m.stores[store]; !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrStoreNotFound, store)
	}

	var out []models.RemoteDocument
	for _, d := range m.docs[store] {
		if !d.ready {
			continue
		}
		if d.visibleAfter > 0 {
			d.visibleAfter--
			continue
		}
		out = append(out, cloneDocument(d.doc))
	}
	return out, nil
}

// DeleteDocument removes a document.
func (m *MockTransport) DeleteDocument(ctx context.Context, name string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("DeleteDocument", name)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := m.DeleteErrors[name]; ok {
		return err
	}

	store := storeOf(name)
	docs := m.docs[store]
	for i, d := range docs {
		if d.doc.Name == name {
			m.docs[store] = append(docs[:i], docs[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("%w: %s", models.ErrDocumentNotFound, name)
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Helper methods for test setup

// AddStore creates a store directly and returns its name.
func (m *MockTransport) AddStore(displayName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addStoreLocked(displayName).Name
}

// AddDocument seeds an active, visible document and returns its name.
func (m *MockTransport) AddDocument(store, displayName string, metadata ...models.CustomMetadata) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextDoc++
	m.clockTicks++
	name := fmt.Sprintf("%s/documents/doc-%d", store, m.nextDoc)
	m.docs[store] = append(m.docs[store], &mockDocument{
		doc: models.RemoteDocument{
			Name:           name,
			DisplayName:    displayName,
			State:          models.DocumentStateActive,
			MimeType:       DefaultMimeType,
			CustomMetadata: append([]models.CustomMetadata(nil), metadata...),
			CreateTime:     mockTime(m.clockTicks),
			UpdateTime:     mockTime(m.clockTicks),
		},
		ready: true,
	})
	return name
}

// SetDocumentState overrides the processing state of a document.
func (m *MockTransport) SetDocumentState(name string, state models.DocumentState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.docs[storeOf(name)] {
		if d.doc.Name == name {
			d.doc.State = state
		}
	}
}

// Documents returns every finished document of a store, visible or not.
func (m *MockTransport) Documents(store string) []models.RemoteDocument {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.RemoteDocument
	for _, d := range m.docs[store] {
		if d.ready {
			out = append(out, cloneDocument(d.doc))
		}
	}
	return out
}

// DocumentForOperation returns the document created by an upload operation.
func (m *MockTransport) DocumentForOperation(opName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mop, ok := m.ops[opName]; ok && !mop.fail {
		return mop.docName
	}
	return ""
}

// CallCount counts recorded calls of a method.
func (m *MockTransport) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// MutatingCalls counts uploads, deletes and store creations.
func (m *MockTransport) MutatingCalls() int {
	return m.CallCount("UploadDocument") + m.CallCount("DeleteDocument") + m.CallCount("CreateStore")
}

// ResetCalls clears the call log.
func (m *MockTransport) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// IsClosed reports whether Close was called.
func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockTransport) record(method, target string) {
	m.Calls = append(m.Calls, Call{Method: method, Target: target})
}

func (m *MockTransport) addStoreLocked(displayName string) *models.Store {
	m.nextStore++
	m.clockTicks++
	store := &models.Store{
		Name:        storeName(m.nextStore),
		DisplayName: displayName,
		CreateTime:  mockTime(m.clockTicks),
		UpdateTime:  mockTime(m.clockTicks),
	}
	m.stores[store.Name] = store
	return store
}

func (m *MockTransport) finishLocked(mop *mockOperation) {
	mop.op.Done = true
	if mop.fail {
		mop.op.Error = &models.OperationStatus{Code: 13, Message: "document processing failed"}
		return
	}

	for _, d := range m.docs[mop.store] {
		if d.doc.Name == mop.docName {
			d.ready = true
			d.doc.State = models.DocumentStateActive
		}
	}

	if m.ReportDocumentName {
		resp, _ := json.Marshal(map[string]string{"documentName": mop.docName})
		mop.op.Response = resp
	}
}

func storeName(n int) string {
	return fmt.Sprintf("fileSearchStores/store-%d", n)
}

func storeOf(docName string) string {
	if idx := strings.Index(docName, "/documents/"); idx >= 0 {
		return docName[:idx]
	}
	return ""
}

func cloneDocument(d models.RemoteDocument) models.RemoteDocument {
	d.CustomMetadata = append([]models.CustomMetadata(nil), d.CustomMetadata...)
	return d
}

func mockTime(tick int) time.Time {
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(tick) * time.Second)
}
