// Package audit inspects a remote store without changing it.
package audit

import (
	"context"
	"fmt"
	"sort"

	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
	"github.com/TheMichaelB/kbsync/internal/state"
	"github.com/TheMichaelB/kbsync/internal/transport"
)

// Report is the outcome of an audit.
type Report struct {
	StoreID     string              `json:"store_id"`
	Total       int                 `json:"total"`
	UniquePaths int                 `json:"unique_paths"`
	Sections    map[string]int      `json:"sections"`
	Duplicates  map[string][]string `json:"duplicates"`   // path -> document names
	MissingPath []string            `json:"missing_path"` // document names
	NonActive   map[string]string   `json:"non_active"`   // document name -> state
	Stale       []string            `json:"stale"`        // snapshot paths whose document is gone
	Orphans     []string            `json:"orphans"`      // documents not referenced by the snapshot
	Degraded    map[string]string   `json:"degraded"`     // snapshot path -> document matched by path and sha
}

// Healthy reports whether the store holds exactly one active, tracked
// document per path. Degraded entries still count as tracked.
func (r *Report) Healthy() bool {
	return len(r.Duplicates) == 0 &&
		len(r.MissingPath) == 0 &&
		len(r.NonActive) == 0 &&
		len(r.Stale) == 0 &&
		len(r.Orphans) == 0
}

// Service audits remote stores.
type Service struct {
	transport transport.Transport
	state     state.Store
	logger    *events.Logger
}

// NewService creates an audit service. store may be nil, which skips the
// snapshot comparison.
func NewService(t transport.Transport, store state.Store, logger *events.Logger) *Service {
	return &Service{
		transport: t,
		state:     store,
		logger:    logger.WithField("service", "audit"),
	}
}

// Audit lists every document of storeID and compares it with the snapshot.
func (s *Service) Audit(ctx context.Context, storeID string) (*Report, error) {
	docs, err := s.transport.ListDocuments(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	report := &Report{
		StoreID:    storeID,
		Total:      len(docs),
		Sections:   make(map[string]int),
		Duplicates: make(map[string][]string),
		NonActive:  make(map[string]string),
		Degraded:   make(map[string]string),
	}

	byPath := make(map[string][]string)
	byContent := make(map[string]int) // path + "\x00" + sha -> index of the newest document
	present := make(map[string]bool, len(docs))

	for i := range docs {
		doc := &docs[i]
		present[doc.Name] = true

		if doc.State != "" && doc.State != models.DocumentStateActive {
			report.NonActive[doc.Name] = string(doc.State)
		}

		path := doc.MetadataValue(models.MetaPath)
		if path == "" {
			report.MissingPath = append(report.MissingPath, doc.Name)
			continue
		}

		byPath[path] = append(byPath[path], doc.Name)
		if sha := doc.MetadataValue(models.MetaFingerprint); sha != "" {
			key := path + "\x00" + sha
			if prev, ok := byContent[key]; !ok || doc.CreateTime.After(docs[prev].CreateTime) {
				byContent[key] = i
			}
		}
		if section := doc.MetadataValue(models.MetaSection); section != "" {
			report.Sections[section]++
		}
	}

	report.UniquePaths = len(byPath)
	for path, names := range byPath {
		if len(names) > 1 {
			report.Duplicates[path] = names
		}
	}

	if s.state != nil {
		snap, err := state.LoadOrEmpty(ctx, s.state, s.logger)
		if err != nil {
			return nil, err
		}

		tracked := snap.RemoteIDs()
		for _, path := range snap.Paths() {
			entry, _ := snap.Get(path)
			if entry.HasRemoteID() && present[entry.RemoteID] {
				continue
			}

			// The recorded id is an operation name or unknown. Find the
			// document by content instead.
			if i, ok := byContent[path+"\x00"+entry.Fingerprint]; ok {
				report.Degraded[path] = docs[i].Name
				tracked[docs[i].Name] = path
				continue
			}
			if entry.HasRemoteID() {
				report.Stale = append(report.Stale, path)
			}
		}

		for i := range docs {
			if _, ok := tracked[docs[i].Name]; !ok {
				report.Orphans = append(report.Orphans, docs[i].Name)
			}
		}
	}

	sort.Strings(report.MissingPath)
	sort.Strings(report.Orphans)

	s.log(report)
	return report, nil
}

func (s *Service) log(r *Report) {
	fields := map[string]interface{}{
		"store":        r.StoreID,
		"total":        r.Total,
		"unique_paths": r.UniquePaths,
		"duplicates":   len(r.Duplicates),
		"missing_path": len(r.MissingPath),
		"non_active":   len(r.NonActive),
		"stale":        len(r.Stale),
		"orphans":      len(r.Orphans),
		"degraded":     len(r.Degraded),
	}

	if r.Healthy() {
		s.logger.WithFields(fields).Info("Audit passed")
		return
	}
	s.logger.WithFields(fields).Warn("Audit found problems")
}
