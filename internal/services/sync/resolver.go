package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
	"github.com/TheMichaelB/kbsync/internal/transport"
)

// Resolver finds the remote document an upload produced.
type Resolver interface {
	ResolveNewID(ctx context.Context, storeID string, doc *models.Document, op *models.Operation) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, storeID string, doc *models.Document, op *models.Operation) (string, error)

// ResolveNewID calls f.
func (f ResolverFunc) ResolveNewID(ctx context.Context, storeID string, doc *models.Document, op *models.Operation) (string, error) {
	return f(ctx, storeID, doc, op)
}

// ListingResolver resolves IDs by listing the store and matching the path and
// fingerprint metadata. The listing lags behind completed uploads, so it is
// retried a bounded number of times.
type ListingResolver struct {
	transport transport.Transport
	attempts  int
	delay     time.Duration
	logger    *events.Logger
}

// NewListingResolver creates a resolver.
func NewListingResolver(t transport.Transport, attempts int, delay time.Duration, logger *events.Logger) *ListingResolver {
	if attempts < 1 {
		attempts = 1
	}
	return &ListingResolver{
		transport: t,
		attempts:  attempts,
		delay:     delay,
		logger:    logger.WithField("component", "resolver"),
	}
}

// ResolveNewID returns the document name reported by the operation, or the
// newest listed document carrying doc's path and fingerprint.
func (r *ListingResolver) ResolveNewID(ctx context.Context, storeID string, doc *models.Document, op *models.Operation) (string, error) {
	if op != nil {
		if name := op.DocumentName(); name != "" {
			return name, nil
		}
	}

	for attempt := 1; attempt <= r.attempts; attempt++ {
		docs, err := r.transport.ListDocuments(ctx, storeID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"path":    doc.Path,
				"attempt": attempt,
			}).Warn("Listing documents failed")
		} else if match := newestMatch(docs, doc); match != nil {
			r.logger.WithFields(map[string]interface{}{
				"path":     doc.Path,
				"document": match.Name,
				"attempt":  attempt,
			}).Debug("Resolved document")
			return match.Name, nil
		}

		if attempt == r.attempts {
			break
		}

		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("%w: %s after %d attempts", models.ErrIDNotResolved, doc.Path, r.attempts)
}

func newestMatch(docs []models.RemoteDocument, doc *models.Document) *models.RemoteDocument {
	var best *models.RemoteDocument
	for i := range docs {
		d := &docs[i]
		if d.MetadataValue(models.MetaPath) != doc.Path {
			continue
		}
		if d.MetadataValue(models.MetaFingerprint) != doc.Fingerprint {
			continue
		}
		if best == nil || d.CreateTime.After(best.CreateTime) {
			best = d
		}
	}
	return best
}
