// Package scanner enumerates the local document tree.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
)

// Options control which files are eligible.
type Options struct {
	Root       string
	Extensions []string // matched case-insensitively, with leading dot
	Exclude    []string // base names, matched case-insensitively
	PathPrefix string   // empty = base name of Root
}

// Scanner walks a root directory and produces document records.
type Scanner struct {
	opts    Options
	prefix  string
	exts    map[string]bool
	exclude map[string]bool
	logger  *events.Logger
}

// New creates a scanner.
func New(opts Options, logger *events.Logger) (*Scanner, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("scanner root is required")
	}

	if logger == nil {
		logger = events.Default()
	}

	prefix := opts.PathPrefix
	if prefix == "" {
		abs, err := filepath.Abs(opts.Root)
		if err != nil {
			return nil, fmt.Errorf("resolve root: %w", err)
		}
		prefix = filepath.Base(abs)
	}
	prefix = strings.Trim(filepath.ToSlash(prefix), "/")

	s := &Scanner{
		opts:    opts,
		prefix:  norm.NFC.String(prefix),
		exts:    make(map[string]bool, len(opts.Extensions)),
		exclude: make(map[string]bool, len(opts.Exclude)),
		logger:  logger.WithField("component", "scanner"),
	}

	for _, ext := range opts.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		s.exts[ext] = true
	}
	for _, name := range opts.Exclude {
		s.exclude[strings.ToLower(name)] = true
	}

	return s, nil
}

// Root returns the scanned directory.
func (s *Scanner) Root() string {
	return s.opts.Root
}

// Prefix returns the path prefix applied to every document.
func (s *Scanner) Prefix() string {
	return s.prefix
}

// Scan walks the tree and returns eligible documents sorted by path.
//
// Any read error aborts the scan: a partial listing would turn unreadable
// files into deletions.
func (s *Scanner) Scan(ctx context.Context) ([]*models.Document, error) {
	info, err := os.Stat(s.opts.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", models.ErrSourceNotFound, s.opts.Root)
		}
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", models.ErrSourceNotFound, s.opts.Root)
	}

	var files []string
	err = filepath.WalkDir(s.opts.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if s.eligible(d.Name()) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.opts.Root, err)
	}

	docs := make([]*models.Document, 0, len(files))
	seen := make(map[string]string, len(files))

	for _, abs := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		doc, err := s.load(abs)
		if err != nil {
			return nil, err
		}

		// Two spellings of the same name collapse after normalization.
		if other, dup := seen[doc.Path]; dup {
			return nil, fmt.Errorf("%s and %s normalize to the same path %s", other, abs, doc.Path)
		}
		seen[doc.Path] = abs

		docs = append(docs, doc)
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].Path < docs[j].Path
	})

	s.logger.WithFields(map[string]interface{}{
		"root":      s.opts.Root,
		"documents": len(docs),
	}).Debug("Scan complete")

	return docs, nil
}

func (s *Scanner) eligible(name string) bool {
	lower := strings.ToLower(name)
	if s.exclude[lower] {
		return false
	}
	return s.exts[strings.ToLower(filepath.Ext(name))]
}

// load reads one file and builds its record.
func (s *Scanner) load(abs string) (*models.Document, error) {
	rel, err := filepath.Rel(s.opts.Root, abs)
	if err != nil {
		return nil, fmt.Errorf("relative path for %s: %w", abs, err)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", abs, err)
	}

	fm, ok := ParseFrontMatter(content)
	if !ok && hasHeaderMarker(content) {
		s.logger.WithField("path", rel).Warn("Ignoring malformed front-matter")
	}

	docPath := NormalizePath(s.prefix, rel)

	return &models.Document{
		Path:        docPath,
		Section:     SectionOf(rel),
		AbsPath:     abs,
		Fingerprint: Fingerprint(content),
		Size:        int64(len(content)),
		FrontMatter: fm,
		Content:     content,
	}, nil
}

// NormalizePath joins prefix and a relative OS path into the stable
// document path: forward slashes, NFC, no leading slash.
func NormalizePath(prefix, rel string) string {
	rel = norm.NFC.String(filepath.ToSlash(rel))
	prefix = norm.NFC.String(strings.Trim(filepath.ToSlash(prefix), "/"))
	if prefix == "" {
		return path.Clean(rel)
	}
	return path.Join(prefix, rel)
}

// SectionOf returns the first segment of a relative path. Files at the root
// are their own section.
func SectionOf(rel string) string {
	rel = norm.NFC.String(filepath.ToSlash(rel))
	if idx := strings.Index(rel, "/"); idx >= 0 {
		return rel[:idx]
	}
	return rel
}

// Fingerprint is the lowercase hex SHA-256 of the raw bytes.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func hasHeaderMarker(content []byte) bool {
	line := content
	if idx := strings.IndexByte(string(content), '\n'); idx >= 0 {
		line = content[:idx]
	}
	return strings.TrimSpace(string(line)) == frontMatterDelimiter
}
