package testutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/kbsync/internal/events"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// SampleTree is a small knowledge base keyed by slash-separated path
// relative to the root.
var SampleTree = map[string]string{
	"eng/deploy.md": `---
title: Deploy
owner_team: platform
keywords: [release, rollout]
---
# Deploy

Ship it on Tuesdays.
`,
	"eng/oncall.md": "# On-call\n\nRotation starts Monday.\n",
	"faq.md":        "# FAQ\n\nAsk in #help.\n",
	"template.md":   "---\ntitle: TEMPLATE\n---\n",
	"notes.txt":     "not markdown",
}

// SampleTreeSynced lists the SampleTree paths a sync uploads, with the
// prefix the scanner adds for a root named "kb".
var SampleTreeSynced = []string{
	"kb/eng/deploy.md",
	"kb/eng/oncall.md",
	"kb/faq.md",
}

// WriteTree writes files below root.
func WriteTree(t testing.TB, root string, files map[string]string) {
	t.Helper()

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(files[p]), 0644))
	}
}

// Fingerprint returns the hex SHA-256 of content.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
