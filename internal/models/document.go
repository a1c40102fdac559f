package models

import (
	"strings"
)

// Custom metadata keys attached to every upload.
const (
	MetaPath        = "path"
	MetaSection     = "section"
	MetaFingerprint = "sha"
	MetaKeywords    = "keywords_csv"
)

// FrontMatterKeys is the allow-list of header fields copied into remote metadata.
var FrontMatterKeys = []string{
	"title",
	"description",
	"department",
	"doc_type",
	"owner_team",
	"maintainer",
	"visibility",
	"last_updated",
}

// FrontMatter is the structured header of a document. The body is not kept.
type FrontMatter struct {
	Fields   map[string]string `json:"fields,omitempty"`
	Keywords []string          `json:"keywords,omitempty"`
}

// Get returns a header field, or empty string.
func (f FrontMatter) Get(key string) string {
	if f.Fields == nil {
		return ""
	}
	return f.Fields[key]
}

// IsEmpty reports whether no header was parsed.
func (f FrontMatter) IsEmpty() bool {
	return len(f.Fields) == 0 && len(f.Keywords) == 0
}

// Document is a local file eligible for upload.
type Document struct {
	Path        string      `json:"path"`    // normalized, forward slashes, prefixed
	Section     string      `json:"section"` // first segment below the root
	AbsPath     string      `json:"-"`
	Fingerprint string      `json:"fingerprint"`
	Size        int64       `json:"size"`
	FrontMatter FrontMatter `json:"front_matter"`
	Content     []byte      `json:"-"`
}

// Metadata builds the custom metadata list sent with the upload.
func (d *Document) Metadata() []CustomMetadata {
	meta := []CustomMetadata{
		{Key: MetaPath, StringValue: d.Path},
		{Key: MetaSection, StringValue: d.Section},
		{Key: MetaFingerprint, StringValue: d.Fingerprint},
	}

	for _, key := range FrontMatterKeys {
		if v := strings.TrimSpace(d.FrontMatter.Get(key)); v != "" {
			meta = append(meta, CustomMetadata{Key: key, StringValue: v})
		}
	}

	if len(d.FrontMatter.Keywords) > 0 {
		meta = append(meta, CustomMetadata{
			Key:         MetaKeywords,
			StringValue: strings.Join(d.FrontMatter.Keywords, ","),
		})
	}

	return meta
}
