package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/kbsync/internal/models"
)

func TestDocument_Metadata(t *testing.T) {
	tests := []struct {
		name string
		doc  models.Document
		want []models.CustomMetadata
	}{
		{
			name: "no front matter",
			doc: models.Document{
				Path:        "kb/onboarding/setup.md",
				Section:     "onboarding",
				Fingerprint: hashA,
			},
			want: []models.CustomMetadata{
				{Key: "path", StringValue: "kb/onboarding/setup.md"},
				{Key: "section", StringValue: "onboarding"},
				{Key: "sha", StringValue: hashA},
			},
		},
		{
			name: "allow-listed fields in fixed order",
			doc: models.Document{
				Path:        "kb/eng/deploy.md",
				Section:     "eng",
				Fingerprint: hashB,
				FrontMatter: models.FrontMatter{
					Fields: map[string]string{
						"visibility": "internal",
						"title":      "Deploying",
						"owner_team": "platform",
						"unrelated":  "dropped",
						"maintainer": "  ",
					},
					Keywords: []string{"deploy", "release"},
				},
			},
			want: []models.CustomMetadata{
				{Key: "path", StringValue: "kb/eng/deploy.md"},
				{Key: "section", StringValue: "eng"},
				{Key: "sha", StringValue: hashB},
				{Key: "title", StringValue: "Deploying"},
				{Key: "owner_team", StringValue: "platform"},
				{Key: "visibility", StringValue: "internal"},
				{Key: "keywords_csv", StringValue: "deploy,release"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.doc.Metadata())
		})
	}
}

func TestFrontMatter_Get(t *testing.T) {
	var empty models.FrontMatter
	assert.Equal(t, "", empty.Get("title"))
	assert.True(t, empty.IsEmpty())

	fm := models.FrontMatter{Fields: map[string]string{"title": "Guide"}}
	assert.Equal(t, "Guide", fm.Get("title"))
	assert.False(t, fm.IsEmpty())
}
