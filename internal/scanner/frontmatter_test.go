package scanner_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/kbsync/internal/models"
	"github.com/TheMichaelB/kbsync/internal/scanner"
)

func TestParseFrontMatter(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    models.FrontMatter
		wantOK  bool
	}{
		{
			name:    "no header",
			content: "# Title\n\nBody\n",
			want:    models.FrontMatter{},
			wantOK:  false,
		},
		{
			name: "allow-listed fields and keywords",
			content: `---
title: Deploying services
owner_team: platform
last_updated: 2024-05-01
secret: nope
keywords:
  - deploy
  - release
  - 42
---
# Body
`,
			want: models.FrontMatter{
				Fields: map[string]string{
					"title":        "Deploying services",
					"owner_team":   "platform",
					"last_updated": "2024-05-01",
				},
				Keywords: []string{"deploy", "release", "42"},
			},
			wantOK: true,
		},
		{
			name:    "windows line endings",
			content: "---\r\ntitle: Guide\r\n---\r\nBody\r\n",
			want: models.FrontMatter{
				Fields: map[string]string{"title": "Guide"},
			},
			wantOK: true,
		},
		{
			name:    "unterminated header",
			content: "---\ntitle: Guide\n# Body\n",
			want:    models.FrontMatter{},
			wantOK:  false,
		},
		{
			name:    "invalid yaml",
			content: "---\ntitle: [unclosed\n---\nBody\n",
			want:    models.FrontMatter{},
			wantOK:  false,
		},
		{
			name:    "header is a list",
			content: "---\n- a\n- b\n---\nBody\n",
			want:    models.FrontMatter{},
			wantOK:  true,
		},
		{
			name:    "empty header",
			content: "---\n---\nBody\n",
			want:    models.FrontMatter{},
			wantOK:  true,
		},
		{
			name:    "leading blank line is not a header",
			content: "\n---\ntitle: Guide\n---\n",
			want:    models.FrontMatter{},
			wantOK:  false,
		},
		{
			name:    "keywords as string are ignored",
			content: "---\nkeywords: deploy, release\ndescription: ~\nmaintainer: ''\n---\n",
			want:    models.FrontMatter{},
			wantOK:  true,
		},
		{
			name:    "nested values are ignored",
			content: "---\ntitle:\n  en: Guide\nvisibility: internal\n---\n",
			want: models.FrontMatter{
				Fields: map[string]string{"visibility": "internal"},
			},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := scanner.ParseFrontMatter([]byte(tt.content))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFrontMatterClosingLineLimit(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("---\n")
	for i := 0; i < 298; i++ {
		sb.WriteString("# filler\n")
	}
	sb.WriteString("title: Late\n---\n")

	// Closing marker on line index 300 is past the limit.
	_, ok := scanner.ParseFrontMatter([]byte(sb.String()))
	assert.False(t, ok)

	short := "---\n" + strings.Repeat("# filler\n", 200) + "title: Early\n---\n"
	fm, ok := scanner.ParseFrontMatter([]byte(short))
	assert.True(t, ok)
	assert.Equal(t, "Early", fm.Get("title"))
}
