package scanner

import (
	"bytes"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TheMichaelB/kbsync/internal/models"
)

const (
	frontMatterDelimiter = "---"
	// The closing delimiter must appear before this line.
	frontMatterMaxLines = 300
)

// ParseFrontMatter extracts the leading YAML block delimited by "---" lines.
//
// Only allow-listed scalar fields and the keywords list are kept. A missing,
// unterminated or malformed header yields an empty FrontMatter and ok=false;
// it is never an error.
func ParseFrontMatter(content []byte) (fm models.FrontMatter, ok bool) {
	raw, found := extractHeader(content)
	if !found {
		return models.FrontMatter{}, false
	}

	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return models.FrontMatter{}, false
	}

	// Empty header, or a document that is not a mapping.
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return models.FrontMatter{}, true
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return models.FrontMatter{}, true
	}

	allowed := make(map[string]bool, len(models.FrontMatterKeys))
	for _, key := range models.FrontMatterKeys {
		allowed[key] = true
	}

	fields := make(map[string]string)
	var keywords []string

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		value := resolveAlias(mapping.Content[i+1])

		switch {
		case key == "keywords":
			if value.Kind != yaml.SequenceNode {
				continue
			}
			for _, item := range value.Content {
				item = resolveAlias(item)
				if item.Kind == yaml.ScalarNode && !isNull(item) {
					keywords = append(keywords, item.Value)
				}
			}
		case allowed[key]:
			if value.Kind != yaml.ScalarNode || isNull(value) {
				continue
			}
			if v := strings.TrimSpace(value.Value); v != "" {
				fields[key] = v
			}
		}
	}

	fm.Keywords = keywords
	if len(fields) > 0 {
		fm.Fields = fields
	}
	return fm, true
}

// extractHeader returns the bytes between the opening and closing delimiter.
func extractHeader(content []byte) ([]byte, bool) {
	lines := bytes.Split(content, []byte("\n"))
	if len(lines) == 0 || strings.TrimSpace(string(lines[0])) != frontMatterDelimiter {
		return nil, false
	}

	limit := len(lines)
	if limit > frontMatterMaxLines {
		limit = frontMatterMaxLines
	}

	for i := 1; i < limit; i++ {
		if strings.TrimSpace(string(lines[i])) == frontMatterDelimiter {
			return bytes.Join(lines[1:i], []byte("\n")), true
		}
	}

	return nil, false
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

func isNull(n *yaml.Node) bool {
	return n.ShortTag() == "!!null"
}
