package knowledge

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/swimcoach/internal/model"
)

const (
	minContentLen = 50
	maxTitleLen   = 200
	chunkSep      = "\n---\n"
)

var (
	sourceRe   = regexp.MustCompile(`\*\*Source:\*\*[ \t]*([^\n]+)`)
	topicRe    = regexp.MustCompile(`\*\*Topic:\*\*\s*(\S+)`)
	subtopicRe = regexp.MustCompile(`\*\*Subtopic:\*\*\s*(\S+)`)
)

// ParseMarkdown splits a knowledge document into chunks. Chunks are
// separated by a line holding only "---" and carry **Source:** and
// **Topic:** lines (plus an optional **Subtopic:**). Heading lines are
// dropped; chunks missing metadata or with under 50 characters of content
// are skipped.
func ParseMarkdown(text string) []model.KnowledgeChunk {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	out := []model.KnowledgeChunk{}
	for _, raw := range strings.Split(text, chunkSep) {
		lines := strings.Split(strings.TrimSpace(raw), "\n")
		kept := lines[:0]
		for _, l := range lines {
			if !strings.HasPrefix(l, "#") {
				kept = append(kept, l)
			}
		}
		body := strings.TrimSpace(strings.Join(kept, "\n"))
		if body == "" {
			continue
		}

		source := sourceRe.FindStringSubmatch(body)
		topic := topicRe.FindStringSubmatch(body)
		if source == nil || topic == nil {
			continue
		}
		c := model.KnowledgeChunk{
			Source: strings.TrimSpace(source[1]),
			Topic:  topic[1],
		}
		if sub := subtopicRe.FindStringSubmatch(body); sub != nil {
			c.Subtopic = sub[1]
		}

		var content []string
		for _, l := range strings.Split(body, "\n") {
			if strings.HasPrefix(l, "**Source:**") || strings.HasPrefix(l, "**Topic:**") || strings.HasPrefix(l, "**Subtopic:**") {
				continue
			}
			content = append(content, l)
		}
		c.Content = strings.TrimSpace(strings.Join(content, "\n"))
		if len(c.Content) < minContentLen {
			continue
		}
		c.Title = titleFrom(c.Content)
		out = append(out, c)
	}
	return out
}

// titleFrom returns the first line of content, shortened to 200 characters.
func titleFrom(content string) string {
	first, _, _ := strings.Cut(content, "\n")
	first = strings.TrimSpace(first)
	if utf8.RuneCountInString(first) <= maxTitleLen {
		return first
	}
	r := []rune(first)
	return string(r[:maxTitleLen-3]) + "..."
}

// ParseYAML decodes a list of chunks. Entries without source, topic or
// content are rejected; a missing title is derived from the content.
func ParseYAML(r io.Reader) ([]model.KnowledgeChunk, error) {
	var chunks []model.KnowledgeChunk
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&chunks); err != nil {
		if err == io.EOF {
			return []model.KnowledgeChunk{}, nil
		}
		return nil, fmt.Errorf("knowledge: decode yaml: %w", err)
	}
	for i := range chunks {
		c := &chunks[i]
		c.Content = strings.TrimSpace(c.Content)
		if c.Source == "" || c.Topic == "" || c.Content == "" {
			return nil, fmt.Errorf("knowledge: yaml entry %d: source, topic and content are required", i)
		}
		if c.Title == "" {
			c.Title = titleFrom(c.Content)
		}
	}
	if chunks == nil {
		chunks = []model.KnowledgeChunk{}
	}
	return chunks, nil
}

// ParseFile picks a parser by file extension: .yaml and .yml are YAML,
// anything else is markdown.
func ParseFile(name string, r io.Reader) ([]model.KnowledgeChunk, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return ParseYAML(r)
	default:
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("knowledge: read %s: %w", name, err)
		}
		return ParseMarkdown(string(b)), nil
	}
}
