package model

import "github.com/google/uuid"

// KnowledgeChunk is a reference passage from the coaching knowledge base.
type KnowledgeChunk struct {
	ID         uuid.UUID `json:"knowledge_id" yaml:"-"`
	Source     string    `json:"source" yaml:"source"`
	Topic      string    `json:"topic" yaml:"topic"`
	Subtopic   string    `json:"subtopic,omitempty" yaml:"subtopic,omitempty"`
	Title      string    `json:"title" yaml:"title"`
	Content    string    `json:"content" yaml:"content"`
	Similarity float64   `json:"similarity" yaml:"-"`
}
