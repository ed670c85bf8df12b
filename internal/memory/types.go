// Package memory provides the namespaced memory store for Mnemosyne:
// canonical rows in SQLite, an FTS5 keyword index, a sqlite-vec KNN index
// and the hybrid retrieval that combines them.
package memory

import (
	"time"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Type classifies what a memory records.
type Type string

const (
	TypeArchitectureDecision Type = "architecture_decision"
	TypeCodePattern          Type = "code_pattern"
	TypeConfiguration        Type = "configuration"
	TypeConstraint           Type = "constraint"
	TypeBugFix               Type = "bug_fix"
	TypePreference           Type = "preference"
	TypeInsight              Type = "insight"
	TypeReference            Type = "reference"
	TypeEntity               Type = "entity"
)

// LinkType classifies a directed edge between memories.
type LinkType string

const (
	LinkReferences  LinkType = "references"
	LinkImplements  LinkType = "implements"
	LinkContradicts LinkType = "contradicts"
	LinkSupersedes  LinkType = "supersedes"
	LinkRelatedTo   LinkType = "related_to"
)

// Link is a directed edge from its owning memory to Target.
type Link struct {
	TargetID        types.ID   `json:"target_id"`
	Type            LinkType   `json:"link_type"`
	Strength        float64    `json:"strength"`
	Reason          string     `json:"reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastTraversedAt *time.Time `json:"last_traversed_at,omitempty"`
	UserCreated     bool       `json:"user_created"`
}

// Memory is the primary entity: one durable unit of recallable knowledge.
type Memory struct {
	ID        types.ID        `json:"id"`
	Namespace types.Namespace `json:"namespace"`

	Content string `json:"content"`
	Summary string `json:"summary,omitempty"`
	Context string `json:"context,omitempty"`
	Type    Type   `json:"memory_type"`

	Keywords        []string `json:"keywords,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	RelatedFiles    []string `json:"related_files,omitempty"`
	RelatedEntities []string `json:"related_entities,omitempty"`

	Importance  int     `json:"importance"` // 1..10, clamped on write
	Confidence  float64 `json:"confidence"` // [0,1]
	AccessCount int     `json:"access_count"`
	UserCreated bool    `json:"user_created"`

	Links []Link `json:"links,omitempty"`

	Embedding      []float32 `json:"embedding,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`

	IsArchived   bool     `json:"is_archived"`
	SupersededBy types.ID `json:"superseded_by,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// MaxContentBytes is the hard cap on memory content size.
const MaxContentBytes = 100 * 1024

// ClampImportance forces importance into 1..10.
func ClampImportance(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

// Scored pairs a memory with its retrieval score and the per-feature
// breakdown that produced it.
type Scored struct {
	Memory   *Memory
	Score    float64
	Features map[string]float64
}
