// Package kmodel defines KAIROS's core domain types: the Memory (a single
// step), its Chain linkage, and the typed ProofOfWork challenge/solution
// sum. Modeled on engine/domain/types.go — the validation-gate domain
// package the teacher places ahead of every pipeline entry point.
package kmodel

import "time"

// ChainRef links a Memory to its chain. ID is a pure function of Label
// (spec §3 invariant); StepIndex is 1-based; step 1 is the head.
type ChainRef struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	StepIndex int    `json:"step_index"`
	StepCount int    `json:"step_count"`
}

// IsHead reports whether this chain reference names the first step.
func (c ChainRef) IsHead() bool { return c.StepIndex == 1 }

// QualityMetadata is the deterministic-scoring output attached to every
// stored point and monotonically bumped by successful attestation.
type QualityMetadata struct {
	StepQualityScore float64 `json:"step_quality_score"`
	StepQuality      string  `json:"step_quality"` // basic|standard|high|excellent
}

// Memory is one step: the unit KAIROS stores, searches, and executes.
type Memory struct {
	MemoryUUID  string           `json:"memory_uuid"`
	Label       string           `json:"label"`
	Tags        []string         `json:"tags"`
	Text        string           `json:"text"`
	LLMModelID  string           `json:"llm_model_id"`
	CreatedAt   time.Time        `json:"created_at"`
	Chain       *ChainRef        `json:"chain,omitempty"`
	ProofOfWork *ProofOfWork     `json:"proof_of_work,omitempty"`
	SpaceID     string           `json:"space_id"`
	Task        string           `json:"task"`
	Type        string           `json:"type"` // pattern|rule|context
	Quality     QualityMetadata  `json:"quality_metadata"`
}

// TaskVocabulary is the fixed set of task categories spec §4.5 assigns a
// point to when its label/text/tags match; otherwise "general".
var TaskVocabulary = []string{
	"networking", "security", "optimization", "troubleshooting",
	"error-handling", "installation", "configuration", "testing",
	"deployment", "database",
}

const (
	TypePattern = "pattern"
	TypeRule    = "rule"
	TypeContext = "context"

	TaskGeneral = "general"
)
