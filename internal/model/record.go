// Package model defines the prescription record shared across pipeline stages
// and the outcome vocabulary the orchestrator uses to track them.
package model

import (
	"time"
)

// RecordStatus represents the lifecycle state of a prescription record.
// Transitions are monotonic: PENDING → IN_PROGRESS → one terminal state.
type RecordStatus string

const (
	StatusPending            RecordStatus = "pending"
	StatusInProgress         RecordStatus = "in_progress"
	StatusCompleted          RecordStatus = "completed"
	StatusFailed             RecordStatus = "failed"
	StatusPartiallyCompleted RecordStatus = "partially_completed"
)

// Terminal reports whether the status is a final state.
func (s RecordStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartiallyCompleted:
		return true
	default:
		return false
	}
}

// MatchKind classifies how a knowledge-graph candidate was found.
type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchNormalized MatchKind = "normalized"
	MatchBrandAlias MatchKind = "brand_alias"
	MatchFuzzy      MatchKind = "fuzzy"
)

// kindPriority orders match kinds for tie-breaking: lower is better.
func kindPriority(k MatchKind) int {
	switch k {
	case MatchExact:
		return 0
	case MatchNormalized:
		return 1
	case MatchBrandAlias:
		return 2
	case MatchFuzzy:
		return 3
	default:
		return 4
	}
}

// KnowledgeMatch is one candidate grounding from the drug vocabulary.
type KnowledgeMatch struct {
	Code          string    `json:"code"`
	CanonicalName string    `json:"canonical_name"`
	MatchKind     MatchKind `json:"match_kind"`
	MatchScore    float64   `json:"match_score"`
}

// BetterThan reports whether match a should sort before match b:
// higher score first, match-kind priority as the tie-break.
func (a KnowledgeMatch) BetterThan(b KnowledgeMatch) bool {
	if a.MatchScore != b.MatchScore {
		return a.MatchScore > b.MatchScore
	}
	return kindPriority(a.MatchKind) < kindPriority(b.MatchKind)
}

// DrugEntry is one prescribed medication line. Candidates are ranked by
// match score descending; Resolved stays nil until the drug resolution stage
// commits a choice. HallucinationFlag is set only by the hallucination stage.
type DrugEntry struct {
	RawText           string           `json:"raw_text"`
	Dosage            string           `json:"dosage,omitempty"`
	Frequency         string           `json:"frequency,omitempty"`
	Route             string           `json:"route,omitempty"`
	Candidates        []KnowledgeMatch `json:"candidates"`
	Resolved          *KnowledgeMatch  `json:"resolved,omitempty"`
	HallucinationFlag string           `json:"hallucination_flag,omitempty"`
}

// Patient holds structured patient fields extracted from the prescription.
type Patient struct {
	Name        string  `json:"name"`
	DateOfBirth string  `json:"date_of_birth,omitempty"` // YYYY-MM-DD once validated
	Age         int     `json:"age,omitempty"`
	Identifiers string  `json:"identifiers,omitempty"`
	Confidence  float64 `json:"confidence"`
	Validated   bool    `json:"validated"`
	Reason      string  `json:"reason,omitempty"` // why validation failed, if it did
}

// Prescriber holds structured prescriber fields.
type Prescriber struct {
	Name       string  `json:"name"`
	NPI        string  `json:"npi,omitempty"`
	Clinic     string  `json:"clinic,omitempty"`
	Phone      string  `json:"phone,omitempty"`
	Confidence float64 `json:"confidence"`
	Validated  bool    `json:"validated"`
	Reason     string  `json:"reason,omitempty"`
}

// Translation is an optional localized view of the human-readable fields.
// It is written only by the translation stage and never read upstream.
type Translation struct {
	Language     string   `json:"language"`
	PatientName  string   `json:"patient_name,omitempty"`
	Prescriber   string   `json:"prescriber,omitempty"`
	Instructions []string `json:"instructions,omitempty"`
}

// StageTraceEntry records one stage outcome in invocation order.
type StageTraceEntry struct {
	Stage     string      `json:"stage"`
	Status    StageStatus `json:"status"`
	LatencyMS int64       `json:"latency_ms"`
	Model     string      `json:"model,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// PrescriptionRecord is the single mutable aggregate threaded through the
// pipeline. Each field is written by exactly one stage; Status and StageTrace
// are owned by the orchestrator.
type PrescriptionRecord struct {
	ID            string            `json:"id"`
	SourceImage   []byte            `json:"-"` // owned by the invocation, never persisted
	MediaType     string            `json:"media_type,omitempty"`
	RawExtraction string            `json:"raw_extraction,omitempty"`
	Patient       *Patient          `json:"patient,omitempty"`
	Prescriber    *Prescriber       `json:"prescriber,omitempty"`
	DrugEntries   []DrugEntry       `json:"drug_entries,omitempty"`
	Translation   *Translation      `json:"translation,omitempty"`
	StageTrace    []StageTraceEntry `json:"stage_trace"`
	Status        RecordStatus      `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// SetStatus advances the record status. Transitions out of a terminal state
// are ignored — status is monotonic by contract.
func (r *PrescriptionRecord) SetStatus(s RecordStatus) bool {
	if r.Status.Terminal() {
		return false
	}
	r.Status = s
	return true
}

// AppendTrace appends one stage outcome to the trace. Append-only.
func (r *PrescriptionRecord) AppendTrace(e StageTraceEntry) {
	r.StageTrace = append(r.StageTrace, e)
}
