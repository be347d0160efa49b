package entities

import (
	"time"

	"github.com/google/uuid"
)

// AuditRecord captures one proposal cycle: the batch the proposer emitted,
// the error it produced (if any), and the version the commit produced.
// Records are written before the batch is applied so a crash mid-cycle
// leaves forensic evidence.
type AuditRecord struct {
	ID              string      `json:"id" dynamodbav:"AuditID"`
	EntityID        string      `json:"entity_id" dynamodbav:"EntityID"`
	PriorVersionID  string      `json:"prior_version_id" dynamodbav:"PriorVersionID"`
	Operations      []Operation `json:"operations" dynamodbav:"Operations"`
	MessageIDs      []string    `json:"message_ids,omitempty" dynamodbav:"MessageIDs,omitempty"`
	Reasoning       string      `json:"reasoning,omitempty" dynamodbav:"Reasoning,omitempty"`
	ErrorText       string      `json:"error_text,omitempty" dynamodbav:"ErrorText,omitempty"`
	ResultVersionID string      `json:"result_version_id,omitempty" dynamodbav:"ResultVersionID,omitempty"`
	// FinalVersionID is stamped on every intermediate record of a
	// compaction run once the loop settles on its final version.
	FinalVersionID string    `json:"final_version_id,omitempty" dynamodbav:"FinalVersionID,omitempty"`
	CreatedAt      time.Time `json:"created_at" dynamodbav:"CreatedAt"`
}

// NewAuditRecord creates a proposal audit record
func NewAuditRecord(entityID, priorVersionID, reasoning string, operations []Operation, messageIDs []string) *AuditRecord {
	return &AuditRecord{
		ID:             uuid.New().String(),
		EntityID:       entityID,
		PriorVersionID: priorVersionID,
		Operations:     operations,
		MessageIDs:     messageIDs,
		Reasoning:      reasoning,
		CreatedAt:      time.Now(),
	}
}
