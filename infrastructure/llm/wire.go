package llm

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"

	"qualia-backend/application/ports"
	"qualia-backend/domain/core/entities"
	pkgerrors "qualia-backend/pkg/errors"
)

// wireOperation is the closed edit-operation shape the model must
// produce. Unknown fields are rejected at decode time so a drifting
// prompt or model surfaces immediately instead of silently dropping
// instructions.
type wireOperation struct {
	NodeID            string   `json:"node_id" validate:"required"`
	Conclusion        *string  `json:"conclusion"`
	AddAssumptions    []string `json:"add_assumptions"`
	RemoveAssumptions []string `json:"remove_assumptions"`
}

type wireProposal struct {
	Reasoning  string          `json:"reasoning"`
	Operations []wireOperation `json:"operations" validate:"required,dive"`
}

// parseProposal decodes and validates one model response body.
func parseProposal(content string, validate *validator.Validate) (*ports.Proposal, error) {
	content = stripFences(content)

	decoder := json.NewDecoder(bytes.NewReader([]byte(content)))
	decoder.DisallowUnknownFields()

	var wire wireProposal
	if err := decoder.Decode(&wire); err != nil {
		return nil, pkgerrors.NewExternalError("model response is not valid proposal JSON", err)
	}
	if err := validate.Struct(&wire); err != nil {
		return nil, pkgerrors.NewExternalError("model response failed validation", err)
	}

	operations := make([]entities.Operation, len(wire.Operations))
	for i, op := range wire.Operations {
		operations[i] = entities.Operation{
			NodeID:            op.NodeID,
			Conclusion:        op.Conclusion,
			AddAssumptions:    op.AddAssumptions,
			RemoveAssumptions: op.RemoveAssumptions,
		}
	}
	return &ports.Proposal{Reasoning: wire.Reasoning, Operations: operations}, nil
}

// stripFences tolerates models that wrap JSON in a markdown code block
// despite instructions.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
