package entities

// Operation is one batch-scoped graph mutation instruction as proposed by
// the generative-model collaborator. The fields mirror the wire payload
// exactly; required-vs-optional is enforced at the deserialization
// boundary, not trusted implicitly.
//
// Semantics per field:
//   - Conclusion nil: keep the existing text (the node must exist)
//   - Conclusion "": delete the node
//   - Conclusion non-empty: create the node or replace its text
type Operation struct {
	NodeID            string   `json:"node_id" validate:"required"`
	Conclusion        *string  `json:"conclusion,omitempty"`
	AddAssumptions    []string `json:"add_assumptions,omitempty" validate:"omitempty,dive,required"`
	RemoveAssumptions []string `json:"remove_assumptions,omitempty" validate:"omitempty,dive,required"`
}

// IsDelete reports whether the operation requests node deletion
func (op Operation) IsDelete() bool {
	return op.Conclusion != nil && *op.Conclusion == ""
}

// HasConclusion reports whether the operation carries replacement text
func (op Operation) HasConclusion() bool {
	return op.Conclusion != nil && *op.Conclusion != ""
}
