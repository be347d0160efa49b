package mutation

import (
	"strings"

	"qualia-backend/domain/core/entities"
)

// ValidationError carries every problem found while applying one
// operation batch, deduplicated, together with the original batch.
// Callers use it to drive a single corrective re-prompt rather than
// iterating error-by-error.
type ValidationError struct {
	Problems   []string
	Operations []entities.Operation
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return "mutation batch rejected: " + strings.Join(e.Problems, "; ")
}

// CycleError reports a dependency cycle in an otherwise valid result.
// It is kept distinct from ValidationError because cycles require a
// different corrective instruction to the proposer.
type CycleError struct {
	Path []string
}

// Error implements the error interface
func (e *CycleError) Error() string {
	return "assumption cycle: " + strings.Join(e.Path, " -> ") + " -> " + e.Path[0]
}

func dedupe(problems []string) []string {
	seen := make(map[string]struct{}, len(problems))
	out := make([]string, 0, len(problems))
	for _, p := range problems {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
