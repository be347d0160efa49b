package errors

import "fmt"

// NewStructuralCorruptionError reports pre-existing dangling references in
// a stored graph version. This is fatal and must never be retried: it
// indicates prior data corruption outside the mutation engine's control.
func NewStructuralCorruptionError(versionID string, unresolved []string) *AppError {
	return &AppError{
		Type:    ErrorTypeStructuralCorruption,
		Message: fmt.Sprintf("graph version '%s' contains unresolved references", versionID),
		Details: map[string]interface{}{
			"versionID":  versionID,
			"unresolved": unresolved,
		},
	}
}

// NewIntegrityGuardError reports a proposed result that failed the
// catastrophic-shrink safety guard and was rejected without committing
func NewIntegrityGuardError(entityID string, priorCount, resultCount int) *AppError {
	return &AppError{
		Type:    ErrorTypeIntegrityGuard,
		Message: fmt.Sprintf("proposed result drops node count from %d to %d for entity '%s'", priorCount, resultCount, entityID),
		Details: map[string]interface{}{
			"entityID":    entityID,
			"priorCount":  priorCount,
			"resultCount": resultCount,
		},
	}
}

// NewRetriesExhaustedError reports that the corrective proposal loop gave
// up after its configured number of attempts
func NewRetriesExhaustedError(entityID string, attempts int, lastErr error) *AppError {
	return &AppError{
		Type:    ErrorTypeRetriesExhausted,
		Message: fmt.Sprintf("gave up integrating entity '%s' after %d proposal attempts", entityID, attempts),
		Cause:   lastErr,
		Details: map[string]interface{}{
			"entityID": entityID,
			"attempts": attempts,
		},
	}
}
