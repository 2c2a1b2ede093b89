package execution

import "time"

const (
	defaultMaxConflictRetries = 3
	defaultConflictBackoff    = 50 * time.Millisecond
)

// ServiceConfig tunes how the execution services handle guarded-update
// conflicts. A conflict is a guarded update whose precondition no longer
// holds; the services re-check and retry a bounded number of times before
// reporting it.
type ServiceConfig struct {
	MaxConflictRetries int           `json:"max_conflict_retries"`
	ConflictBackoff    time.Duration `json:"conflict_backoff"`
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = defaultMaxConflictRetries
	}
	if c.ConflictBackoff <= 0 {
		c.ConflictBackoff = defaultConflictBackoff
	}
	return c
}
