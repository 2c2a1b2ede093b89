package schema

// FailureType classifies what went wrong when a node reaches a broken status.
type FailureType string

const (
	FailureApplication    FailureType = "APPLICATION_FAILURE"
	FailureAuthentication FailureType = "AUTHENTICATION_FAILURE"
	FailureAuthorization  FailureType = "AUTHORIZATION_FAILURE"
	FailureConnectivity   FailureType = "CONNECTIVITY_FAILURE"
	FailureTimeout        FailureType = "TIMEOUT_FAILURE"
	FailureVerification   FailureType = "VERIFICATION_FAILURE"
	FailurePolicy         FailureType = "POLICY_EVALUATION_FAILURE"
	FailureUnknown        FailureType = "UNKNOWN_FAILURE"
)

// FailureInfo is the structured failure record attached to a node execution
// when it enters a broken status.
type FailureInfo struct {
	Message string        `json:"message,omitempty"`
	Types   []FailureType `json:"types,omitempty"`
}

// Intersects reports whether any of the recorded failure types is contained
// in the given set.
func (f *FailureInfo) Intersects(set []FailureType) bool {
	if f == nil {
		return false
	}
	for _, t := range f.Types {
		for _, s := range set {
			if t == s {
				return true
			}
		}
	}
	return false
}

// TypeStrings returns the failure types as plain strings, used as the
// expression environment for strategy conditions.
func (f *FailureInfo) TypeStrings() []string {
	if f == nil {
		return nil
	}
	out := make([]string, 0, len(f.Types))
	for _, t := range f.Types {
		out = append(out, string(t))
	}
	return out
}
