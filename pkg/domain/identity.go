package domain

import "fmt"

// MaxIdentityLength bounds the byte length of a PipelineID.
const MaxIdentityLength = 255

// PipelineID is the immutable identifier of a pipeline definition. It keys the
// lock table and correlates audit entries.
type PipelineID string

// String implements fmt.Stringer.
func (id PipelineID) String() string { return string(id) }

// Validate reports whether the identifier is well formed: non-empty, at most
// MaxIdentityLength bytes, and made of ASCII letters, digits, '-', '_' or '.'.
func (id PipelineID) Validate() error {
	if id == "" {
		return NewValidationError("pipeline id is required")
	}
	if len(id) > MaxIdentityLength {
		return NewValidationError(fmt.Sprintf("pipeline id exceeds %d bytes (got %d)", MaxIdentityLength, len(id)))
	}
	for i := 0; i < len(id); i++ {
		if !isIdentityByte(id[i]) {
			return NewValidationError(fmt.Sprintf("pipeline id %q contains invalid character %q", string(id), id[i]))
		}
	}
	return nil
}

func isIdentityByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '.':
		return true
	default:
		return false
	}
}
