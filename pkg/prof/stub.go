//go:build !profile

package prof

import "io"

// Enabled reports whether the binary was built with the "profile" tag.
const Enabled = false

// Errors are declared for API compatibility and never returned.
var (
	ErrActive         error
	ErrInvalidProfile error
)

// Start returns a session that records nothing.
func Start(opts Options) (*Session, error) {
	return &Session{opts: opts}, nil
}

// Stop is a no-op.
func (s *Session) Stop() error { return nil }

// WriteTo is a no-op.
func WriteTo(_ Profile, _ io.Writer, _ int) error { return nil }
