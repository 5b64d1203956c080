//go:build !profile

package prof

import (
	"fmt"
	"io"

	"github.com/ardnew/softxhci/pkg"
)

// Session is inert without the profile build tag.
type Session struct{}

// Start returns an inert session for empty opts and fails otherwise.
func Start(opts Options) (*Session, error) {
	if opts.Enabled() {
		return nil, fmt.Errorf("profiling requires -tags profile: %w", pkg.ErrNotSupported)
	}
	return &Session{}, nil
}

// Addr returns "".
func (*Session) Addr() string { return "" }

// Stop does nothing.
func (*Session) Stop() error { return nil }

// Write fails with pkg.ErrNotSupported.
func Write(Profile, string) error { return pkg.ErrNotSupported }

// WriteTo fails with pkg.ErrNotSupported.
func WriteTo(Profile, io.Writer, int) error { return pkg.ErrNotSupported }
