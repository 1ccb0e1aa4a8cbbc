//go:build !linux

package env

import (
	"errors"
	"runtime"

	"github.com/ntuicpc/tioj-judge/envexec"
)

// Builder is not available on this platform
type Builder struct{}

// NewBuilder returns error on non-linux platforms
func NewBuilder(c Config) (*Builder, map[string]any, error) {
	return nil, nil, errors.New("environment is not supported on this platform: " + runtime.GOOS)
}

// Build returns error on non-linux platforms
func (b *Builder) Build(slot int) (envexec.Environment, error) {
	return nil, errors.New("environment is not supported on this platform: " + runtime.GOOS)
}

// Destroy does nothing
func (b *Builder) Destroy() error {
	return nil
}
