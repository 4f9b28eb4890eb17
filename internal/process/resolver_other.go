//go:build !linux && !windows && !darwin

package process

import (
	"context"

	"proc-throttle/internal/core"
)

type unsupportedResolver struct{}

func newPlatformResolver() Resolver { return unsupportedResolver{} }

func (unsupportedResolver) FindProcesses(context.Context, string) ([]Info, error) {
	return nil, core.ErrUnsupported
}

func (unsupportedResolver) ListBoundEndpoints(context.Context, uint32) ([]Endpoint, error) {
	return nil, core.ErrUnsupported
}
