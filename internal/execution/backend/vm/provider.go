package vm

import (
	"context"
	"errors"

	"github.com/cascade-labs/cascade-go/internal/platform/compute"
)

// ErrNoMatchingImage is returned when image resolution finds nothing for
// the configured name filter.
var ErrNoMatchingImage = errors.New("no machine image matches the filter")

// Provider is the cloud boundary of the VM backend: image lookup, instance
// create, instance describe, instance terminate. *compute.Client implements
// it; tests supply fakes.
type Provider interface {
	DescribeImages(ctx context.Context, filter compute.ImageFilter) ([]compute.Image, error)
	RunInstance(ctx context.Context, input compute.RunInstanceInput) (compute.Instance, error)
	DescribeInstance(ctx context.Context, instanceID string) (compute.Instance, error)
	TerminateInstance(ctx context.Context, instanceID string) error
}
