package provisioner

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/veridoc/veridoc/internal/core"
)

// StaticBackend is an in-memory compute backend for development: every
// Provision call hands out an instance pointing at a fixed worker endpoint,
// and Terminate just forgets it. No machines are created or destroyed.
type StaticBackend struct {
	endpoint string

	mu   sync.Mutex
	live map[string]struct{}
}

// NewStaticBackend builds a static backend whose instances all report the
// given worker endpoint.
func NewStaticBackend(endpoint string) *StaticBackend {
	if endpoint == "" {
		endpoint = "http://localhost:9090"
	}
	return &StaticBackend{
		endpoint: endpoint,
		live:     map[string]struct{}{},
	}
}

func (b *StaticBackend) Provision(_ context.Context, _ core.ProvisionRequest) (*core.ProvisionedInstance, error) {
	id := "static-" + uuid.NewString()

	b.mu.Lock()
	b.live[id] = struct{}{}
	b.mu.Unlock()

	return &core.ProvisionedInstance{
		ID:        id,
		Endpoint:  b.endpoint,
		Prewarmed: true,
	}, nil
}

func (b *StaticBackend) Terminate(_ context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.live[instanceID]; !ok {
		return fmt.Errorf("unknown instance %q", instanceID)
	}
	delete(b.live, instanceID)
	return nil
}

// LiveCount reports how many static instances are outstanding. Test helper.
func (b *StaticBackend) LiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

var _ core.Provisioner = (*StaticBackend)(nil)
