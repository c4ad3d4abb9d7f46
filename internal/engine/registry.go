package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petrijr/flowrun/pkg/api"
)

// flowRegistry maps flow IDs and versions to executors.
type flowRegistry struct {
	mu     sync.RWMutex
	byFlow map[string]map[string]api.Executor
}

func newFlowRegistry() *flowRegistry {
	return &flowRegistry{
		byFlow: make(map[string]map[string]api.Executor),
	}
}

// Register adds exec for flowID at versionID. An empty versionID registers
// the executor for every version of the flow without a more specific entry.
func (r *flowRegistry) Register(flowID, versionID string, exec api.Executor) error {
	if flowID == "" {
		return errors.New("flow id is required")
	}
	if exec == nil {
		return fmt.Errorf("executor for flow %q is nil", flowID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byFlow[flowID]
	if versions == nil {
		versions = make(map[string]api.Executor)
		r.byFlow[flowID] = versions
	}

	if _, exists := versions[versionID]; exists {
		return fmt.Errorf("flow %q version %q already registered", flowID, versionID)
	}

	versions[versionID] = exec
	return nil
}

// Get returns the executor for an exact version, falling back to the
// flow-wide one.
func (r *flowRegistry) Get(flowID, versionID string) (api.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byFlow[flowID]
	if versions == nil {
		return nil, false
	}
	if exec, ok := versions[versionID]; ok {
		return exec, true
	}
	exec, ok := versions[""]
	return exec, ok
}

func (r *flowRegistry) Has(flowID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byFlow[flowID]) > 0
}
