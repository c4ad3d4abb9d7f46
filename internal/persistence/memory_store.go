package persistence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/flowrun/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe RunStore backed by maps.
type InMemoryStore struct {
	mu   sync.RWMutex
	now  func() time.Time
	runs map[string]*api.FlowRun
	// token -> run id, for tokens not yet consumed
	tokens map[string]string
	// token -> status the run was moved to when the token was consumed.
	// Kept for as long as the store keeps runs, so a late resume still gets
	// api.ErrAlreadyResumed rather than api.ErrTokenNotFound.
	consumed map[string]api.RunStatus
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:      time.Now,
		runs:     make(map[string]*api.FlowRun),
		tokens:   make(map[string]string),
		consumed: make(map[string]api.RunStatus),
	}
}

// Ensure InMemoryStore implements RunStore.
var _ RunStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateRun(ctx context.Context, run *api.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, id string) (*api.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowRun
	for _, run := range s.runs {
		if filter.FlowID != "" && run.FlowID != filter.FlowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		result = append(result, cloneRun(run))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.After(result[j].StartTime)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *InMemoryStore) MarkPaused(ctx context.Context, runID string, meta api.PauseMetadata, checkpoint json.RawMessage) (*api.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	if run.Status != api.RunStatusRunning {
		return nil, api.ErrInvalidTransition
	}

	run.Status = api.RunStatusPaused
	run.UpdatedAt = s.now()
	run.FinishTime = nil
	run.Pause = &meta
	run.Checkpoint = append(json.RawMessage(nil), checkpoint...)
	s.tokens[meta.ResumeToken] = runID
	return cloneRun(run), nil
}

func (s *InMemoryStore) Finish(ctx context.Context, runID string, t Transition) (*api.FlowRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, false, api.ErrRunNotFound
	}
	switch {
	case run.Status.IsTerminal():
		return cloneRun(run), false, nil
	case run.Status != api.RunStatusRunning:
		return nil, false, api.ErrInvalidTransition
	}

	applyTransition(run, t, s.now())
	return cloneRun(run), true, nil
}

func (s *InMemoryStore) ConsumePause(ctx context.Context, token string, t Transition) (*api.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.pausedRunLocked(token)
	if err != nil {
		return nil, err
	}

	delete(s.tokens, token)
	s.consumed[token] = t.Status
	applyTransition(run, t, s.now())
	return cloneRun(run), nil
}

func (s *InMemoryStore) LookupPause(ctx context.Context, token string) (*api.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, err := s.pausedRunLocked(token)
	if err != nil {
		return nil, err
	}
	return cloneRun(run), nil
}

func (s *InMemoryStore) pausedRunLocked(token string) (*api.FlowRun, error) {
	if as, ok := s.consumed[token]; ok {
		return nil, consumedError(as)
	}
	runID, ok := s.tokens[token]
	if !ok {
		return nil, api.ErrTokenNotFound
	}
	run, ok := s.runs[runID]
	if !ok || run.Status != api.RunStatusPaused || run.Pause == nil || run.Pause.ResumeToken != token {
		return nil, api.ErrTokenNotFound
	}
	return run, nil
}
