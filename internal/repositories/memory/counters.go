package memory

import (
	"context"
	"sync"

	"github.com/hanko-field/orders/internal/repositories"
)

type sequence struct {
	value   int64
	step    int64
	ceiling *int64
}

// CounterRepository keeps sequences in a map guarded by one mutex.
type CounterRepository struct {
	mu        sync.Mutex
	sequences map[string]*sequence
	down      bool
}

func NewCounterRepository() *CounterRepository {
	return &CounterRepository{sequences: make(map[string]*sequence)}
}

func (r *CounterRepository) Next(_ context.Context, counterID string, step int64) (int64, error) {
	id, invalid := repositories.ValidateSequenceRequest(counterID, step)
	if invalid != nil {
		return 0, invalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return 0, repositories.NewUnavailableError("counters.next", nil)
	}
	seq := r.sequenceLocked(id)
	next, used, rejected := repositories.AdvanceSequence(id, seq.value, seq.step, step, seq.ceiling)
	if rejected != nil {
		return 0, rejected
	}
	seq.value, seq.step = next, used
	return next, nil
}

func (r *CounterRepository) Configure(_ context.Context, counterID string, cfg repositories.CounterConfig) error {
	id, invalid := repositories.ValidateSequenceRequest(counterID, 0)
	if invalid != nil {
		return invalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.sequenceLocked(id)
	if cfg.Step > 0 {
		seq.step = cfg.Step
	}
	if cfg.MaxValue != nil {
		ceiling := *cfg.MaxValue
		seq.ceiling = &ceiling
	}
	if cfg.InitialValue != nil {
		seq.value = *cfg.InitialValue
	}
	return nil
}

// SetUnavailable makes Next fail as if the counter store were unreachable.
func (r *CounterRepository) SetUnavailable(down bool) {
	r.mu.Lock()
	r.down = down
	r.mu.Unlock()
}

func (r *CounterRepository) sequenceLocked(id string) *sequence {
	seq, ok := r.sequences[id]
	if !ok {
		seq = &sequence{step: 1}
		r.sequences[id] = seq
	}
	return seq
}
