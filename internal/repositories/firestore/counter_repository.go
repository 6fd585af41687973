package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

const sequencesCollection = "orderSequences"

// sequenceDocument holds one order number sequence, typically one per UTC day.
type sequenceDocument struct {
	Value     int64     `firestore:"value"`
	Step      int64     `firestore:"step"`
	Ceiling   *int64    `firestore:"ceiling,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// advance returns the document moved forward by step, or by its stored step when step is zero.
func (d sequenceDocument) advance(id string, step int64) (sequenceDocument, error) {
	next, used, rejected := repositories.AdvanceSequence(id, d.Value, d.Step, step, d.Ceiling)
	if rejected != nil {
		return d, rejected
	}
	d.Value, d.Step = next, used
	return d, nil
}

// CounterRepository allocates sequence values inside Firestore transactions.
type CounterRepository struct {
	provider  *pfirestore.Provider
	sequences *pfirestore.BaseRepository[sequenceDocument]
	now       func() time.Time
}

func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider:  provider,
		sequences: pfirestore.NewBaseRepository[sequenceDocument](provider, sequencesCollection),
		now:       time.Now,
	}, nil
}

func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id, invalid := repositories.ValidateSequenceRequest(counterID, step)
	if invalid != nil {
		return 0, invalid
	}

	var allocated int64
	err := r.update(ctx, "counters.next", id, func(doc sequenceDocument) (sequenceDocument, error) {
		next, err := doc.advance(id, step)
		if err != nil {
			return doc, err
		}
		allocated = next.Value
		return next, nil
	})
	if err != nil {
		return 0, err
	}
	return allocated, nil
}

// Configure sets the step, ceiling or starting value of a sequence, creating it when missing.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	id, invalid := repositories.ValidateSequenceRequest(counterID, 0)
	if invalid != nil {
		return invalid
	}
	return r.update(ctx, "counters.configure", id, func(doc sequenceDocument) (sequenceDocument, error) {
		if cfg.Step > 0 {
			doc.Step = cfg.Step
		}
		if cfg.MaxValue != nil {
			ceiling := *cfg.MaxValue
			doc.Ceiling = &ceiling
		}
		if cfg.InitialValue != nil {
			doc.Value = *cfg.InitialValue
		}
		return doc, nil
	})
}

// update runs mutate against the current document (a zero document with step 1 when absent) and writes
// the result in the same transaction.
func (r *CounterRepository) update(ctx context.Context, op, id string, mutate func(sequenceDocument) (sequenceDocument, error)) error {
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.sequences.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		doc := sequenceDocument{Step: 1}
		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.OK:
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode sequence %s: %w", id, err)
			}
		case codes.NotFound:
			// first allocation of the day
		default:
			return err
		}

		updated, err := mutate(doc)
		if err != nil {
			return err
		}
		updated.UpdatedAt = r.now().UTC()
		return tx.Set(ref, updated)
	})
	if err == nil {
		return nil
	}
	var counterErr *repositories.CounterError
	if errors.As(err, &counterErr) {
		return counterErr
	}
	return pfirestore.WrapError(op, err)
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)
