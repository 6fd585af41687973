package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hanko-field/orders/internal/repositories"
)

const (
	defaultOrderNumberPrefix = "ORD"
	orderSequenceWidth       = 3
	orderCounterScope        = "orders"
)

var (
	// ErrCounterInvalidInput indicates the counter store rejected the request parameters.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted indicates the day's sequence reached its configured ceiling.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// CounterServiceDeps wires the order number sequencer. DailyLimit caps the per-day sequence; zero leaves
// it unbounded.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
	Prefix     string
	DailyLimit int64
}

type counterService struct {
	repo       repositories.CounterRepository
	clock      func() time.Time
	prefix     string
	dailyLimit int64

	mu            sync.Mutex
	configuredDay string
}

// NewCounterService builds the sequencer behind NextOrderNumber.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	if deps.DailyLimit < 0 {
		return nil, errors.New("counter service: daily limit must not be negative")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	prefix := strings.ToUpper(strings.TrimSpace(deps.Prefix))
	if prefix == "" {
		prefix = defaultOrderNumberPrefix
	}

	return &counterService{
		repo:       deps.Repository,
		clock:      func() time.Time { return clock().UTC() },
		prefix:     prefix,
		dailyLimit: deps.DailyLimit,
	}, nil
}

// NextOrderNumber allocates PREFIX-YYYYMMDD-NNN from the counter keyed orders-YYYYMMDD. The day is
// taken in UTC; the sequence restarts at 001 each day and widens past 999.
func (s *counterService) NextOrderNumber(ctx context.Context, date time.Time) (string, error) {
	if date.IsZero() {
		date = s.clock()
	}
	day := date.UTC().Format("20060102")
	counterID := orderCounterScope + "-" + day

	if err := s.configureDay(ctx, day, counterID); err != nil {
		return "", err
	}

	seq, err := s.repo.Next(ctx, counterID, 0)
	if err != nil {
		return "", classifyCounterError(err)
	}
	return fmt.Sprintf("%s-%s-%0*d", s.prefix, day, orderSequenceWidth, seq), nil
}

// configureDay pushes the daily ceiling to the store once per day. Only the current day is remembered.
func (s *counterService) configureDay(ctx context.Context, day, counterID string) error {
	if s.dailyLimit == 0 {
		return nil
	}
	s.mu.Lock()
	done := s.configuredDay == day
	s.mu.Unlock()
	if done {
		return nil
	}

	// concurrent first calls of a day may each configure; the settings are identical
	limit := s.dailyLimit
	if err := s.repo.Configure(ctx, counterID, repositories.CounterConfig{Step: 1, MaxValue: &limit}); err != nil {
		return classifyCounterError(err)
	}
	s.mu.Lock()
	s.configuredDay = day
	s.mu.Unlock()
	return nil
}

func classifyCounterError(err error) error {
	var counterErr *repositories.CounterError
	if errors.As(err, &counterErr) {
		switch counterErr.Code {
		case repositories.CounterErrorInvalidInput:
			return fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
		case repositories.CounterErrorExhausted:
			return fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Message)
		}
	}
	// the sequence position is unknown; never guess a value
	return fmt.Errorf("%w: %w", ErrCounterUnavailable, err)
}
