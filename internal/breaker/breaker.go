package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gapscope/gapscope/internal/kv"
	"github.com/gapscope/gapscope/internal/observability"
	"github.com/rs/zerolog/log"
)

// State identifies the circuit position for one endpoint.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

var (
	// ErrCircuitOpen is returned when the circuit is open and calls are rejected.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrCircuitAtCapacity is returned when the half-open trial slots are full.
	ErrCircuitAtCapacity = errors.New("circuit breaker at half-open capacity")
	// ErrTimeout is returned when the wrapped call exceeds the configured timeout.
	ErrTimeout = errors.New("circuit breaker call timed out")
)

// Config holds the tuning knobs for one endpoint's breaker.
type Config struct {
	FailureThreshold         int           // consecutive failures before opening
	ResetTimeout             time.Duration // how long the circuit stays open
	HalfOpenSuccessThreshold int           // successful trials required to close
	MaxHalfOpenCalls         int           // concurrent trial calls admitted while half-open
	Timeout                  time.Duration // per-call timeout
}

// DefaultConfig returns the standard breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 3,
		MaxHalfOpenCalls:         1,
		Timeout:                  10 * time.Second,
	}
}

// Breaker is a per-endpoint circuit breaker whose state lives in the
// key-value store, so independent process invocations share one circuit.
type Breaker struct {
	store    kv.Store
	endpoint string
	config   Config

	// OnFailure, when set, is invoked with every failure before the error
	// is returned to the caller. The breaker never swallows the error.
	OnFailure func(endpoint string, err error)
}

// Stats is a read-only snapshot of circuit state.
type Stats struct {
	Endpoint          string    `json:"endpoint"`
	State             State     `json:"state"`
	Failures          int64     `json:"failures"`
	HalfOpenSuccesses int64     `json:"half_open_successes"`
	HalfOpenInFlight  int64     `json:"half_open_in_flight"`
	ChangedAt         time.Time `json:"changed_at,omitzero"`
}

// New creates a circuit breaker for the given endpoint key.
func New(store kv.Store, endpoint string, config Config) *Breaker {
	if store == nil {
		panic("key-value store is required")
	}
	if endpoint == "" {
		panic("endpoint key is required")
	}
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.HalfOpenSuccessThreshold <= 0 {
		config.HalfOpenSuccessThreshold = defaults.HalfOpenSuccessThreshold
	}
	if config.MaxHalfOpenCalls <= 0 {
		config.MaxHalfOpenCalls = defaults.MaxHalfOpenCalls
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	return &Breaker{
		store:    store,
		endpoint: endpoint,
		config:   config,
	}
}

// Execute runs fn under the breaker's admission control and timeout.
// It returns ErrCircuitOpen or ErrCircuitAtCapacity without calling fn
// when the circuit rejects the call; otherwise it returns fn's error
// (or ErrTimeout) after recording the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	state, err := b.observeState(ctx)
	if err != nil {
		// Store trouble must not take the service down with it: admit the
		// call and skip outcome recording.
		log.Warn().Err(err).Str("endpoint", b.endpoint).Msg("Circuit state unavailable, admitting call unguarded")
		return b.call(ctx, fn)
	}

	switch state {
	case StateOpen:
		return ErrCircuitOpen

	case StateHalfOpen:
		inFlight, err := b.store.Incr(ctx, kv.CircuitHalfOpenInFlightKey(b.endpoint))
		if err != nil {
			log.Warn().Err(err).Str("endpoint", b.endpoint).Msg("Circuit in-flight counter unavailable, admitting call unguarded")
			return b.call(ctx, fn)
		}
		// Balance the increment on every path, including rejection.
		defer func() {
			if _, err := b.store.Decr(ctx, kv.CircuitHalfOpenInFlightKey(b.endpoint)); err != nil {
				log.Warn().Err(err).Str("endpoint", b.endpoint).Msg("Failed to release half-open slot")
			}
		}()

		if inFlight > int64(b.config.MaxHalfOpenCalls) {
			return ErrCircuitAtCapacity
		}

		callErr := b.call(ctx, fn)
		if callErr != nil {
			b.recordHalfOpenFailure(ctx, callErr)
			return callErr
		}
		b.recordHalfOpenSuccess(ctx)
		return nil

	default: // StateClosed
		callErr := b.call(ctx, fn)
		if callErr != nil {
			b.recordClosedFailure(ctx, callErr)
			return callErr
		}
		// A success resets the consecutive-failure count.
		if err := b.store.Del(ctx, kv.CircuitFailuresKey(b.endpoint)); err != nil {
			log.Warn().Err(err).Str("endpoint", b.endpoint).Msg("Failed to reset failure counter")
		}
		return nil
	}
}

// call runs fn racing against the configured timeout. Whichever of
// completion or timeout resolves first wins.
func (b *Breaker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, b.config.Timeout)
		}
		return callCtx.Err()
	}
}

// Stats returns the current circuit state without mutating anything.
func (b *Breaker) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Endpoint: b.endpoint, State: StateClosed}

	stored, found, err := b.store.Get(ctx, kv.CircuitStateKey(b.endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to read circuit state: %w", err)
	}
	if found {
		switch State(stored) {
		case StateOpen:
			// The open marker expiring is the implicit Open -> HalfOpen edge.
			openAlive, err := b.store.Exists(ctx, kv.CircuitOpenKey(b.endpoint))
			if err != nil {
				return nil, fmt.Errorf("failed to read circuit open marker: %w", err)
			}
			if openAlive {
				stats.State = StateOpen
			} else {
				stats.State = StateHalfOpen
			}
		case StateHalfOpen:
			stats.State = StateHalfOpen
		}
	}

	stats.Failures = b.counter(ctx, kv.CircuitFailuresKey(b.endpoint))
	stats.HalfOpenSuccesses = b.counter(ctx, kv.CircuitHalfOpenSuccessKey(b.endpoint))
	stats.HalfOpenInFlight = b.counter(ctx, kv.CircuitHalfOpenInFlightKey(b.endpoint))

	if raw, found, err := b.store.Get(ctx, kv.CircuitChangedAtKey(b.endpoint)); err == nil && found {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			stats.ChangedAt = ts
		}
	}

	return stats, nil
}

// Reset forces the circuit closed and clears all counters.
func (b *Breaker) Reset(ctx context.Context) error {
	log.Info().Str("endpoint", b.endpoint).Msg("Circuit breaker manually reset")
	return b.transitionTo(ctx, StateClosed)
}

// Trip forces the circuit open with a fresh reset timeout.
func (b *Breaker) Trip(ctx context.Context) error {
	log.Warn().Str("endpoint", b.endpoint).Msg("Circuit breaker manually tripped")
	return b.transitionTo(ctx, StateOpen)
}

// observeState reads the circuit state and applies the implicit
// Open -> HalfOpen transition when the open marker has expired.
func (b *Breaker) observeState(ctx context.Context) (State, error) {
	stored, found, err := b.store.Get(ctx, kv.CircuitStateKey(b.endpoint))
	if err != nil {
		return StateClosed, err
	}
	if !found {
		return StateClosed, nil
	}

	switch State(stored) {
	case StateOpen:
		openAlive, err := b.store.Exists(ctx, kv.CircuitOpenKey(b.endpoint))
		if err != nil {
			return StateClosed, err
		}
		if openAlive {
			return StateOpen, nil
		}
		// Reset timeout elapsed; enter half-open with clean trial counters.
		if err := b.transitionTo(ctx, StateHalfOpen); err != nil {
			return StateClosed, err
		}
		return StateHalfOpen, nil
	case StateHalfOpen:
		return StateHalfOpen, nil
	default:
		return StateClosed, nil
	}
}

func (b *Breaker) recordClosedFailure(ctx context.Context, callErr error) {
	b.notifyFailure(callErr)

	failures, err := b.store.Incr(ctx, kv.CircuitFailuresKey(b.endpoint))
	if err != nil {
		log.Warn().Err(err).Str("endpoint", b.endpoint).Msg("Failed to record circuit failure")
		return
	}

	if failures >= int64(b.config.FailureThreshold) {
		log.Warn().
			Str("endpoint", b.endpoint).
			Int64("failures", failures).
			Int("threshold", b.config.FailureThreshold).
			Msg("Failure threshold reached, opening circuit")
		if err := b.transitionTo(ctx, StateOpen); err != nil {
			log.Error().Err(err).Str("endpoint", b.endpoint).Msg("Failed to open circuit")
		}
	}
}

func (b *Breaker) recordHalfOpenFailure(ctx context.Context, callErr error) {
	b.notifyFailure(callErr)

	// Any half-open failure reopens immediately.
	log.Warn().Err(callErr).Str("endpoint", b.endpoint).Msg("Half-open trial failed, reopening circuit")
	if err := b.transitionTo(ctx, StateOpen); err != nil {
		log.Error().Err(err).Str("endpoint", b.endpoint).Msg("Failed to reopen circuit")
	}
}

func (b *Breaker) recordHalfOpenSuccess(ctx context.Context) {
	successes, err := b.store.Incr(ctx, kv.CircuitHalfOpenSuccessKey(b.endpoint))
	if err != nil {
		log.Warn().Err(err).Str("endpoint", b.endpoint).Msg("Failed to record half-open success")
		return
	}

	if successes >= int64(b.config.HalfOpenSuccessThreshold) {
		log.Info().
			Str("endpoint", b.endpoint).
			Int64("successes", successes).
			Msg("Half-open trials succeeded, closing circuit")
		if err := b.transitionTo(ctx, StateClosed); err != nil {
			log.Error().Err(err).Str("endpoint", b.endpoint).Msg("Failed to close circuit")
		}
	}
}

// transitionTo moves the circuit to the target state and resets the
// counters that do not survive a transition.
func (b *Breaker) transitionTo(ctx context.Context, target State) error {
	if err := b.store.Set(ctx, kv.CircuitStateKey(b.endpoint), string(target), 0); err != nil {
		return fmt.Errorf("failed to write circuit state: %w", err)
	}

	switch target {
	case StateOpen:
		if err := b.store.Set(ctx, kv.CircuitOpenKey(b.endpoint), "1", b.config.ResetTimeout); err != nil {
			return fmt.Errorf("failed to write circuit open marker: %w", err)
		}
	default:
		if err := b.store.Del(ctx, kv.CircuitOpenKey(b.endpoint)); err != nil {
			return fmt.Errorf("failed to clear circuit open marker: %w", err)
		}
	}

	if err := b.store.Del(ctx,
		kv.CircuitFailuresKey(b.endpoint),
		kv.CircuitHalfOpenSuccessKey(b.endpoint),
		kv.CircuitHalfOpenInFlightKey(b.endpoint),
	); err != nil {
		return fmt.Errorf("failed to reset circuit counters: %w", err)
	}

	if err := b.store.Set(ctx, kv.CircuitChangedAtKey(b.endpoint), time.Now().UTC().Format(time.RFC3339Nano), 0); err != nil {
		return fmt.Errorf("failed to record circuit transition time: %w", err)
	}

	observability.RecordCircuitTransition(ctx, b.endpoint, string(target))
	return nil
}

func (b *Breaker) notifyFailure(err error) {
	if b.OnFailure != nil {
		b.OnFailure(b.endpoint, err)
	}
}

func (b *Breaker) counter(ctx context.Context, key string) int64 {
	raw, found, err := b.store.Get(ctx, key)
	if err != nil || !found {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
