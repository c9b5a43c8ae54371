// Fieldsync - Offline Action Queue and Sync Engine
// Copyright 2026 Fieldsync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldsync/fieldsync

package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
)

// BreakerClient wraps a Client with the circuit breaker pattern so a
// flapping backend cannot turn every sync pass into a stall of slow
// timeouts. Rejections from an open breaker count as transient failures;
// the queued action stays pending and retries on a later pass.
type BreakerClient struct {
	client Client
	cb     *gobreaker.CircuitBreaker[any]
	name   string
}

// Ensure BreakerClient implements Client
var _ Client = (*BreakerClient)(nil)

// NewBreakerClient wraps client with a circuit breaker.
// Configuration:
// - Max 3 concurrent requests in half-open state
// - 1 minute measurement window
// - 30 second timeout before attempting recovery
// - Opens after 60% failure rate with minimum 5 requests
func NewBreakerClient(client Client) *BreakerClient {
	cbName := "backend-api"

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6

			if shouldTrip {
				logging.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_rate", failureRatio*100).Msg("[CIRCUIT BREAKER] Opening circuit")
			}

			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)

			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &BreakerClient{
		client: client,
		cb:     cb,
		name:   cbName,
	}
}

// execute wraps a backend call with circuit breaker protection.
// Permanent backend rejections (4xx) do not count against the breaker:
// they describe the action, not backend health.
func (bc *BreakerClient) execute(fn func() (any, error)) (any, error) {
	result, err := bc.cb.Execute(func() (any, error) {
		res, err := fn()
		if IsPermanent(err) {
			return permanentResult{res: res, err: err}, nil
		}
		return res, err
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Warn().Err(err).Msg("[CIRCUIT BREAKER] Request rejected")
		}
		return nil, err
	}

	if pr, ok := result.(permanentResult); ok {
		return pr.res, pr.err
	}
	return result, nil
}

type permanentResult struct {
	res any
	err error
}

// castString type-casts a breaker result that carries a server ID.
func castString(result any, err error) (string, error) {
	if err != nil {
		return "", err
	}
	id, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return id, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Ping verifies backend connectivity with circuit breaker protection.
func (bc *BreakerClient) Ping(ctx context.Context) error {
	_, err := bc.execute(func() (any, error) {
		return nil, bc.client.Ping(ctx)
	})
	return err
}

func (bc *BreakerClient) CreateTask(ctx context.Context, data json.RawMessage) error {
	_, err := bc.execute(func() (any, error) {
		return nil, bc.client.CreateTask(ctx, data)
	})
	return err
}

func (bc *BreakerClient) UpdateTask(ctx context.Context, id string, data json.RawMessage) error {
	_, err := bc.execute(func() (any, error) {
		return nil, bc.client.UpdateTask(ctx, id, data)
	})
	return err
}

func (bc *BreakerClient) DeleteTask(ctx context.Context, id string) error {
	_, err := bc.execute(func() (any, error) {
		return nil, bc.client.DeleteTask(ctx, id)
	})
	return err
}

func (bc *BreakerClient) CreateTimeEntry(ctx context.Context, data json.RawMessage) (string, error) {
	return castString(bc.execute(func() (any, error) {
		return bc.client.CreateTimeEntry(ctx, data)
	}))
}

func (bc *BreakerClient) UpdateTimeEntry(ctx context.Context, id string, data json.RawMessage) error {
	_, err := bc.execute(func() (any, error) {
		return nil, bc.client.UpdateTimeEntry(ctx, id, data)
	})
	return err
}

func (bc *BreakerClient) DeleteTimeEntry(ctx context.Context, id string) error {
	_, err := bc.execute(func() (any, error) {
		return nil, bc.client.DeleteTimeEntry(ctx, id)
	})
	return err
}

func (bc *BreakerClient) CreateExpense(ctx context.Context, data json.RawMessage) error {
	_, err := bc.execute(func() (any, error) {
		return nil, bc.client.CreateExpense(ctx, data)
	})
	return err
}

func (bc *BreakerClient) UpdateExpense(ctx context.Context, id string, data json.RawMessage) error {
	_, err := bc.execute(func() (any, error) {
		return nil, bc.client.UpdateExpense(ctx, id, data)
	})
	return err
}

func (bc *BreakerClient) UpdateProject(ctx context.Context, id string, data json.RawMessage) error {
	_, err := bc.execute(func() (any, error) {
		return nil, bc.client.UpdateProject(ctx, id, data)
	})
	return err
}

func (bc *BreakerClient) UploadMedia(ctx context.Context, upload MediaUpload) (string, error) {
	return castString(bc.execute(func() (any, error) {
		return bc.client.UploadMedia(ctx, upload)
	}))
}
