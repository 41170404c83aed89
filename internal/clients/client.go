// Package clients holds the HTTP adapters for collaborators the lending
// service talks to over the network: the identity subsystem's member
// directory and the notification workflow's webhook.
package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"bookwise/internal/storage"
	"bookwise/pkg/logger"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	defaultTimeout = 5 * time.Second

	// A collaborator that failed this many times in a row is not called
	// again until breakerCooldown has passed.
	breakerTripAfter = 5
	breakerCooldown  = 30 * time.Second
)

// caller sends requests to one collaborator through a circuit breaker.
type caller struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newCaller(name string, timeout time.Duration) *caller {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log := logger.Component("clients")
	return &caller{
		http: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: breakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= breakerTripAfter
			},
			// Only outages count against the breaker; a 404 or a 400 is an answer.
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, storage.ErrUnavailable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("collaborator", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
	}
}

// do injects the trace context and sends req. Transport failures, 5xx
// answers and an open breaker are reported as storage.ErrUnavailable.
func (c *caller) do(req *http.Request) (*http.Response, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return send(c.http, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w: %w", c.breaker.Name(), storage.ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

func send(client *http.Client, req *http.Request) (*http.Response, error) {
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s: %w: %w", req.Method, req.URL.Path, storage.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w: status %d", req.Method, req.URL.Path, storage.ErrUnavailable, resp.StatusCode)
	}
	return resp, nil
}
