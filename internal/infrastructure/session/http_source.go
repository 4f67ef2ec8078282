package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type validateRequest struct {
	SessionToken string `json:"sessionToken"`
}

// HTTPSource validates tokens against the web application's session endpoint.
type HTTPSource struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPSource(url string, timeout time.Duration, logger logging.Logger) *HTTPSource {
	return &HTTPSource{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "session-validation",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn(logging.Session, logging.ExternalService, "circuit breaker state change", map[logging.ExtraKey]any{
					logging.State: fmt.Sprintf("%s: %s -> %s", name, from, to),
				})
			},
		}),
	}
}

func (s *HTTPSource) Lookup(ctx context.Context, token string) (*domain.Session, error) {
	res, err := s.breaker.Execute(func() (any, error) {
		return s.lookup(ctx, token)
	})
	if err != nil {
		return nil, err
	}

	sess, _ := res.(*domain.Session)
	return sess, nil
}

func (s *HTTPSource) lookup(ctx context.Context, token string) (*domain.Session, error) {
	body, err := json.Marshal(validateRequest{SessionToken: token})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validation request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("validation endpoint returned %d", resp.StatusCode)
	}

	var sess domain.Session
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sess); err != nil {
		return nil, fmt.Errorf("decode validation response: %w", err)
	}
	if !sess.Valid() {
		return nil, nil
	}

	return &sess, nil
}
