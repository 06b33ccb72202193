package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"onairos/internal/models"
)

const exchangeHTTPTimeout = 30 * time.Second

// AccessService exchanges a confirmed selection for the platform's session
// artifact (API URL plus token). Calls run behind a circuit breaker so a
// struggling collaborator trips fast instead of stacking up timeouts; the
// caller treats breaker-open errors the same as exchange failures.
type AccessService struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*models.AccessResponse]
}

// NewAccessService creates an access exchange service against the given
// platform API base URL.
func NewAccessService(baseURL, apiKey string) *AccessService {
	settings := gobreaker.Settings{
		Name:        "access-exchange",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &AccessService{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: exchangeHTTPTimeout},
		breaker: gobreaker.NewCircuitBreaker[*models.AccessResponse](settings),
	}
}

// Exchange performs the POST /getAPIAccess call through the breaker.
func (s *AccessService) Exchange(ctx context.Context, req models.AccessRequest) (*models.AccessResponse, error) {
	start := time.Now()
	resp, err := s.breaker.Execute(func() (*models.AccessResponse, error) {
		return s.exchange(ctx, req)
	})
	if m := GetMetrics(); m != nil {
		m.RecordExchangeLatency(time.Since(start).Seconds())
	}
	return resp, err
}

func (s *AccessService) exchange(ctx context.Context, accessReq models.AccessRequest) (*models.AccessResponse, error) {
	body, err := json.Marshal(accessReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal access request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/getAPIAccess", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("access exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("access exchange returned status %d", resp.StatusCode)
	}

	var parsed models.AccessResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode access response: %w", err)
	}
	return &parsed, nil
}
