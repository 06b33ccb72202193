package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"onairos/internal/models"
)

const (
	accountCacheTTL    = 5 * time.Minute
	accountHTTPTimeout = 15 * time.Second
)

// AccountService resolves which data categories a user account actually
// holds, by asking the platform API. Lookups are cached per identifier and
// rate-limited so a burst of session opens cannot hammer the collaborator.
type AccountService struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cache   *cache.Cache
	limiter *rate.Limiter
}

// NewAccountService creates an account lookup service against the given
// platform API base URL.
func NewAccountService(baseURL, apiKey string) *AccountService {
	return &AccountService{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: accountHTTPTimeout},
		cache:   cache.New(accountCacheTTL, 10*time.Minute),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// ActiveCategories returns the per-category active flags for an identifier.
// Email identifiers route to the email variant of the lookup endpoint.
//
// An unknown account ("No Account Found") yields an empty map, which marks
// every category inactive. Transport and decode failures return an error so
// the caller can fail open instead of blocking the session.
func (s *AccountService) ActiveCategories(ctx context.Context, identifier string) (map[string]bool, error) {
	if identifier == "" {
		return map[string]bool{}, nil
	}

	if cached, found := s.cache.Get(identifier); found {
		return cached.(map[string]bool), nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := s.baseURL + "/getAccountInfo"
	if strings.Contains(identifier, "@") {
		endpoint += "/email"
	}

	body, err := json.Marshal(models.AccountInfoRequest{Identifier: identifier})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account lookup: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("account lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("account lookup returned status %d", resp.StatusCode)
	}

	var parsed models.AccountInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode account info: %w", err)
	}

	active := map[string]bool{}
	if details, ok := parsed.Details(); ok {
		active[models.CategoryPersonality] = len(details.Models) > 0
		active[models.CategoryTraits] = details.HasTraits()
		active[models.CategoryAvatar] = details.Avatar
	} else {
		log.Printf("ℹ️ [ACCOUNT] No account found for %s, all categories inactive", identifier)
	}

	s.cache.Set(identifier, active, cache.DefaultExpiration)
	return active, nil
}

// Invalidate drops the cached lookup for an identifier, forcing the next
// session open to re-query the platform API.
func (s *AccountService) Invalidate(identifier string) {
	s.cache.Delete(identifier)
}
