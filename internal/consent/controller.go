package consent

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"sort"
	"sync"
	"time"

	"onairos/internal/logging"
	"onairos/internal/models"
)

// State is the controller lifecycle state.
type State string

const (
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateSubmitting State = "submitting"
	StateCompleted  State = "completed"
	StateRejected   State = "rejected"
)

var (
	// ErrUnknownCategory is returned for toggles naming a category outside the manifest.
	ErrUnknownCategory = errors.New("category not in request manifest")
	// ErrInactiveCategory is returned for grant attempts on a category without underlying data.
	ErrInactiveCategory = errors.New("category has no underlying data")
	// ErrNotReady is returned for toggles arriving before loading finished or after submit.
	ErrNotReady = errors.New("consent session not ready")
)

// Notifier is the surface a consent session reports to: a WebSocket
// connection, a REST response collector, or a test double. Completed and
// Cancelled are each invoked at most once, and never both.
type Notifier interface {
	CountChanged(granted int)
	Completed(payload models.ApprovalPayload)
	Cancelled()
}

// AccountResolver resolves which categories a user has underlying data for.
type AccountResolver interface {
	ActiveCategories(ctx context.Context, identifier string) (map[string]bool, error)
}

// AccessExchanger performs the access-exchange collaborator call.
type AccessExchanger interface {
	Exchange(ctx context.Context, req models.AccessRequest) (*models.AccessResponse, error)
}

// SessionConfig is the mount-time configuration for one consent session.
type SessionConfig struct {
	SessionID        string
	RequestData      models.RequestManifest
	DataRequester    string
	Identifier       string // username or email for the account-info lookup
	ProofMode        bool
	Web3Type         string
	Domain           string
	EncryptedUserPin string
	UserSub          string
}

// Controller orchestrates one consent session: it resolves the
// active-category set, routes toggle events into the ledger, and on
// confirm performs the access exchange and emits the approval payload.
//
// State machine: Loading → Ready → Submitting → {Completed, Rejected}.
// Reject is accepted at any point before a terminal state; async results
// arriving after a terminal transition are dropped.
type Controller struct {
	mu         sync.Mutex
	state      State
	cfg        SessionConfig
	categories []models.RequestCategory // display order
	ledger     *Ledger
	notifier   Notifier
	accounts   AccountResolver
	access     AccessExchanger
	touched    time.Time
	log        *slog.Logger
}

// NewController creates a consent session in the Loading state.
// Call Load to resolve the active set and reach Ready.
func NewController(cfg SessionConfig, accounts AccountResolver, access AccessExchanger, notifier Notifier) *Controller {
	return &Controller{
		state:    StateLoading,
		cfg:      cfg,
		ledger:   NewLedger(),
		notifier: notifier,
		accounts: accounts,
		access:   access,
		touched:  time.Now(),
		log:      logging.WithSession(cfg.SessionID, cfg.DataRequester, cfg.Identifier),
	}
}

// Load resolves the active-category set and transitions to Ready. A failed
// lookup fails open to an empty active set — the session still becomes
// Ready rather than a dead state.
func (c *Controller) Load(ctx context.Context) {
	active, err := c.accounts.ActiveCategories(ctx, c.cfg.Identifier)
	if err != nil {
		c.log.Warn("account lookup failed, continuing with empty active set", "error", err)
		active = map[string]bool{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Rejected while the lookup was in flight — drop the result.
	if c.state != StateLoading {
		return
	}

	c.categories = buildCategories(c.cfg.RequestData, active)
	c.state = StateReady
	c.touched = time.Now()
}

// Toggle applies a user-initiated toggle for one category. Grants on
// inactive categories are rejected here as well as at the input layer.
func (c *Controller) Toggle(category string, selected bool) error {
	c.mu.Lock()

	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotReady
	}

	cat := c.findCategory(category)
	if cat == nil {
		c.mu.Unlock()
		return ErrUnknownCategory
	}
	if selected && !cat.Active {
		c.mu.Unlock()
		return ErrInactiveCategory
	}

	var changed bool
	if selected {
		changed = c.ledger.Grant(c.cfg.DataRequester, cat.Key, cat.Description, cat.Reward)
	} else {
		changed = c.ledger.Revoke(c.cfg.DataRequester, cat.Key)
	}
	count := c.ledger.Count()
	c.touched = time.Now()
	c.mu.Unlock()

	if changed {
		c.notifier.CountChanged(count)
	}
	return nil
}

// Deactivate marks a category as no longer backed by account data. A
// granted entry for it is revoked and the revoke is reported, so the
// ledger stays consistent with what the user sees.
func (c *Controller) Deactivate(category string) {
	c.mu.Lock()

	if c.state == StateCompleted || c.state == StateRejected {
		c.mu.Unlock()
		return
	}

	cat := c.findCategory(category)
	if cat == nil {
		c.mu.Unlock()
		return
	}
	cat.Active = false

	revoked := c.ledger.Revoke(c.cfg.DataRequester, category)
	count := c.ledger.Count()
	c.touched = time.Now()
	c.mu.Unlock()

	if revoked {
		c.notifier.CountChanged(count)
	}
}

// Confirm finalizes the session. With zero grants it behaves exactly like
// Reject. Otherwise it performs the access exchange and emits the approval
// payload; an exchange failure still produces a terminal payload with the
// Error field set — the session never hangs silently.
func (c *Controller) Confirm(ctx context.Context) {
	c.mu.Lock()

	if c.state != StateReady {
		c.mu.Unlock()
		return
	}

	if c.ledger.Count() == 0 {
		// Empty confirm is a cancel.
		c.state = StateRejected
		c.mu.Unlock()
		c.log.Info("confirm with zero grants, treating as reject")
		c.notifier.Cancelled()
		return
	}

	c.state = StateSubmitting
	entries := c.ledger.Entries()
	req := models.AccessRequest{
		ProofMode:     c.cfg.ProofMode,
		Web3Type:      c.cfg.Web3Type,
		Confirmations: entries,
		Domain:        c.cfg.Domain,
	}
	if c.cfg.EncryptedUserPin != "" {
		pin := c.cfg.EncryptedUserPin
		req.EncryptedUserPin = &pin
	}
	if c.cfg.UserSub != "" {
		sub := c.cfg.UserSub
		req.UserSub = &sub
	}
	c.mu.Unlock()

	resp, err := c.access.Exchange(ctx, req)

	c.mu.Lock()
	if c.state != StateSubmitting {
		// Rejected while the exchange was in flight — drop the result.
		c.mu.Unlock()
		return
	}
	c.state = StateCompleted
	c.mu.Unlock()

	payload := models.ApprovalPayload{
		Success:          true,
		ApprovedRequests: entries,
	}
	if err != nil {
		log.Printf("⚠️ [CONSENT] Access exchange failed for session %s: %v", c.cfg.SessionID, err)
		payload.Success = false
		payload.Error = err.Error()
	} else {
		payload.APIURL = resp.APIURL
		payload.Token = resp.Token
	}

	c.notifier.Completed(payload)
}

// Reject cancels the session, synchronously notifying the caller and
// discarding the ledger. Accepted from any non-terminal state.
func (c *Controller) Reject() {
	c.mu.Lock()

	if c.state == StateCompleted || c.state == StateRejected {
		c.mu.Unlock()
		return
	}
	c.state = StateRejected
	c.ledger = NewLedger()
	c.mu.Unlock()

	c.notifier.Cancelled()
}

// Categories returns the session's categories in display order, with the
// user's current selection state.
func (c *Controller) Categories() []models.CategoryView {
	c.mu.Lock()
	defer c.mu.Unlock()

	views := make([]models.CategoryView, 0, len(c.categories))
	for _, cat := range c.categories {
		views = append(views, models.CategoryView{
			Key:         cat.Key,
			Active:      cat.Active,
			Description: cat.Description,
			Reward:      cat.Reward,
			Selected:    c.ledger.Has(c.cfg.DataRequester, cat.Key),
		})
	}
	return views
}

// GrantedCount returns the ledger's current granted count.
func (c *Controller) GrantedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Count()
}

// AllowSubmit reports whether confirm would produce an approval.
func (c *Controller) AllowSubmit() bool {
	return c.GrantedCount() > 0
}

// CurrentState returns the controller state.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Terminal reports whether the session reached Completed or Rejected.
func (c *Controller) Terminal() bool {
	s := c.CurrentState()
	return s == StateCompleted || s == StateRejected
}

// IdleSince returns the time of the last state-changing interaction.
func (c *Controller) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.touched
}

// Requester returns the configured requesting application identity.
func (c *Controller) Requester() string {
	return c.cfg.DataRequester
}

// Config returns the mount-time configuration.
func (c *Controller) Config() SessionConfig {
	return c.cfg
}

func (c *Controller) findCategory(key string) *models.RequestCategory {
	for i := range c.categories {
		if c.categories[i].Key == key {
			return &c.categories[i]
		}
	}
	return nil
}

// buildCategories resolves the manifest into display-ordered categories.
// Categories lacking underlying data sort after those with data, and the
// identity-sensitive Avatar and Traits categories always render last
// regardless of active state. This ordering is a deliberate UX tie-break.
func buildCategories(manifest models.RequestManifest, active map[string]bool) []models.RequestCategory {
	keys := make([]string, 0, len(manifest))
	for key := range manifest {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	cats := make([]models.RequestCategory, 0, len(keys))
	for _, key := range keys {
		req := manifest[key]
		cats = append(cats, models.RequestCategory{
			Key:         key,
			Active:      active[key],
			Description: req.Descriptions,
			Reward:      req.Reward,
		})
	}

	sort.SliceStable(cats, func(i, j int) bool {
		return displayRank(cats[i]) < displayRank(cats[j])
	})
	return cats
}

func displayRank(cat models.RequestCategory) int {
	rank := 0
	if !cat.Active {
		rank += 1
	}
	if cat.Key == models.CategoryAvatar || cat.Key == models.CategoryTraits {
		rank += 2
	}
	return rank
}
