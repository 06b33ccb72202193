package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"onairos/internal/consent"
	"onairos/internal/database"
	"onairos/internal/models"
	"onairos/pkg/auth"
)

const finalizeTimeout = 5 * time.Second

// SessionService is the registry of live consent sessions. It wraps every
// session's notifier so terminal transitions flow through one place:
// receipts are persisted, metrics recorded, and the session removed from the
// registry regardless of which surface (WebSocket or REST) drove it.
type SessionService struct {
	mu       sync.RWMutex
	sessions map[string]*consent.Controller
	manifest models.RequestManifest

	accounts consent.AccountResolver
	access   consent.AccessExchanger
	receipts *database.ReceiptStore // nil disables receipt persistence
}

// NewSessionService creates the session registry. The manifest is the
// default request set used when a session opens without one.
func NewSessionService(accounts consent.AccountResolver, access consent.AccessExchanger, receipts *database.ReceiptStore, manifest models.RequestManifest) *SessionService {
	return &SessionService{
		sessions: make(map[string]*consent.Controller),
		manifest: manifest,
		accounts: accounts,
		access:   access,
		receipts: receipts,
	}
}

// SetDefaultManifest swaps the default request manifest. Live sessions keep
// the manifest they opened with.
func (s *SessionService) SetDefaultManifest(manifest models.RequestManifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = manifest
	log.Printf("🔄 [SESSION] Default request manifest reloaded (%d categories)", len(manifest))
}

// DefaultManifest returns the current default request manifest.
func (s *SessionService) DefaultManifest() models.RequestManifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest
}

// Create opens a consent session and resolves its active-category set before
// returning. A missing session ID gets a generated one; a missing manifest
// falls back to the service default.
func (s *SessionService) Create(ctx context.Context, cfg consent.SessionConfig, notifier consent.Notifier) *consent.Controller {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	if len(cfg.RequestData) == 0 {
		cfg.RequestData = s.DefaultManifest()
	}

	ctrl := consent.NewController(cfg, s.accounts, s.access, &sessionNotifier{
		svc:       s,
		sessionID: cfg.SessionID,
		inner:     notifier,
	})

	s.mu.Lock()
	s.sessions[cfg.SessionID] = ctrl
	total := len(s.sessions)
	s.mu.Unlock()

	if m := GetMetrics(); m != nil {
		m.RecordSessionOpened()
	}
	log.Printf("✅ [SESSION] Opened %s for requester %s (Total: %d)", cfg.SessionID, cfg.DataRequester, total)

	ctrl.Load(ctx)
	return ctrl
}

// Get retrieves a live session by ID.
func (s *SessionService) Get(sessionID string) (*consent.Controller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctrl, ok := s.sessions[sessionID]
	return ctrl, ok
}

// Count returns the number of live sessions.
func (s *SessionService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// RefreshActive re-resolves the active-category set for every live session
// and deactivates categories whose underlying data disappeared. The cache is
// invalidated first so the refresh sees current account data. A granted entry
// on a deactivated category is revoked through the controller, so the surface
// sees the corrected count. Returns the number of deactivations.
func (s *SessionService) RefreshActive(ctx context.Context) int {
	s.mu.RLock()
	live := make([]*consent.Controller, 0, len(s.sessions))
	for _, ctrl := range s.sessions {
		live = append(live, ctrl)
	}
	s.mu.RUnlock()

	deactivated := 0
	for _, ctrl := range live {
		cfg := ctrl.Config()
		if ctrl.Terminal() || cfg.Identifier == "" {
			continue
		}

		if inv, ok := s.accounts.(interface{ Invalidate(identifier string) }); ok {
			inv.Invalidate(cfg.Identifier)
		}

		active, err := s.accounts.ActiveCategories(ctx, cfg.Identifier)
		if err != nil {
			// A flaky lookup must not revoke grants; keep the current flags.
			log.Printf("⚠️ [SESSION] Active refresh lookup failed for %s: %v", cfg.SessionID, err)
			continue
		}

		for _, cat := range ctrl.Categories() {
			if cat.Active && !active[cat.Key] {
				log.Printf("🔄 [SESSION] Category %s lost underlying data, deactivating in %s", cat.Key, cfg.SessionID)
				ctrl.Deactivate(cat.Key)
				deactivated++
			}
		}
	}
	return deactivated
}

// ReapIdle rejects sessions idle past maxIdle and drops terminal sessions
// that somehow stayed registered. Returns the number of sessions reaped.
func (s *SessionService) ReapIdle(maxIdle time.Duration) int {
	s.mu.RLock()
	stale := make([]*consent.Controller, 0)
	for _, ctrl := range s.sessions {
		if ctrl.Terminal() || time.Since(ctrl.IdleSince()) > maxIdle {
			stale = append(stale, ctrl)
		}
	}
	s.mu.RUnlock()

	for _, ctrl := range stale {
		if ctrl.Terminal() {
			s.remove(ctrl.Config().SessionID)
			continue
		}
		log.Printf("⏰ [SESSION] Reaping idle session %s", ctrl.Config().SessionID)
		ctrl.Reject()
	}
	return len(stale)
}

// remove drops a session from the registry. Safe to call for already-removed
// sessions.
func (s *SessionService) remove(sessionID string) {
	s.mu.Lock()
	_, existed := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	total := len(s.sessions)
	s.mu.Unlock()

	if !existed {
		return
	}
	if m := GetMetrics(); m != nil {
		m.RecordSessionClosed()
	}
	log.Printf("❌ [SESSION] Closed %s (Total: %d)", sessionID, total)
}

// finalize persists a receipt for an approved session and retires it.
func (s *SessionService) finalize(sessionID string, payload models.ApprovalPayload) {
	ctrl, ok := s.Get(sessionID)

	outcome := "approved"
	if !payload.Success {
		outcome = "error"
	}
	if m := GetMetrics(); m != nil {
		m.RecordConsentOutcome(outcome)
	}

	if ok && payload.Success && s.receipts != nil {
		cfg := ctrl.Config()
		categories := make([]string, 0, len(payload.ApprovedRequests))
		for _, entry := range payload.ApprovedRequests {
			categories = append(categories, entry.Category)
		}

		pinDigest := ""
		if cfg.EncryptedUserPin != "" {
			digest, err := auth.HashSecret(cfg.EncryptedUserPin)
			if err != nil {
				log.Printf("⚠️ [SESSION] Failed to digest PIN for receipt %s: %v", sessionID, err)
			} else {
				pinDigest = digest
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		err := s.receipts.Insert(ctx, database.Receipt{
			ID:         uuid.New().String(),
			UserID:     cfg.Identifier,
			Requester:  cfg.DataRequester,
			Categories: categories,
			ProofMode:  cfg.ProofMode,
			PinDigest:  pinDigest,
			CreatedAt:  time.Now(),
		})
		if err != nil {
			log.Printf("⚠️ [SESSION] Failed to persist receipt for %s: %v", sessionID, err)
		}
	}

	s.remove(sessionID)
}

// cancel retires a rejected session.
func (s *SessionService) cancel(sessionID string) {
	if m := GetMetrics(); m != nil {
		m.RecordConsentOutcome("rejected")
	}
	s.remove(sessionID)
}

// sessionNotifier routes a session's terminal transitions through the
// registry before forwarding them to the surface notifier.
type sessionNotifier struct {
	svc       *SessionService
	sessionID string
	inner     consent.Notifier
}

func (n *sessionNotifier) CountChanged(granted int) {
	n.inner.CountChanged(granted)
}

func (n *sessionNotifier) Completed(payload models.ApprovalPayload) {
	n.svc.finalize(n.sessionID, payload)
	n.inner.Completed(payload)
}

func (n *sessionNotifier) Cancelled() {
	n.svc.cancel(n.sessionID)
	n.inner.Cancelled()
}
