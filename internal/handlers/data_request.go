package handlers

import (
	"errors"
	"log"
	"sync"

	"github.com/gofiber/fiber/v2"

	"onairos/internal/consent"
	"onairos/internal/models"
	"onairos/internal/services"
)

// DataRequestHandler is the REST surface for consent sessions, used by
// native mobile apps that have no iframe. The session core is identical to
// the WebSocket surface; only the notifier differs, collecting results for
// synchronous responses instead of pushing frames.
type DataRequestHandler struct {
	sessions *services.SessionService

	mu        sync.RWMutex
	notifiers map[string]*restNotifier
}

// NewDataRequestHandler creates a new REST data-request handler
func NewDataRequestHandler(sessions *services.SessionService) *DataRequestHandler {
	return &DataRequestHandler{
		sessions:  sessions,
		notifiers: make(map[string]*restNotifier),
	}
}

// restNotifier collects controller notifications for synchronous delivery.
type restNotifier struct {
	mu        sync.Mutex
	payload   *models.ApprovalPayload
	cancelled bool
}

func (n *restNotifier) CountChanged(granted int) {}

func (n *restNotifier) Completed(payload models.ApprovalPayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payload = &payload
}

func (n *restNotifier) Cancelled() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = true
}

func (n *restNotifier) snapshot() (*models.ApprovalPayload, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.payload, n.cancelled
}

// Create handles POST /api/data-request
func (h *DataRequestHandler) Create(c *fiber.Ctx) error {
	var body models.ClientMessage
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	identifier := body.Identifier
	if identifier == "" {
		if userID, ok := c.Locals("user_id").(string); ok && userID != "anonymous" {
			identifier = userID
		}
	}

	notifier := &restNotifier{}
	ctrl := h.sessions.Create(c.Context(), consent.SessionConfig{
		RequestData:      body.RequestData,
		DataRequester:    body.DataRequester,
		Identifier:       identifier,
		ProofMode:        body.ProofMode,
		Web3Type:         body.Web3Type,
		Domain:           body.Domain,
		EncryptedUserPin: body.EncryptedUserPin,
		UserSub:          body.UserSub,
	}, notifier)

	sessionID := ctrl.Config().SessionID
	h.mu.Lock()
	h.notifiers[sessionID] = notifier
	h.mu.Unlock()

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"sessionId":    sessionID,
		"categories":   ctrl.Categories(),
		"grantedCount": ctrl.GrantedCount(),
		"allowSubmit":  ctrl.AllowSubmit(),
	})
}

// Toggle handles POST /api/data-request/:id/toggle
func (h *DataRequestHandler) Toggle(c *fiber.Ctx) error {
	ctrl, ok := h.sessions.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown session",
		})
	}

	var body struct {
		Category string `json:"category"`
		Selected bool   `json:"selected"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if err := ctrl.Toggle(body.Category, body.Selected); err != nil {
		switch {
		case errors.Is(err, consent.ErrUnknownCategory):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "unknown category: " + body.Category, "code": "unknown_category",
			})
		case errors.Is(err, consent.ErrInactiveCategory):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "category has no underlying data: " + body.Category, "code": "inactive_category",
			})
		case errors.Is(err, consent.ErrNotReady):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "data request is not accepting changes", "code": "not_ready",
			})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
	}

	if m := services.GetMetrics(); m != nil {
		action := "revoke"
		if body.Selected {
			action = "grant"
		}
		m.RecordToggle(action)
	}

	return c.JSON(fiber.Map{
		"grantedCount": ctrl.GrantedCount(),
		"allowSubmit":  ctrl.AllowSubmit(),
	})
}

// Confirm handles POST /api/data-request/:id/confirm. The access exchange
// runs inline; the response carries the approval payload, or the rejected
// marker when the session had zero grants.
func (h *DataRequestHandler) Confirm(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	ctrl, ok := h.sessions.Get(sessionID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown session",
		})
	}
	h.mu.RLock()
	notifier := h.notifiers[sessionID]
	h.mu.RUnlock()
	if notifier == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown session",
		})
	}

	ctrl.Confirm(c.Context())

	payload, cancelled := notifier.snapshot()
	switch {
	case payload != nil:
		h.takeNotifier(sessionID)
		return c.JSON(payload)
	case cancelled:
		h.takeNotifier(sessionID)
		return c.JSON(fiber.Map{"success": false, "rejected": true})
	default:
		log.Printf("⚠️ [CONSENT] Confirm on %s produced no outcome (state: %s)", sessionID, ctrl.CurrentState())
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "data request is not accepting changes", "code": "not_ready",
		})
	}
}

// Reject handles POST /api/data-request/:id/reject
func (h *DataRequestHandler) Reject(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	ctrl, ok := h.sessions.Get(sessionID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown session",
		})
	}

	ctrl.Reject()
	h.takeNotifier(sessionID)

	return c.JSON(fiber.Map{"success": false, "rejected": true})
}

// Get handles GET /api/data-request/:id
func (h *DataRequestHandler) Get(c *fiber.Ctx) error {
	ctrl, ok := h.sessions.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown session",
		})
	}

	return c.JSON(fiber.Map{
		"sessionId":    ctrl.Config().SessionID,
		"state":        ctrl.CurrentState(),
		"categories":   ctrl.Categories(),
		"grantedCount": ctrl.GrantedCount(),
		"allowSubmit":  ctrl.AllowSubmit(),
	})
}

// takeNotifier removes and returns the session's notifier. Confirm and
// Reject retire the session, so the notifier has no further use.
func (h *DataRequestHandler) takeNotifier(sessionID string) *restNotifier {
	h.mu.Lock()
	defer h.mu.Unlock()
	notifier := h.notifiers[sessionID]
	delete(h.notifiers, sessionID)
	return notifier
}
