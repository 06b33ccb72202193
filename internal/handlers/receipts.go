package handlers

import (
	"github.com/gofiber/fiber/v2"

	"onairos/internal/database"
)

// ReceiptsHandler serves a user's consent history and training outcomes.
type ReceiptsHandler struct {
	receipts *database.ReceiptStore
	results  *database.TrainingResultStore
}

// NewReceiptsHandler creates a new receipts handler
func NewReceiptsHandler(receipts *database.ReceiptStore, results *database.TrainingResultStore) *ReceiptsHandler {
	return &ReceiptsHandler{
		receipts: receipts,
		results:  results,
	}
}

// List handles GET /api/receipts
func (h *ReceiptsHandler) List(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" || userID == "anonymous" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	limit := c.QueryInt("limit", 50)
	receipts, err := h.receipts.ListByUser(c.Context(), userID, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load receipts",
		})
	}

	if receipts == nil {
		receipts = []database.Receipt{}
	}
	return c.JSON(fiber.Map{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// ListTrainingResults handles GET /api/training/results
func (h *ReceiptsHandler) ListTrainingResults(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" || userID == "anonymous" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	limit := c.QueryInt("limit", 50)
	records, err := h.results.ListByUser(c.Context(), userID, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load training results",
		})
	}

	if records == nil {
		records = []database.TrainingRecord{}
	}
	return c.JSON(fiber.Map{
		"results": records,
		"count":   len(records),
	})
}
