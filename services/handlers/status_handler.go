package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/privyhq/signal_api/shared"
)

type StatusHandler struct {
	statusSvc StatusServiceInterface
}

func NewStatusHandler(statusSvc StatusServiceInterface) *StatusHandler {
	return &StatusHandler{statusSvc: statusSvc}
}

// @Summary Service status
// @Description Reports version, environment and which optional features are available
// @Tags health
// @Produce json
// @Success 200 {object} shared.Response{data=dto.StatusResponse}
// @Router /api/v1/status [get]
func (h *StatusHandler) Status(c *fiber.Ctx) error {
	c.Set(fiber.HeaderCacheControl, "no-store")
	return shared.ResponseOK(c, h.statusSvc.Status(c.UserContext()))
}
