package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/privyhq/signal_api/dto"
	"github.com/privyhq/signal_api/model"
	"github.com/privyhq/signal_api/shared"
)

type CheckHandler struct {
	checkSvc CheckServiceInterface
}

func NewCheckHandler(checkSvc CheckServiceInterface) *CheckHandler {
	return &CheckHandler{checkSvc: checkSvc}
}

// @Summary Evaluate signup risk
// @Description Scores an email and/or IP address and recommends an action
// @Tags check
// @Accept  json
// @Produce json
// @Security ApiKeyAuth
// @Param checkRequest body dto.CheckRequest true "Check request"
// @Success 200 {object} shared.Response{data=dto.CheckResponse}
// @Failure 400 {object} shared.Response{data=[]dto.ValidationError}
// @Failure 401 {object} shared.Response
// @Failure 429 {object} shared.Response
// @Router /api/v1/check [post]
func (h *CheckHandler) Check(c *fiber.Ctx) error {
	key, ok := c.Locals(shared.ApiKeyLocal).(*model.ApiKey)
	if !ok || key == nil {
		return shared.ErrInvalidApiKey
	}

	var req dto.CheckRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.NewAppError(fiber.StatusBadRequest, "Invalid request body", nil)
	}

	if err := req.Validate(); err != nil {
		return shared.ResponseBadRequest(c, "Validation failed", dto.FormatValidationErrors(err))
	}

	resp, err := h.checkSvc.Evaluate(c.UserContext(), key.OrgID, req)
	if err != nil {
		return err
	}

	return shared.ResponseOK(c, resp)
}
