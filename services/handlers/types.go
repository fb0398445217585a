package handlers

import (
	"context"

	"github.com/privyhq/signal_api/dto"
)

type CheckServiceInterface interface {
	Evaluate(ctx context.Context, orgID string, req dto.CheckRequest) (*dto.CheckResponse, error)
}

type StatusServiceInterface interface {
	Status(ctx context.Context) dto.StatusResponse
}
