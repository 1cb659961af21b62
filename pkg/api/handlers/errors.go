package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/inkwave/titlerec/pkg/configs"
	"github.com/inkwave/titlerec/pkg/engine"
	"github.com/inkwave/titlerec/pkg/orchestrator"
	"github.com/inkwave/titlerec/pkg/registry"
	"github.com/inkwave/titlerec/pkg/storage"
)

// ErrConfigIDRequired is returned when config_id is missing from a request
var ErrConfigIDRequired = fiber.NewError(fiber.StatusBadRequest, "config_id is required")

// ErrUserIDRequired is returned when user_id is missing from a request
var ErrUserIDRequired = fiber.NewError(fiber.StatusBadRequest, "user_id is required")

// httpError maps domain errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, storage.ErrConfigNotFound),
		errors.Is(err, storage.ErrCheckpointNotFound),
		errors.Is(err, storage.ErrVersionNotFound),
		errors.Is(err, storage.ErrRunNotFound),
		errors.Is(err, storage.ErrMetricsNotFound),
		errors.Is(err, engine.ErrTitleNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())

	case errors.Is(err, registry.ErrModelNotReady):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())

	case errors.Is(err, storage.ErrAlreadyRunning):
		return fiber.NewError(fiber.StatusConflict, err.Error())

	case errors.Is(err, storage.ErrConfigExists),
		errors.Is(err, storage.ErrDuplicateVersion):
		return fiber.NewError(fiber.StatusConflict, err.Error())

	case errors.Is(err, configs.ErrNameRequired),
		errors.Is(err, configs.ErrSitesRequired),
		errors.Is(err, configs.ErrModelRequired),
		errors.Is(err, configs.ErrInvalidSchedule),
		errors.Is(err, configs.ErrInvalidFilter),
		errors.Is(err, configs.ErrInvalidParam),
		errors.Is(err, orchestrator.ErrConfigInactive):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())

	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
