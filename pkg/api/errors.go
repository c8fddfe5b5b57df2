package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/astra-local/astra/pkg/engine"
	"github.com/astra-local/astra/pkg/services"
)

// Russian 404 details, matching the user-facing vocabulary of the UI.
const (
	detailRunNotFound      = "Запуск не найден"
	detailTaskNotFound     = "Задача не найдена"
	detailStepNotFound     = "Шаг плана не найден"
	detailApprovalNotFound = "Подтверждение не найдено"
	detailConflictNotFound = "Конфликт не найден"
	detailProjectNotFound  = "Проект не найден"
)

// fail writes the error envelope every endpoint uses.
func fail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

// mapServiceError maps service-layer errors onto HTTP responses.
// notFoundDetail names the missing resource for the 404 body.
func mapServiceError(c *gin.Context, err error, notFoundDetail string) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		fail(c, http.StatusBadRequest, validErr.Message)
		return
	}
	if errors.Is(err, services.ErrNotFound) {
		fail(c, http.StatusNotFound, notFoundDetail)
		return
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		fail(c, http.StatusConflict, "resource already exists")
		return
	}
	if errors.Is(err, engine.ErrRunNotStartable) || errors.Is(err, engine.ErrRunNotCancellable) {
		fail(c, http.StatusConflict, err.Error())
		return
	}

	slog.Error("unexpected service error", "path", c.FullPath(), "error", err)
	fail(c, http.StatusInternalServerError, "internal server error")
}
