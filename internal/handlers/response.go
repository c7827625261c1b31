package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/synapsemodel/backend/internal/apperr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}

// RespondAppError maps the error taxonomy onto HTTP statuses.
func RespondAppError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindValidation:
		RespondError(c, http.StatusBadRequest, string(kind), err)
	case apperr.KindNotFound:
		RespondError(c, http.StatusNotFound, string(kind), err)
	case apperr.KindConflict:
		RespondError(c, http.StatusConflict, string(kind), err)
	case apperr.KindComputeTransient, apperr.KindLedger:
		RespondError(c, http.StatusBadGateway, string(kind), err)
	case apperr.KindComputeFatal:
		RespondError(c, http.StatusUnprocessableEntity, string(kind), err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal", err)
	}
}
