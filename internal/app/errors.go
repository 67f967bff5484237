package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"docsync/internal/access"
	"docsync/internal/auth"
	"docsync/internal/collab"
	"docsync/internal/token"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errUnauthorized = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	errForbidden    = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errNotFound     = domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
)

// Websocket close codes sent when a sync connection is rejected or ended by
// the server.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
	CloseNotFound     = 4404
)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, access.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Document not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, token.ErrInvalid), errors.Is(err, token.ErrExpired),
		errors.Is(err, collab.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, collab.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, collab.ErrPersistence), errors.Is(err, collab.ErrShuttingDown):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Try again later", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// closeCode maps a connect or session error onto the websocket close code the
// client sees.
func closeCode(err error) (int, string) {
	status, _, message, _ := mapError(err)
	switch status {
	case http.StatusUnauthorized:
		return CloseUnauthorized, message
	case http.StatusForbidden:
		return CloseForbidden, message
	case http.StatusNotFound:
		return CloseNotFound, message
	case http.StatusServiceUnavailable:
		return websocket.CloseTryAgainLater, message
	}
	return websocket.CloseInternalServerErr, message
}

func frameErrorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrMalformedUpdate):
		return "MALFORMED_UPDATE"
	case errors.Is(err, collab.ErrNotAttached):
		return "NOT_ATTACHED"
	}
	_, code, _, _ := mapError(err)
	return code
}
