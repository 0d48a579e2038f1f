package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ConflictKind identifica la regla que violó una operación.
type ConflictKind string

const (
	// Conflictos de estado: operación ilegal en la fase actual.
	KindNotStarted      ConflictKind = "not_started"
	KindAlreadyStarted  ConflictKind = "already_started"
	KindAlreadyFinished ConflictKind = "already_finished"
	KindStillRunning    ConflictKind = "still_running"
	KindNotActive       ConflictKind = "not_active"

	// Pujas.
	KindBelowInitialPrice    ConflictKind = "below_initial_price"
	KindNotGreaterThanLatest ConflictKind = "not_greater_than_latest"
	KindGapTooSmall          ConflictKind = "gap_too_small"

	// Búsquedas.
	KindNotFound ConflictKind = "not_found"
	KindNoWinner ConflictKind = "no_winner"

	// Protocolo y peticiones.
	KindParseError   ConflictKind = "parse_error"
	KindInvalid      ConflictKind = "invalid"
	KindUnauthorized ConflictKind = "unauthorized"
	KindForbidden    ConflictKind = "forbidden"
	KindRateLimited  ConflictKind = "rate_limited"
)

var defaultDetails = map[ConflictKind]string{
	KindNotStarted:           "auction is still not started",
	KindAlreadyStarted:       "auction is already started",
	KindAlreadyFinished:      "auction is already finished",
	KindStillRunning:         "auction is still running",
	KindNotActive:            "auction is inactive",
	KindBelowInitialPrice:    "initial price of auction is not lower than bid price",
	KindNotGreaterThanLatest: "price of bid is not greater than the last one",
	KindGapTooSmall:          "price gap too small",
	KindNotFound:             "not found",
	KindNoWinner:             "auction has no winner",
	KindParseError:           "malformed payload",
	KindInvalid:              "invalid request",
	KindUnauthorized:         "you are not registered",
	KindForbidden:            "you are not the author of this auction",
	KindRateLimited:          "too many bids, slow down",
}

// StatusCode traduce el tipo al status HTTP que ve el cliente REST.
func (k ConflictKind) StatusCode() int {
	switch k {
	case KindNotFound, KindNoWinner:
		return http.StatusNotFound
	case KindParseError, KindInvalid:
		return http.StatusBadRequest
	case KindUnauthorized, KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusConflict
	}
}

// Conflict es un rechazo esperado del dominio. Se devuelve como error y lleva
// lo necesario para renderizar una respuesta estructurada en cualquier frontera.
type Conflict struct {
	Kind   ConflictKind
	Detail string
}

// NewConflict construye un Conflict con el detalle por defecto del tipo.
func NewConflict(kind ConflictKind) *Conflict {
	return &Conflict{Kind: kind, Detail: defaultDetails[kind]}
}

// Conflictf construye un Conflict con detalle formateado.
func Conflictf(kind ConflictKind, format string, args ...any) *Conflict {
	return &Conflict{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (c *Conflict) Error() string {
	if c.Detail == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ": " + c.Detail
}

// StatusCode es un atajo de c.Kind.StatusCode().
func (c *Conflict) StatusCode() int {
	return c.Kind.StatusCode()
}

// AsConflict extrae el *Conflict de err si lo es (o lo envuelve).
func AsConflict(err error) (*Conflict, bool) {
	var c *Conflict
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// IsKind indica si err es un Conflict del tipo dado.
func IsKind(err error, kind ConflictKind) bool {
	c, ok := AsConflict(err)
	return ok && c.Kind == kind
}
