// Package apperr defines the machine-readable errors returned by the trading
// services and their HTTP mapping.
package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	SymbolRequired   Code = "SYMBOL_REQUIRED"
	ModeInvalid      Code = "MODE_INVALID"
	SideInvalid      Code = "SIDE_INVALID"
	QuantityInvalid  Code = "QUANTITY_INVALID"
	InsufficientCash Code = "INSUFFICIENT_CASH"
	QuoteUnavailable Code = "QUOTE_UNAVAILABLE"
	PositionNotFound Code = "POSITION_NOT_FOUND"
	NotAPlusPosition Code = "NOT_A_PLUS_POSITION"
	RuleNotFound     Code = "RULE_NOT_FOUND"
	TpslRequired     Code = "TPSL_REQUIRED"
	UserNotFound     Code = "USER_NOT_FOUND"
	Forbidden        Code = "FORBIDDEN"
	Unauthorized     Code = "UNAUTHORIZED"
	InvalidRequest   Code = "INVALID_REQUEST"
	Conflict         Code = "CONFLICT"
	Internal         Code = "INTERNAL"
)

// Error carries a Code and a human-readable message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches any *Error with the same code, so sentinel values below work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New returns an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Sentinels for errors.Is checks.
var (
	ErrSymbolRequired   = &Error{Code: SymbolRequired}
	ErrModeInvalid      = &Error{Code: ModeInvalid}
	ErrSideInvalid      = &Error{Code: SideInvalid}
	ErrQuantityInvalid  = &Error{Code: QuantityInvalid}
	ErrInsufficientCash = &Error{Code: InsufficientCash}
	ErrQuoteUnavailable = &Error{Code: QuoteUnavailable}
	ErrPositionNotFound = &Error{Code: PositionNotFound}
	ErrNotAPlusPosition = &Error{Code: NotAPlusPosition}
	ErrRuleNotFound     = &Error{Code: RuleNotFound}
	ErrTpslRequired     = &Error{Code: TpslRequired}
	ErrUserNotFound     = &Error{Code: UserNotFound}
	ErrForbidden        = &Error{Code: Forbidden}
)

// CodeOf extracts the code of err, or Internal when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Status maps an error to an HTTP status code.
func Status(err error) int {
	switch CodeOf(err) {
	case SymbolRequired, ModeInvalid, SideInvalid, QuantityInvalid, TpslRequired, InvalidRequest:
		return http.StatusBadRequest
	case PositionNotFound, RuleNotFound, UserNotFound:
		return http.StatusNotFound
	case InsufficientCash, NotAPlusPosition, Conflict:
		return http.StatusConflict
	case QuoteUnavailable:
		return http.StatusBadGateway
	case Forbidden:
		return http.StatusForbidden
	case Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Write renders err as {"error": ..., "code": ...}. Internal errors are not
// echoed to the client.
func Write(w http.ResponseWriter, err error) {
	status := Status(err)
	code := CodeOf(err)
	msg := err.Error()
	if code == Internal {
		msg = "internal error"
	}
	WriteJSON(w, status, map[string]string{"error": msg, "code": string(code)})
}
