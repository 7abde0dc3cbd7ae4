// Package apierr provides structured API error types compatible with the
// OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeInvalidAPIKey           = "invalid_api_key"
	CodeInvalidRequest          = "invalid_request"
	CodeInternalError           = "internal_error"
	CodeUpstreamConnectionError = "upstream_connection_error"
)

// Messages sent to clients for the fixed error cases.
const (
	MsgIncorrectAPIKey    = "Incorrect API key provided."
	MsgUpstreamConnection = "Upstream connection error"
)

// APIError is the structured error returned to clients. Param is always
// serialised, as null when unset.
type (
	APIError struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    string  `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Body returns the JSON envelope for an error.
func Body(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(message, errType, code))
}

// WriteInvalidAPIKey writes the 401 returned for a missing or wrong gateway key.
func WriteInvalidAPIKey(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, MsgIncorrectAPIKey, TypeInvalidRequest, CodeInvalidAPIKey)
}

// WriteInvalidRequest writes a 400 for a body the gateway could not translate.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteUpstreamConnection writes the 500 returned when the backend produced
// no response at all.
func WriteUpstreamConnection(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, MsgUpstreamConnection, TypeServerError, CodeUpstreamConnectionError)
}
