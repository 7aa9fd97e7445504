package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is an error that can be returned to the client as JSON.
type GatewayError struct {
	Code      int    `json:"-"`
	Message   string `json:"error"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	underlying error
}

// Base errors returned by the gateway. These are singletons with
// pre-serialized bodies; use WithDetails or WithRequestID to derive
// per-request copies.
var (
	ErrBadRequest         = &GatewayError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized       = &GatewayError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrForbidden          = &GatewayError{Code: http.StatusForbidden, Message: "forbidden"}
	ErrRouteNotFound      = &GatewayError{Code: http.StatusNotFound, Message: "route not found"}
	ErrLengthRequired     = &GatewayError{Code: http.StatusLengthRequired, Message: "content length required"}
	ErrPayloadTooLarge    = &GatewayError{Code: http.StatusRequestEntityTooLarge, Message: "request entity too large"}
	ErrRateLimited        = &GatewayError{Code: http.StatusTooManyRequests, Message: "rate limit exceeded"}
	ErrInternalServer     = &GatewayError{Code: http.StatusInternalServerError, Message: "internal server error"}
	ErrBadGateway         = &GatewayError{Code: http.StatusBadGateway, Message: "bad gateway"}
	ErrServiceUnavailable = &GatewayError{Code: http.StatusServiceUnavailable, Message: "service unavailable"}
	ErrGatewayTimeout     = &GatewayError{Code: http.StatusGatewayTimeout, Message: "gateway timeout"}
)

var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrBadRequest,
		ErrUnauthorized,
		ErrForbidden,
		ErrRouteNotFound,
		ErrLengthRequired,
		ErrPayloadTooLarge,
		ErrRateLimited,
		ErrInternalServer,
		ErrBadGateway,
		ErrServiceUnavailable,
		ErrGatewayTimeout,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		body, err := json.Marshal(e)
		if err != nil {
			panic(err)
		}
		preSerialized[e] = append(body, '\n')
	}
}

// New creates a GatewayError with the given status code and message.
func New(code int, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// Wrap attaches a client-visible code and message to an internal error.
func Wrap(err error, code int, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message, underlying: err}
}

func (e *GatewayError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// Unwrap returns the wrapped internal error, if any.
func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WithDetails returns a copy carrying extra detail text.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	clone := *e
	clone.Details = details
	return &clone
}

// WithRequestID returns a copy carrying the request ID.
func (e *GatewayError) WithRequestID(id string) *GatewayError {
	clone := *e
	clone.RequestID = id
	return &clone
}

// Body returns the JSON body for the error, using the pre-serialized
// form for unmodified base errors.
func (e *GatewayError) Body() []byte {
	if body, ok := preSerialized[e]; ok {
		return body
	}
	body, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"error":"internal server error"}` + "\n")
	}
	return append(body, '\n')
}

// WriteJSON writes the error to the response with its status code.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	w.Write(e.Body())
}

// FromError converts any error into a GatewayError, defaulting to 500.
func FromError(err error) *GatewayError {
	if ge, ok := err.(*GatewayError); ok {
		return ge
	}
	return ErrInternalServer.WithDetails(err.Error())
}
