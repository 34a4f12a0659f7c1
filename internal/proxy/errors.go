package proxy

import (
	"encoding/json"
	"net/http"
)

// ErrorKind is the stable client-facing error taxonomy. The type string and
// status mapping are contractual; messages are not.
type ErrorKind string

const (
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindRateLimited     ErrorKind = "rate_limited"
	KindBadRequest      ErrorKind = "bad_request"
	KindBudgetExceeded  ErrorKind = "budget_exceeded"
	KindSecurityBlocked ErrorKind = "security_blocked"
	KindUpstreamTimeout ErrorKind = "upstream_timeout"
	KindUpstreamError   ErrorKind = "upstream_error"
	KindAuthUnavailable ErrorKind = "auth_unavailable"
	KindInternal        ErrorKind = "internal_error"
)

func (k ErrorKind) Status() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBadRequest:
		return http.StatusBadRequest
	case KindBudgetExceeded, KindSecurityBlocked:
		return http.StatusForbidden
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindAuthUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorDetail struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	BudgetName string `json:"budget_name,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// WriteError writes the structured error body for a kind. budgetName is only
// set for budget_exceeded responses.
func WriteError(w http.ResponseWriter, kind ErrorKind, message, budgetName, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.Status())
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Type:       string(kind),
		Message:    message,
		BudgetName: budgetName,
		RequestID:  requestID,
	}})
}

// StreamErrorEvent renders the synthetic SSE error event written when a
// stream is terminated mid-flight.
func StreamErrorEvent(kind ErrorKind, message string) []byte {
	raw, _ := json.Marshal(errorBody{Error: errorDetail{
		Type:    string(kind),
		Message: message,
	}})
	return []byte("event: error\ndata: " + string(raw) + "\n\n")
}
