package webchat

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatwidget/pkg/backend/local"
)

const maxBodyBytes = 1 << 20

// statusFor maps service errors to HTTP status codes and client messages.
func statusFor(err error) (int, string) {
	switch {
	case stderrors.Is(err, local.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case stderrors.Is(err, local.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case stderrors.Is(err, local.ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case stderrors.Is(err, local.ErrEmptyPayload):
		return http.StatusBadRequest, "payload type is required"
	case stderrors.Is(err, local.ErrClosed):
		return http.StatusServiceUnavailable, "service is shutting down"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeServiceError(w http.ResponseWriter, logger zerolog.Logger, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("op", op).Msg("request failed")
	} else {
		logger.Debug().Err(err).Str("op", op).Int("status", status).Msg("request rejected")
	}
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("response write failed")
	}
}

func decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter that browser websocket clients use.
func bearerToken(req *http.Request) string {
	if h := strings.TrimSpace(req.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return strings.TrimSpace(req.URL.Query().Get("token"))
}
