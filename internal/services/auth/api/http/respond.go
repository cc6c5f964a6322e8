package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/services/auth/oauth"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Client-facing descriptions per domain code. Messages and causes stay in
// the logs.
var descriptions = map[apperrors.Code]string{
	apperrors.CodeValidation:      "the request is invalid",
	apperrors.CodeNotFound:        "the resource was not found",
	apperrors.CodeExpired:         "the request has expired",
	apperrors.CodeReplay:          "the request was already used",
	apperrors.CodePolicyDenied:    "access denied",
	apperrors.CodeUpstream:        "the service is temporarily unavailable",
	apperrors.CodeUnauthenticated: "authentication failed",
	apperrors.CodeConflict:        "the resource already exists",
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	fields := []zap.Field{zap.String("code", string(code)), zap.String("path", r.URL.Path), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Debug("request rejected", fields...)
	}
	writeJSON(w, status, errorResponse{
		Error:            strings.ToLower(string(code)),
		ErrorDescription: descriptions[code],
	})
}

// writeOAuthError renders an RFC 6749 section 5.2 error.
func (s *Server) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	oauthCode := oauth.ErrorCode(err)
	status := http.StatusBadRequest
	switch oauthCode {
	case oauth.ErrorInvalidClient:
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="gatehouse"`)
	case oauth.ErrorServerError:
		status = http.StatusInternalServerError
	case "temporarily_unavailable":
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("oauth request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		s.logger.Debug("oauth request rejected", zap.String("path", r.URL.Path), zap.String("oauth_error", oauthCode), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: oauthCode, ErrorDescription: oauth.ErrorDescription(err)})
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.New(apperrors.CodeValidation, "request body too large")
		}
		return apperrors.Wrap(apperrors.CodeValidation, "decode request body", err)
	}
	return nil
}

func parseForm(r *http.Request) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "parse form", err)
	}
	return nil
}
