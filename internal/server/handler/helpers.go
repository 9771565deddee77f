package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// maxBodyBytes bounds decoded request bodies.
const maxBodyBytes = 64 << 10

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":{"kind":"internal","code":"Internal","message":"internal server error"}}`,
			http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// ErrorBody is the error envelope every endpoint returns.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the kind, stable code and message of a failure.
type ErrorDetail struct {
	Kind    domain.ErrorKind `json:"kind"`
	Code    string           `json:"code"`
	Message string           `json:"message"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindState:
		return http.StatusConflict
	case domain.KindResource:
		return http.StatusUnprocessableEntity
	case domain.KindTransient, domain.KindOracle:
		return http.StatusServiceUnavailable
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the error envelope. Internal errors are logged
// and their detail withheld.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	detail := ErrorDetail{Kind: domain.KindOf(err)}

	var de *domain.Error
	switch {
	case errors.As(err, &de):
		detail.Code = de.Code
		detail.Message = de.Message
	case errors.Is(err, domain.ErrNotFound):
		detail.Code = domain.ErrResourceNotFound.Code
		detail.Message = err.Error()
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrAlreadyExists):
		detail.Kind = domain.KindTransient
		detail.Code = domain.ErrTradeFailed.Code
		detail.Message = "concurrent update, retry the request"
	default:
		detail.Kind = domain.KindInternal
		detail.Code = "Internal"
		detail.Message = "internal server error"
	}

	status := StatusFor(detail.Kind)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", detail.Code),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, ErrorBody{Error: detail})
}

// invalid renders a validation failure.
func invalid(w http.ResponseWriter, r *http.Request, logger *slog.Logger, format string, args ...any) {
	writeError(w, r, logger, domain.ErrInvalidInput.With(format, args...))
}

// decodeBody decodes a bounded JSON body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ErrInvalidInput.With("invalid request body: %v", err)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// parseAmount reads a required decimal query parameter.
func parseAmount(r *http.Request, name string) (fixed.Amount, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, domain.ErrInvalidInput.With("%s is required", name)
	}
	a, err := fixed.Parse(raw)
	if err != nil {
		return 0, domain.ErrInvalidInput.With("%s: %v", name, err)
	}
	return a, nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
