package apperrors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pxtio/topix-sub001/internal/upstream"
	"github.com/pxtio/topix-sub001/ratelimit"
	"github.com/pxtio/topix-sub001/retry"
)

// Error codes returned in the "code" field of error responses.
const (
	CodeInvalidInput          = "INVALID_INPUT"
	CodeNotFound              = "NOT_FOUND"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeSubjectRequired       = "SUBJECT_REQUIRED"
	CodeMethodNotAllowed      = "METHOD_NOT_ALLOWED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInternal              = "INTERNAL_ERROR"
	CodeConfigInvalid         = "CONFIG_INVALID"
	CodeExternalService       = "EXTERNAL_SERVICE_ERROR"
	CodeTimeout               = "TIMEOUT"
	CodeServiceUnavailable    = "SERVICE_UNAVAILABLE"
	CodeRateLimitBackendError = "RATE_LIMIT_BACKEND_UNAVAILABLE"
)

func NewInvalidInputError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInvalidInput, message)
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeNotFound, message)
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeMethodNotAllowed, message)
}

func NewInternalError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInternal, message)
}

func NewServiceUnavailableError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeServiceUnavailable, message)
}

// NewRateLimitedError describes a rejected request. The retry hint is carried
// in the details so clients without header access can still back off.
func NewRateLimitedError(dec ratelimit.Decision) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(CodeRateLimited, "rate limit exceeded")
	env, _ = env.WithContext(map[string]interface{}{
		"limit":               dec.Limit,
		"retry_after_seconds": dec.RetryAfterSeconds(),
	})
	return env
}

// FromError maps a domain error to an envelope. Unknown errors become
// INTERNAL_ERROR.
func FromError(ctx context.Context, err error) *errors.ErrorEnvelope {
	var env *errors.ErrorEnvelope
	if stderrors.As(err, &env) && env != nil {
		return env
	}

	var limitErr *ratelimit.LimitError
	switch {
	case err == nil:
		return EnsureEnvelope(nil)
	case stderrors.As(err, &limitErr):
		return NewRateLimitedError(ratelimit.Decision{Limit: limitErr.Limit, RetryAfter: limitErr.RetryAfter})
	case stderrors.Is(err, ratelimit.ErrMissingSubject):
		return wrap(ctx, CodeSubjectRequired, "a subject identity is required for this endpoint", err)
	case stderrors.Is(err, ratelimit.ErrInvalidConfig):
		return high(wrap(ctx, CodeConfigInvalid, "rate limit configuration is invalid", err))
	case stderrors.Is(err, ratelimit.ErrBackendUnavailable):
		return high(wrap(ctx, CodeRateLimitBackendError, "rate limit backend is unavailable", err))
	case stderrors.Is(err, context.DeadlineExceeded):
		return medium(wrap(ctx, CodeTimeout, "request timed out", err))
	case stderrors.Is(err, retry.ErrExhausted):
		return medium(wrap(ctx, CodeExternalService, "upstream service failed after retries", err))
	case stderrors.Is(err, upstream.ErrBodyTooLarge):
		return medium(wrap(ctx, CodeExternalService, "upstream response exceeds the size limit", err))
	}
	return EnsureEnvelope(err)
}

func wrap(ctx context.Context, code, message string, err error) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(code, message)
	if id := extractCorrelationID(ctx); id != "" {
		env = env.WithCorrelationID(id)
	}
	return withWrappedError(env, err)
}

func high(env *errors.ErrorEnvelope) *errors.ErrorEnvelope {
	if updated, err := env.WithSeverity(errors.SeverityHigh); err == nil {
		return updated
	}
	return env
}

func medium(env *errors.ErrorEnvelope) *errors.ErrorEnvelope {
	if updated, err := env.WithSeverity(errors.SeverityMedium); err == nil {
		return updated
	}
	return env
}

func extractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return middleware.GetReqID(ctx)
}

// EnsureEnvelope normalizes any error into a gofulmen ErrorEnvelope.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	if err == nil {
		env := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error")
		env, _ = env.WithSeverity(errors.SeverityCritical)
		return env
	}

	if envelope, ok := err.(*errors.ErrorEnvelope); ok && envelope != nil {
		return envelope
	}

	env := errors.NewErrorEnvelope(CodeInternal, "unexpected error")
	env, _ = env.WithContext(map[string]interface{}{
		"wrapped_error": err.Error(),
	})
	env, _ = env.WithSeverity(errors.SeverityHigh)
	return env
}

// EnsureCorrelationID attaches the request ID to the envelope when it has none.
func EnsureCorrelationID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}
	if envelope.CorrelationID != "" {
		return envelope
	}

	correlationID := extractCorrelationID(ctx)
	if correlationID == "" {
		correlationID = "fallback-" + errors.GenerateCorrelationID()
	}
	return envelope.WithCorrelationID(correlationID)
}

// HTTPStatusFromCode resolves the HTTP status code corresponding to an error code.
func HTTPStatusFromCode(code string) int {
	switch code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized, CodeSubjectRequired:
		return http.StatusUnauthorized
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeExternalService:
		return http.StatusBadGateway
	case CodeServiceUnavailable, CodeRateLimitBackendError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func withWrappedError(envelope *errors.ErrorEnvelope, err error) *errors.ErrorEnvelope {
	if envelope == nil || err == nil {
		return envelope
	}

	updated, updateErr := envelope.WithContext(map[string]interface{}{
		"wrapped_error": err.Error(),
	})
	if updateErr != nil {
		return envelope
	}
	return updated
}

// wrapped_error is logged but never returned to callers.
var internalContextKeys = map[string]bool{
	"wrapped_error": true,
}

// ResponseDetails builds the API-safe details map from the envelope.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]interface{} {
	if envelope == nil {
		return nil
	}

	details := make(map[string]interface{})
	for key, value := range envelope.Details {
		details[key] = value
	}
	for key, value := range envelope.Context {
		if internalContextKeys[key] {
			continue
		}
		if _, exists := details[key]; !exists {
			details[key] = value
		}
	}

	if len(details) == 0 {
		return nil
	}
	return details
}

// HTTPErrorDetail captures the error body returned to callers.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPErrorDetail in the standard envelope structure.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// RespondWithError maps err to an envelope and writes it as JSON.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	RespondWithEnvelope(w, r, FromError(ctx, err))
}

// RespondWithEnvelope writes envelope as the JSON error body and logs it.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}

	if r != nil {
		envelope = EnsureCorrelationID(envelope, r.Context())
	} else {
		envelope = EnsureCorrelationID(envelope, nil)
	}

	statusCode := HTTPStatusFromCode(envelope.Code)
	response := HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   ResponseDetails(envelope),
			RequestID: envelope.CorrelationID,
		},
	}

	logHTTPError(envelope, statusCode)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func logHTTPError(envelope *errors.ErrorEnvelope, statusCode int) {
	logger := zap.L()

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", statusCode),
	}
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}
	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}
	if envelope.CorrelationID != "" {
		fields = append(fields, zap.String("request_id", envelope.CorrelationID))
	}

	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		logger.Error(envelope.Message, fields...)
	case errors.SeverityMedium:
		logger.Warn(envelope.Message, fields...)
	default:
		logger.Info(envelope.Message, fields...)
	}
}
