package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"intelvault/core"
	"intelvault/feeds"
	"intelvault/service"
	"intelvault/util"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies. Feed ingest bodies may be large.
const (
	maxBodyBytes       = 1 << 20
	maxIngestBodyBytes = 16 << 20
)

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// statusFor maps an error to its HTTP status by its stable code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNoCollaborator):
		return http.StatusNotImplemented
	case errors.Is(err, service.ErrNotificationsDisabled), errors.Is(err, errNoScheduler):
		return http.StatusServiceUnavailable
	case errors.Is(err, feeds.ErrFeedDisabled):
		return http.StatusConflict
	}
	switch core.ErrorCode(err) {
	case core.CodeValidation, core.CodeImmutableField:
		return http.StatusBadRequest
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case core.CodeFeatureDisabled:
		return http.StatusForbidden
	case core.CodeInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err in full and sends the client a redacted Result. Internal
// errors get a generic message.
func writeError(w http.ResponseWriter, err error, logger *zap.SugaredLogger) {
	status := statusFor(err)
	result := core.ResultFromError(err)
	if status >= http.StatusInternalServerError {
		logger.Errorw("Request failed", "error", err, "status_code", status)
		if result.Error.Code == core.CodeInternal {
			result.Error.Message = http.StatusText(status)
		}
	} else {
		logger.Debugw("Request rejected", "error", err, "status_code", status)
	}
	result.Error.Message = util.ClientMessage(result.Error.Message)
	respondJSON(w, result, status)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return core.NewValidationError("body", fmt.Sprintf("must not exceed %d bytes", maxErr.Limit))
		case errors.Is(err, io.EOF):
			return core.NewValidationError("body", "must not be empty")
		default:
			return core.NewValidationError("body", err.Error())
		}
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs validator tags on req and reports the first failure as a
// core validation error.
func (a *API) validateStruct(req any) error {
	err := a.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		msg := "failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		return core.NewValidationError(fe.Field(), msg)
	}
	return core.NewValidationError("body", err.Error())
}
