package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/locations/pkg/apperrors"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorHandler renders apperrors and echo errors as ErrorBody. Internal
// failures are logged with the request id and reported without detail.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Warn().Err(writeErr).Msg("failed to write error response")
		}
	}
}

func errorResponse(err error) (int, ErrorBody) {
	if appErr, ok := apperrors.As(err); ok {
		msg := appErr.Message
		if appErr.Type == apperrors.ErrorTypeInternal {
			msg = "internal server error"
		}
		return apperrors.HTTPStatus(appErr), ErrorBody{Code: string(appErr.Code), Message: msg}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprintf("%v", he.Message)
		code := http.StatusText(he.Code)
		if he.Code == http.StatusBadRequest {
			code = string(apperrors.CodeValidation)
		}
		return he.Code, ErrorBody{Code: code, Message: msg}
	}

	return http.StatusInternalServerError, ErrorBody{Code: string(apperrors.CodeInternal), Message: "internal server error"}
}
