package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Notice is the JSON body returned for every failed request. Screens render
// it as a dismissible message.
type Notice struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Kind      Kind   `json:"kind"`
	Retryable bool   `json:"retryable"`
	ReAuth    bool   `json:"reauth,omitempty"`
}

// NoticeFor converts err into the notice shown to the operator.
func NoticeFor(err error) Notice {
	return Notice{
		Error:     err.Error(),
		Code:      CodeOf(err),
		Kind:      KindOf(err),
		Retryable: Retryable(err),
		ReAuth:    errors.Is(err, ErrUnauthorized),
	}
}

// ErrorHandler returns an echo.HTTPErrorHandler that renders *Error values as
// notices and falls back to echo's own handling for router errors.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg, _ := he.Message.(string)
			if msg == "" {
				msg = http.StatusText(he.Code)
			}
			_ = c.JSON(he.Code, Notice{Error: msg, Code: "http", Kind: kindForStatus(he.Code)})
			return
		}

		notice := NoticeFor(err)
		status := HTTPStatus(notice.Kind)
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("request_id", requestID(c)).
				Str("code", notice.Code).
				Msg("request failed")
		}
		if notice.Kind == KindInternal {
			notice.Error = "internal error"
		}
		_ = c.JSON(status, notice)
	}
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindValidation
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return KindTransient
	}
	return KindInternal
}

func requestID(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}
