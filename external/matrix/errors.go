package matrix

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	matrixpkg "github.com/foxseedlab/heyamori/internal/matrix"
)

const (
	errCodeForbidden     = "M_FORBIDDEN"
	errCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	errCodeNotFound      = "M_NOT_FOUND"
	errCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	errCodeUnrecognized  = "M_UNRECOGNIZED"
	errCodeRoomInUse     = "M_ROOM_IN_USE"
)

// matrixError is the JSON error body every Matrix endpoint returns.
type matrixError struct {
	Code         string `json:"errcode"`
	Message      string `json:"error"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

func classify(op string, status int, header http.Header, body []byte) *matrixpkg.GatewayError {
	var merr matrixError
	_ = json.Unmarshal(body, &merr)
	gwErr := &matrixpkg.GatewayError{Op: op, Code: merr.Code, StatusCode: status}
	if merr.Message != "" {
		gwErr.Err = errors.New(merr.Message)
	}

	switch {
	case status == http.StatusTooManyRequests || merr.Code == errCodeLimitExceeded:
		gwErr.Kind = matrixpkg.KindTransient
		gwErr.RetryAfter = retryAfter(header, merr.RetryAfterMs)
	case merr.Code == errCodeUnrecognized || status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented:
		gwErr.Kind = matrixpkg.KindUnavailable
	case status >= 500:
		gwErr.Kind = matrixpkg.KindTransient
	case status == http.StatusForbidden || status == http.StatusUnauthorized ||
		merr.Code == errCodeForbidden || merr.Code == errCodeUnknownToken:
		gwErr.Kind = matrixpkg.KindPermission
	case status == http.StatusNotFound || merr.Code == errCodeNotFound:
		gwErr.Kind = matrixpkg.KindNotFound
	case status == http.StatusConflict || merr.Code == errCodeRoomInUse:
		gwErr.Kind = matrixpkg.KindConflict
	default:
		gwErr.Kind = matrixpkg.KindValidation
	}
	return gwErr
}

func retryAfter(header http.Header, retryAfterMs int64) time.Duration {
	if retryAfterMs > 0 {
		return time.Duration(retryAfterMs) * time.Millisecond
	}
	if s := header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
