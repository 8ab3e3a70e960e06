package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes, as returned
// by a failed websocket handshake.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsAgentErrorType reports whether an agent control message type signals a
// provider-side failure worth surfacing.
func IsAgentErrorType(messageType string) bool {
	switch messageType {
	case "error", "rate_limited", "resource_exhausted", "queue_overflow", "quota_exceeded":
		return true
	default:
		return false
	}
}

// Close-code classes used as metric labels.
const (
	CloseNormal      = "normal"
	CloseGoingAway   = "going_away"
	CloseProtocol    = "protocol"
	ClosePolicy      = "policy"
	CloseTooLarge    = "too_large"
	CloseServerError = "server_error"
	CloseAbnormal    = "abnormal"
	CloseNoStatus    = "no_status"
	CloseApplication = "application"
	CloseUnknown     = "unknown"
)

// ClassifyClose maps a websocket close code (RFC 6455 section 7.4) to a
// coarse class.
func ClassifyClose(code int) string {
	switch {
	case code == 1000:
		return CloseNormal
	case code == 1001:
		return CloseGoingAway
	case code == 1002, code == 1003, code == 1007, code == 1010, code == 1015:
		return CloseProtocol
	case code == 1008:
		return ClosePolicy
	case code == 1009:
		return CloseTooLarge
	case code >= 1011 && code <= 1014:
		return CloseServerError
	case code == 1006:
		return CloseAbnormal
	case code == 1005:
		return CloseNoStatus
	case code >= 3000 && code <= 4999:
		return CloseApplication
	default:
		return CloseUnknown
	}
}

// IsRetryableClose reports whether a peer closing with code is likely
// transient.
func IsRetryableClose(code int) bool {
	switch code {
	case 1001, 1006, 1011, 1012, 1013:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
