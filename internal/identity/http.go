package identity

import (
	"context"
	"net/http"
	"net/netip"
	"strings"

	"github.com/google/uuid"
)

// UnknownIP is used when no client address can be determined.
const UnknownIP = "unknown"

// DefaultDeviceCookie is the name of the long-lived device fingerprint cookie.
const DefaultDeviceCookie = "iskom_did"

const deviceCookieMaxAge = 2 * 365 * 24 * 60 * 60

type contextKey int

const deviceIDCtxKey contextKey = iota

// ClientIP extracts the caller address from proxy headers: the first entry of
// X-Forwarded-For, then X-Real-IP, then the connection address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip, ok := NormalizeIP(first); ok {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip, ok := NormalizeIP(xri); ok {
			return ip
		}
	}
	if ip, ok := NormalizeIP(r.RemoteAddr); ok {
		return ip
	}
	return UnknownIP
}

// NormalizeIP returns the canonical IP for a bare address or host:port pair,
// without zone identifiers. The bool reports whether raw parsed as an IP.
func NormalizeIP(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if addrPort, err := netip.ParseAddrPort(raw); err == nil {
		return addrPort.Addr().WithZone("").Unmap().String(), true
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		return addr.WithZone("").Unmap().String(), true
	}
	if strings.HasPrefix(raw, "[") && strings.Contains(raw, "]") {
		host := raw[1:strings.LastIndex(raw, "]")]
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr.WithZone("").String(), true
		}
	}
	return raw, false
}

// DeviceCookie issues a random device id cookie on first visit and makes the
// device id available through DeviceIDFromContext.
func DeviceCookie(name string, secure bool) func(http.Handler) http.Handler {
	if name == "" {
		name = DefaultDeviceCookie
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var deviceID string
			if c, err := r.Cookie(name); err == nil && validDeviceID(c.Value) {
				deviceID = c.Value
			} else {
				deviceID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     name,
					Value:    deviceID,
					Path:     "/",
					MaxAge:   deviceCookieMaxAge,
					HttpOnly: true,
					Secure:   secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			ctx := context.WithValue(r.Context(), deviceIDCtxKey, deviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceIDFromContext returns the device id set by DeviceCookie, or "".
func DeviceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(deviceIDCtxKey).(string)
	return v
}

// SignalsFromRequest collects the raw identity signals of an HTTP request.
func SignalsFromRequest(r *http.Request, userID string) Signals {
	return Signals{
		IP:       ClientIP(r),
		DeviceID: DeviceIDFromContext(r.Context()),
		UserID:   userID,
	}
}

func validDeviceID(v string) bool {
	_, err := uuid.Parse(v)
	return err == nil
}
