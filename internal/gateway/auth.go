package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/piefi/oracle/internal/apperr"
	"github.com/piefi/oracle/internal/audit"
	"github.com/piefi/oracle/internal/config"
	"github.com/piefi/oracle/internal/shared"
)

// AuthMiddleware resolves the caller identity from an API key. It stands in
// for the external identity provider: each configured key maps to one user
// and role.
type AuthMiddleware struct {
	keys    map[string]config.APIKeyEntry
	enabled bool
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{
		keys:    make(map[string]config.APIKeyEntry, len(cfg.Keys)),
		enabled: cfg.Enabled,
	}
	for _, k := range cfg.Keys {
		am.keys[k.Key] = k
	}
	return am
}

// Wrap attaches a shared.Caller to every request. With auth disabled the
// caller is anonymous, has no fixed role and is keyed by remote address.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if !am.enabled {
			c := shared.Caller{Key: "ip:" + remoteHost(r)}
			next.ServeHTTP(w, r.WithContext(shared.WithCaller(r.Context(), c)))
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			audit.Record(r.Context(), audit.Deny, audit.ActionAuthenticate, "missing API key", remoteHost(r))
			writeError(w, apperr.Authentication("Missing API key"))
			return
		}
		entry, ok := am.lookupKey(key)
		if !ok {
			audit.Record(r.Context(), audit.Deny, audit.ActionAuthenticate, "unknown API key", remoteHost(r))
			writeError(w, apperr.Authentication("Invalid API key"))
			return
		}

		c := shared.Caller{UserID: entry.UserID, Role: entry.Role, Key: "key:" + keyFingerprint(key)}
		next.ServeHTTP(w, r.WithContext(shared.WithCaller(r.Context(), c)))
	})
}

// ExtractAPIKey checks, in order: Authorization: Bearer <key>, X-API-Key
// header, api_key query param (for browser WebSocket clients).
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupKey uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupKey(candidate string) (config.APIKeyEntry, bool) {
	for k, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			return entry, true
		}
	}
	return config.APIKeyEntry{}, false
}

func keyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var roleRank = map[string]int{
	shared.RoleGuest:   0,
	shared.RoleBuilder: 1,
	shared.RoleMentor:  2,
	shared.RoleLead:    3,
}

// effectiveRole picks the role a request runs under. A caller bound to a
// role may ask for the same or a lesser one, never a greater one. An
// anonymous caller gets what it asks for.
func effectiveRole(c shared.Caller, requested string) (string, error) {
	requested = strings.ToLower(strings.TrimSpace(requested))
	switch {
	case requested == "":
		return c.Role, nil
	case c.Role == "":
		return requested, nil
	}
	want, known := roleRank[requested]
	if !known {
		// Left for request validation to reject.
		return requested, nil
	}
	if want > roleRank[c.Role] {
		return "", apperr.Authorization("Role exceeds the caller's role").
			With("role", requested).
			With("caller_role", c.Role)
	}
	return requested, nil
}
