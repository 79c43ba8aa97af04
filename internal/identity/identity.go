// Package identity resolves the caller of an HTTP request into a trust tier.
// Resolution never fails a request: any unverifiable credential degrades the
// caller to the anonymous tier instead of returning an error.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aegis/backend/internal/core"
)

// roleTiers maps JWT role claims onto trust tiers. Unknown roles fall back
// to the basic user tier since the token itself still verified.
var roleTiers = map[string]core.TrustTier{
	"user":       core.TierUser,
	"verified":   core.TierVerified,
	"privileged": core.TierPrivileged,
	"admin":      core.TierPrivileged,
	"reviewer":   core.TierPrivileged,
}

// Resolver authenticates requests via JWT bearer tokens or static API keys.
type Resolver struct {
	jwtSecret []byte
	// apiKeys maps the raw key to its tier, parsed from "key:tier" pairs.
	apiKeys map[string]core.TrustTier
}

// NewResolver builds the resolver. apiKeyPairs entries are "key:tier";
// malformed entries are skipped with a warning.
func NewResolver(jwtSecret string, apiKeyPairs []string) *Resolver {
	keys := make(map[string]core.TrustTier, len(apiKeyPairs))
	for _, pair := range apiKeyPairs {
		key, tier, ok := strings.Cut(pair, ":")
		if !ok || key == "" {
			slog.Warn("skipping malformed api key entry")
			continue
		}
		t := core.TrustTier(tier)
		if t.Level() == 0 && t != core.TierAnon {
			slog.Warn("api key has unknown tier, treating as user", "tier", tier)
			t = core.TierUser
		}
		keys[key] = t
	}
	return &Resolver{jwtSecret: []byte(jwtSecret), apiKeys: keys}
}

// Resolve derives the caller identity for one request. Order: bearer JWT,
// then X-API-Key, then anonymous keyed by remote address.
func (r *Resolver) Resolve(req *http.Request) core.Identity {
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if id, ok := r.fromJWT(strings.TrimPrefix(auth, "Bearer ")); ok {
			return id
		}
	}
	if key := req.Header.Get("X-API-Key"); key != "" {
		if id, ok := r.fromAPIKey(key); ok {
			return id
		}
	}
	return Anonymous(req.RemoteAddr)
}

func (r *Resolver) fromJWT(raw string) (core.Identity, bool) {
	if len(r.jwtSecret) == 0 {
		return core.Identity{}, false
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		slog.Debug("jwt rejected", "error", err)
		return core.Identity{}, false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return core.Identity{}, false
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return core.Identity{}, false
	}
	role, _ := claims["role"].(string)
	tier, ok := roleTiers[role]
	if !ok {
		tier = core.TierUser
	}
	return core.Identity{
		ID:       sub,
		Tier:     tier,
		Metadata: map[string]string{"auth": "jwt", "role": role},
	}, true
}

func (r *Resolver) fromAPIKey(key string) (core.Identity, bool) {
	// Constant-time scan over the full key set so timing does not reveal
	// which keys exist.
	var matchTier core.TrustTier
	found := 0
	for candidate, tier := range r.apiKeys {
		if len(candidate) == len(key) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			matchTier = tier
			found = 1
		}
	}
	if found == 0 {
		return core.Identity{}, false
	}
	return core.Identity{
		ID:       "key-" + fingerprint(key),
		Tier:     matchTier,
		Metadata: map[string]string{"auth": "api_key"},
	}, true
}

// Anonymous builds the fallback identity from the remote address.
func Anonymous(remoteAddr string) core.Identity {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return core.Identity{
		ID:       "anon-" + host,
		Tier:     core.TierAnon,
		Metadata: map[string]string{"auth": "none"},
	}
}

// fingerprint derives a stable identity id without ever logging or storing
// the key itself.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}
