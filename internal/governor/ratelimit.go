package governor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aegis/backend/internal/coord"
	"github.com/aegis/backend/internal/core"
)

// Tier bucket capacities (tokens) and refill windows. anon refills over a
// full day; higher tiers refill within the hour.
var tierCapacity = map[core.TrustTier]struct {
	capacity float64
	window   time.Duration
}{
	core.TierAnon:       {20, 24 * time.Hour},
	core.TierUser:       {200, time.Hour},
	core.TierVerified:   {500, time.Hour},
	core.TierPrivileged: {5000, time.Hour},
}

const (
	ipCapacity = 120.0
	ipWindow   = time.Minute

	backoffInitial = 2 * time.Second
	backoffCap     = 10 * time.Minute

	riskDecayPerHour = 0.05
)

// ErrSignatureInvalid is returned by VerifySignedRequest.
var ErrSignatureInvalid = errors.New("request signature invalid or expired")

// RateLimiter composes the shared token buckets, the IP bucket, the
// exponential backoff and the risk-scaled capacity. All counter updates run
// through the store's atomic scripts.
type RateLimiter struct {
	store  *coord.Store
	secret string // HMAC secret for signed-request validation; empty disables
	now    func() time.Time
}

// NewRateLimiter builds the shared limiter.
func NewRateLimiter(store *coord.Store, secret string) *RateLimiter {
	return &RateLimiter{store: store, secret: secret, now: time.Now}
}

// Verdict reports one combined rate decision.
type Verdict struct {
	Allowed    bool
	Reason     core.ReasonCode
	RetryAfter time.Duration
}

// Allow checks the identity bucket, the IP bucket and the backoff state in
// order; the request passes only if all allow it. Denials arm the backoff.
func (rl *RateLimiter) Allow(ctx context.Context, identity core.Identity, feature, ip string) (Verdict, error) {
	now := rl.now()

	// Active backoff short-circuits everything.
	if wait, err := rl.backoffRemaining(ctx, identity.ID, ip); err != nil {
		return Verdict{}, err
	} else if wait > 0 {
		return Verdict{Allowed: false, Reason: core.ReasonRateLimited, RetryAfter: wait}, nil
	}

	tc, ok := tierCapacity[identity.Tier]
	if !ok {
		tc = tierCapacity[core.TierAnon]
	}
	capacity := tc.capacity

	// Long-running risk score scales the effective capacity down.
	risk, err := rl.store.RiskScore(ctx, identity.ID, riskDecayPerHour)
	if err == nil {
		capacity *= capacityFraction(risk)
	}
	// Misuse penalty tightens the bucket further.
	if penalty, err := rl.store.BucketPenalty(ctx, identity.ID); err == nil {
		capacity *= penalty
	}
	if capacity < 1 {
		capacity = 1
	}

	refill := capacity / tc.window.Seconds()
	key := fmt.Sprintf("ratelimit:%s:%s", identity.ID, feature)
	allowed, remaining, err := rl.store.TakeToken(ctx, key, capacity, refill, now)
	if err != nil {
		return Verdict{}, err
	}
	if !allowed {
		wait := rl.armBackoff(ctx, identity.ID, ip)
		retry := time.Duration((1-remaining)/refill*float64(time.Second)) + time.Second
		if wait > retry {
			retry = wait
		}
		return Verdict{Allowed: false, Reason: core.ReasonRateLimited, RetryAfter: retry}, nil
	}

	if ip != "" {
		ipRefill := ipCapacity / ipWindow.Seconds()
		ipAllowed, ipRemaining, err := rl.store.TakeToken(ctx, "ratelimit:ip:"+ip, ipCapacity, ipRefill, now)
		if err != nil {
			return Verdict{}, err
		}
		if !ipAllowed {
			wait := rl.armBackoff(ctx, identity.ID, ip)
			retry := time.Duration((1-ipRemaining)/ipRefill*float64(time.Second)) + time.Second
			if wait > retry {
				retry = wait
			}
			return Verdict{Allowed: false, Reason: core.ReasonRateLimited, RetryAfter: retry}, nil
		}
	}

	rl.clearBackoff(ctx, identity.ID, ip)
	return Verdict{Allowed: true}, nil
}

// capacityFraction maps the risk score onto the capacity buckets.
func capacityFraction(risk float64) float64 {
	switch {
	case risk >= 0.9:
		return 0.10
	case risk >= 0.7:
		return 0.25
	case risk >= 0.4:
		return 0.50
	default:
		return 1.0
	}
}

// backoff keys live next to the rate buckets; the stored value is the
// current minimum wait in seconds and the key TTL enforces it.

func backoffKey(user, ip string) string { return "backoff:" + user + ":" + ip }

func (rl *RateLimiter) backoffRemaining(ctx context.Context, user, ip string) (time.Duration, error) {
	ttl, err := rl.store.TTL(ctx, backoffKey(user, ip))
	if err != nil {
		return 0, err
	}
	if ttl > 0 {
		return ttl, nil
	}
	return 0, nil
}

// armBackoff doubles the minimum wait for the pair, capped, and returns it.
func (rl *RateLimiter) armBackoff(ctx context.Context, user, ip string) time.Duration {
	key := backoffKey(user, ip)
	prev, _ := rl.store.GetString(ctx, key+":last")
	wait := backoffInitial
	if prev != "" {
		if secs, err := strconv.ParseFloat(prev, 64); err == nil {
			wait = time.Duration(secs * 2 * float64(time.Second))
		}
	}
	if wait > backoffCap {
		wait = backoffCap
	}
	_ = rl.store.SetString(ctx, key, "1", wait)
	_ = rl.store.SetString(ctx, key+":last", strconv.FormatFloat(wait.Seconds(), 'f', -1, 64), backoffCap)
	return wait
}

func (rl *RateLimiter) clearBackoff(ctx context.Context, user, ip string) {
	_ = rl.store.Del(ctx, backoffKey(user, ip)+":last")
}

// VerifySignedRequest validates an optional HMAC request signature of the
// form "{timestamp}:{hex(hmac(secret, body+timestamp))}" within the TTL.
// A limiter without a secret accepts everything.
func (rl *RateLimiter) VerifySignedRequest(signature string, body []byte, ttl time.Duration) error {
	if rl.secret == "" {
		return nil
	}
	parts := strings.SplitN(signature, ":", 2)
	if len(parts) != 2 {
		return ErrSignatureInvalid
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	issued := time.Unix(ts, 0)
	if rl.now().Sub(issued) > ttl || issued.After(rl.now().Add(time.Minute)) {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, []byte(rl.secret))
	mac.Write(body)
	mac.Write([]byte(parts[0]))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(parts[1])) {
		return ErrSignatureInvalid
	}
	return nil
}
