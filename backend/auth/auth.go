package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// signingDomain keys the per-deployment secret derivation.
const signingDomain = "WebAppData"

var (
	ErrMissingSecret     = errors.New("no signing secret configured")
	ErrMissingAssertion  = errors.New("no identity assertion supplied")
	ErrMalformed         = errors.New("malformed identity assertion")
	ErrSignatureMismatch = errors.New("assertion signature mismatch")
	ErrExpired           = errors.New("identity assertion expired")
)

// Identity is the user record embedded in a signed assertion.
type Identity struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	PhotoURL  string `json:"photo_url"`
}

// Result of a successful verification. Identity may be nil when the
// assertion is validly signed but carries no user field.
type Result struct {
	Identity *Identity
	AuthedAt time.Time
}

// Verify checks an assertion's signature and, when maxAge is positive, its
// freshness. The assertion is a URL-encoded query string whose "hash" field
// declares an HMAC-SHA256 over the remaining fields, formatted key=value,
// sorted by key and newline-joined, keyed by HMAC(signingDomain, secret).
// Pure function, no side effects.
func Verify(assertion, secret string, maxAge time.Duration) (*Result, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if assertion == "" {
		return nil, ErrMissingAssertion
	}
	values, err := url.ParseQuery(assertion)
	if err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	declared := values.Get("hash")
	if declared == "" {
		return nil, ErrMalformed
	}
	values.Del("hash")
	pairs := make([]string, 0, len(values))
	for key, vals := range values {
		for _, v := range vals {
			pairs = append(pairs, key+"="+v)
		}
	}
	if len(pairs) == 0 {
		return nil, ErrMalformed
	}
	sort.Strings(pairs)

	kdf := hmac.New(sha256.New, []byte(signingDomain))
	kdf.Write([]byte(secret))
	mac := hmac.New(sha256.New, kdf.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(declared)) {
		return nil, ErrSignatureMismatch
	}

	res := &Result{}
	if raw := values.Get("user"); raw != "" {
		var ident Identity
		if jErr := json.Unmarshal([]byte(raw), &ident); jErr == nil {
			res.Identity = &ident
		}
	}
	authDate, _ := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if authDate > 0 {
		res.AuthedAt = time.Unix(authDate, 0)
	}
	if maxAge > 0 {
		if authDate <= 0 || time.Since(res.AuthedAt) > maxAge {
			return nil, ErrExpired
		}
	}
	return res, nil
}
