package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"
)

const testSecret = "123456:test-shared-secret"

// signAssertion builds a validly signed assertion from raw field values.
func signAssertion(secret string, fields url.Values) string {
	pairs := make([]string, 0, len(fields))
	for key, vals := range fields {
		for _, v := range vals {
			pairs = append(pairs, key+"="+v)
		}
	}
	sort.Strings(pairs)

	kdf := hmac.New(sha256.New, []byte(signingDomain))
	kdf.Write([]byte(secret))
	mac := hmac.New(sha256.New, kdf.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))

	signed := url.Values{}
	for key, vals := range fields {
		for _, v := range vals {
			signed.Add(key, v)
		}
	}
	signed.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return signed.Encode()
}

func validFields(authedAt time.Time) url.Values {
	return url.Values{
		"user":      []string{`{"id":42,"first_name":"Ann","last_name":"Lee","username":"annlee","photo_url":"https://cdn.example/ann.png"}`},
		"auth_date": []string{fmt.Sprintf("%d", authedAt.Unix())},
		"query_id":  []string{"AAF9x"},
	}
}

func TestVerify(t *testing.T) {
	assertion := signAssertion(testSecret, validFields(time.Now()))

	res, err := Verify(assertion, testSecret, 0)
	if err != nil {
		t.Fatalf("expected successful verification, got %v", err)
	}
	if res.Identity == nil {
		t.Fatal("expected identity to be parsed")
	}
	if res.Identity.ID != 42 || res.Identity.FirstName != "Ann" ||
		res.Identity.Username != "annlee" || res.Identity.PhotoURL != "https://cdn.example/ann.png" {
		t.Fatalf("unexpected identity: %+v", res.Identity)
	}
	if res.AuthedAt.IsZero() {
		t.Fatal("expected auth timestamp to be set")
	}
}

func TestVerifyFailures(t *testing.T) {
	assertion := signAssertion(testSecret, validFields(time.Now()))

	tests := []struct {
		name      string
		assertion string
		secret    string
		maxAge    time.Duration
		want      error
	}{
		{name: "missing secret", assertion: assertion, want: ErrMissingSecret},
		{name: "missing assertion", secret: testSecret, want: ErrMissingAssertion},
		{name: "unparsable", assertion: "%zz", secret: testSecret, want: ErrMalformed},
		{name: "no hash field", assertion: "auth_date=1", secret: testSecret, want: ErrMalformed},
		{name: "nothing but hash", assertion: "hash=deadbeef", secret: testSecret, want: ErrMalformed},
		{name: "wrong secret", assertion: assertion, secret: "other-secret", want: ErrSignatureMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.assertion, tt.secret, tt.maxAge)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestVerifyTamperedSignature(t *testing.T) {
	fields := validFields(time.Now())
	assertion := signAssertion(testSecret, fields)

	// locate the declared signature inside the encoded assertion
	values, err := url.ParseQuery(assertion)
	if err != nil {
		t.Fatal(err)
	}
	declared := values.Get("hash")
	offset := strings.Index(assertion, declared)
	if offset < 0 {
		t.Fatal("signature not found in assertion")
	}

	for i := 0; i < len(declared); i++ {
		flipped := byte('0')
		if declared[i] == '0' {
			flipped = '1'
		}
		tampered := assertion[:offset+i] + string(flipped) + assertion[offset+i+1:]
		if _, err = Verify(tampered, testSecret, 0); !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("tampering signature byte %d: expected %v, got %v", i, ErrSignatureMismatch, err)
		}
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	fields := validFields(time.Now())
	assertion := signAssertion(testSecret, fields)

	// altering any signed field invalidates the signature
	tampered := strings.Replace(assertion, "query_id=AAF9x", "query_id=AAF9y", 1)
	if tampered == assertion {
		t.Fatal("replacement had no effect")
	}
	if _, err := Verify(tampered, testSecret, 0); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected %v, got %v", ErrSignatureMismatch, err)
	}
}

func TestVerifyFreshness(t *testing.T) {
	stale := signAssertion(testSecret, validFields(time.Now().Add(-time.Hour)))

	if _, err := Verify(stale, testSecret, time.Minute); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected %v, got %v", ErrExpired, err)
	}
	if _, err := Verify(stale, testSecret, 0); err != nil {
		t.Fatalf("freshness check disabled, expected success, got %v", err)
	}
	if _, err := Verify(stale, testSecret, 2*time.Hour); err != nil {
		t.Fatalf("within allowed age, expected success, got %v", err)
	}

	noDate := url.Values{"user": validFields(time.Now())["user"]}
	unstamped := signAssertion(testSecret, noDate)
	if _, err := Verify(unstamped, testSecret, time.Minute); !errors.Is(err, ErrExpired) {
		t.Fatalf("missing timestamp with freshness enabled: expected %v, got %v", ErrExpired, err)
	}
	if _, err := Verify(unstamped, testSecret, 0); err != nil {
		t.Fatalf("missing timestamp with freshness disabled: expected success, got %v", err)
	}
}

func TestVerifyBadUserField(t *testing.T) {
	fields := url.Values{
		"user":      []string{"not-json"},
		"auth_date": []string{fmt.Sprintf("%d", time.Now().Unix())},
	}
	res, err := Verify(signAssertion(testSecret, fields), testSecret, 0)
	if err != nil {
		t.Fatalf("signature is valid, expected success, got %v", err)
	}
	if res.Identity != nil {
		t.Fatalf("expected nil identity for unparsable user field, got %+v", res.Identity)
	}
}
