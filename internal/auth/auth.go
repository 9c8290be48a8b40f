// Package auth verifies HMAC request signatures on mutating endpoints.
//
// Callers sign "timestamp.nonce.body" with the shared secret and send the
// hex digest in x-signature. Timestamps outside the allowed drift are
// rejected, and nonces are single-use within the drift window, so a captured
// request cannot be replayed.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MaxDrift is how far a request timestamp may deviate from server time.
const MaxDrift = 300 * time.Second

// Verifier checks request signatures and tracks seen nonces.
type Verifier struct {
	secret []byte

	mu     sync.Mutex
	nonces map[string]time.Time // nonce -> expiry

	// now is swappable in tests.
	now func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		nonces: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Verify checks the signature over "timestamp.nonce.body". timestamp is unix
// seconds as sent by the caller.
func (v *Verifier) Verify(timestamp, nonce string, body, signature []byte) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp")
	}

	now := v.now()
	drift := now.Sub(time.Unix(ts, 0))
	if drift < -MaxDrift || drift > MaxDrift {
		return fmt.Errorf("timestamp outside allowed window")
	}
	if nonce == "" {
		return fmt.Errorf("missing nonce")
	}

	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s.%s.", timestamp, nonce)
	mac.Write(body)
	expected := mac.Sum(nil)

	decoded, err := hex.DecodeString(string(signature))
	if err != nil || !hmac.Equal(decoded, expected) {
		return fmt.Errorf("signature mismatch")
	}

	// Nonce bookkeeping happens after the signature check so unauthenticated
	// traffic cannot fill the nonce table.
	v.mu.Lock()
	defer v.mu.Unlock()
	if exp, seen := v.nonces[nonce]; seen && now.Before(exp) {
		return fmt.Errorf("nonce already used")
	}
	v.nonces[nonce] = now.Add(MaxDrift)
	v.pruneLocked(now)
	return nil
}

func (v *Verifier) pruneLocked(now time.Time) {
	for n, exp := range v.nonces {
		if now.After(exp) {
			delete(v.nonces, n)
		}
	}
}

// Sign produces the hex signature a caller would send. Used by tests and
// client tooling.
func Sign(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s.", timestamp, nonce)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
