package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aioscore/kernel/internal/kernel/kernelerr"
)

// wireClaims is the JSON payload signed inside an HMAC token. Rights and
// quota are flattened to primitives so the signed bytes are stable
// across Go struct-layout changes.
type wireClaims struct {
	TokenID        string `json:"tid"`
	Subject        uint64 `json:"sub"`
	Rights         uint64 `json:"rts"`
	MaxMemoryBytes int64  `json:"qmem"`
	MaxIPCMessages int64  `json:"qipc"`
	MaxAsyncOps    int64  `json:"qasync"`
	MaxCPUNanos    int64  `json:"qcpu"`
	IssuedAt       int64  `json:"iat"`
	ExpiresAt      int64  `json:"exp"`
	Issuer         string `json:"iss"`
}

// HMACVerifierConfig configures an HMACVerifier.
type HMACVerifierConfig struct {
	Secret              string
	PreviousSecret      string
	RotationGracePeriod time.Duration
	Issuer              string
	DefaultTTL          time.Duration
}

// HMACVerifier verifies and (for development/testing) issues
// HMAC-SHA256 signed capability tokens. Key rotation keeps a previous
// secret valid for a grace window so in-flight tokens survive a
// rotation.
type HMACVerifier struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	issuer     string
	defaultTTL time.Duration

	revoked map[string]time.Time
}

// NewHMACVerifier constructs an HMACVerifier from cfg, filling in
// defaults for any zero-valued field.
func NewHMACVerifier(cfg HMACVerifierConfig) *HMACVerifier {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "aioscore-kernel"
	}
	if cfg.RotationGracePeriod == 0 {
		cfg.RotationGracePeriod = 24 * time.Hour
	}

	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = []byte("aioscore-dev-hmac-secret-change-in-production")
	}

	var prev []byte
	var graceUntil time.Time
	if cfg.PreviousSecret != "" {
		prev = []byte(cfg.PreviousSecret)
		graceUntil = time.Now().Add(cfg.RotationGracePeriod)
	}

	return &HMACVerifier{
		secret:     secret,
		prevSecret: prev,
		graceUntil: graceUntil,
		issuer:     cfg.Issuer,
		defaultTTL: cfg.DefaultTTL,
		revoked:    make(map[string]time.Time),
	}
}

// Issue mints a new signed token for subject with the given rights and
// quota, valid for ttl (or the verifier's DefaultTTL if ttl is zero).
func (v *HMACVerifier) Issue(tokenID string, subject uint64, rights Right, quota Quota, ttl time.Duration) (string, *Token, error) {
	if ttl == 0 {
		ttl = v.defaultTTL
	}
	now := time.Now()
	claims := wireClaims{
		TokenID:        tokenID,
		Subject:        subject,
		Rights:         uint64(rights),
		MaxMemoryBytes: quota.MaxMemoryBytes,
		MaxIPCMessages: quota.MaxIPCMessages,
		MaxAsyncOps:    quota.MaxAsyncOps,
		MaxCPUNanos:    quota.MaxCPUNanos,
		IssuedAt:       now.Unix(),
		ExpiresAt:      now.Add(ttl).Unix(),
		Issuer:         v.issuer,
	}

	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", nil, kernelerr.Wrap(kernelerr.KindInternal, "marshal token claims", err)
	}

	sig := v.sign(claimsJSON)
	encoded := base64.RawURLEncoding.EncodeToString(claimsJSON) + "." + base64.RawURLEncoding.EncodeToString(sig)

	tok := &Token{
		TokenID:   tokenID,
		Subject:   subject,
		Rights:    rights,
		Quota:     quota,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Issuer:    v.issuer,
		Signature: sig,
	}
	return encoded, tok, nil
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(encoded string) (*Token, error) {
	parts := splitToken(encoded)
	if len(parts) != 2 {
		return nil, kernelerr.New(kernelerr.KindCapabilityDenied, "malformed token encoding")
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindCapabilityDenied, "invalid token claims encoding", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindCapabilityDenied, "invalid token signature encoding", err)
	}

	if !v.validSignature(claimsJSON, sig) {
		return nil, kernelerr.New(kernelerr.KindCapabilityDenied, "invalid token signature")
	}

	var claims wireClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindCapabilityDenied, "malformed token claims", err)
	}

	tok := &Token{
		TokenID: claims.TokenID,
		Subject: claims.Subject,
		Rights:  Right(claims.Rights),
		Quota: Quota{
			MaxMemoryBytes: claims.MaxMemoryBytes,
			MaxIPCMessages: claims.MaxIPCMessages,
			MaxAsyncOps:    claims.MaxAsyncOps,
			MaxCPUNanos:    claims.MaxCPUNanos,
		},
		IssuedAt:  time.Unix(claims.IssuedAt, 0),
		ExpiresAt: time.Unix(claims.ExpiresAt, 0),
		Issuer:    claims.Issuer,
		Signature: sig,
	}

	if tok.Expired(time.Now()) {
		return nil, kernelerr.New(kernelerr.KindTokenExpired, fmt.Sprintf("token %s expired at %s", tok.TokenID, tok.ExpiresAt))
	}

	v.mu.RLock()
	_, revoked := v.revoked[tok.TokenID]
	v.mu.RUnlock()
	if revoked {
		return nil, kernelerr.New(kernelerr.KindTokenRevoked, fmt.Sprintf("token %s revoked", tok.TokenID))
	}

	return tok, nil
}

// Revoke implements Verifier.
func (v *HMACVerifier) Revoke(tokenID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.revoked[tokenID] = time.Now()
	return nil
}

// RotateKey atomically swaps in a new signing secret; the previous
// secret remains valid for the configured grace period so tokens
// already in flight keep verifying.
func (v *HMACVerifier) RotateKey(newSecret string, grace time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prevSecret = v.secret
	v.graceUntil = time.Now().Add(grace)
	v.secret = []byte(newSecret)
}

func (v *HMACVerifier) validSignature(claimsJSON, sig []byte) bool {
	v.mu.RLock()
	secret := v.secret
	prev := v.prevSecret
	graceUntil := v.graceUntil
	v.mu.RUnlock()

	if hmac.Equal(sig, sign(secret, claimsJSON)) {
		return true
	}
	if len(prev) > 0 && time.Now().Before(graceUntil) {
		return hmac.Equal(sig, sign(prev, claimsJSON))
	}
	return false
}

func (v *HMACVerifier) sign(data []byte) []byte {
	v.mu.RLock()
	secret := v.secret
	v.mu.RUnlock()
	return sign(secret, data)
}

func sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func splitToken(token string) []string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return []string{token}
}
