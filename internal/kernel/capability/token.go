// Package capability implements the capability-token ABI: the signed
// grant every syscall is gated on, the pluggable Verifier that checks a
// token's signature and validity, and the derived quota ledger that
// tracks consumption against a token's immutable budget.
package capability

import "time"

// Right is a single bit in a token's rights bitset. Rights compose by
// OR; a syscall declares the Right it requires and the dispatcher
// rejects any token that does not carry it.
type Right uint64

const (
	RightSpawnAgent Right = 1 << iota
	RightKillAgent
	RightSendIPC
	RightRecvIPC
	RightAllocMemory
	RightAsyncOp
	RightReadJournal
	RightAdmin
)

// Has reports whether the rights bitset r contains want.
func (r Right) Has(want Right) bool { return r&want == want }

// Quota bounds a token's resource consumption over its lifetime. Zero
// fields are treated as unbounded for that dimension.
type Quota struct {
	MaxMemoryBytes  int64
	MaxIPCMessages  int64
	MaxAsyncOps     int64
	MaxCPUNanos     int64
}

// Token is the immutable, signed capability grant presented with every
// syscall. Tokens are never mutated after issuance; consumption is
// tracked separately in a Ledger keyed by TokenID.
type Token struct {
	TokenID   string
	Subject   uint64 // AgentId the token was issued to
	Rights    Right
	Quota     Quota
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
	Signature []byte
}

// Expired reports whether the token is no longer valid at instant now.
// A token is valid only while now is strictly before ExpiresAt; now
// equal to ExpiresAt is already expired.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Verifier checks a token's authenticity and validity. Two
// implementations are provided: HMACVerifier for a single-trust-domain
// deployment, and SPIFFEVerifier for workload-identity-backed
// deployments federated across trust domains.
type Verifier interface {
	// Verify checks the token's signature and returns it decoded, or an
	// error if the signature, expiry, or revocation state is invalid.
	Verify(encoded string) (*Token, error)
	// Revoke immediately invalidates a token ahead of its expiry.
	Revoke(tokenID string) error
}
