package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"
)

// Status is the provisioning state of a device.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"

	// StatusDeleted marks a cached negative result: the store has no such
	// device. It is never returned by a Store.
	StatusDeleted Status = "DELETED"
)

// ParseStatus normalizes a stored status. Unknown values are treated as revoked.
func ParseStatus(s string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive
	default:
		return StatusRevoked
	}
}

// Record is what a Store returns for one device.
type Record struct {
	TokenHash string `yaml:"token_hash" dynamodbav:"token_hash"`
	SiteID    string `yaml:"site_id" dynamodbav:"site_id"`
	Status    Status `yaml:"status" dynamodbav:"status"`
}

// Entry is a cached Record plus the time it was inserted.
type Entry struct {
	TenantID   string
	DeviceID   string
	TokenHash  string
	SiteID     string
	Status     Status
	InsertedAt time.Time
}

// Revoked reports whether the device may no longer ingest.
func (e Entry) Revoked() bool {
	return e.Status == StatusRevoked
}

// Deleted reports whether the entry records a device the store does not know.
func (e Entry) Deleted() bool {
	return e.Status == StatusDeleted
}

// HashToken returns the lowercase hex SHA-256 digest of token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenMatches reports whether token hashes to tokenHash. The digest
// comparison runs in constant time.
func TokenMatches(token, tokenHash string) bool {
	if token == "" || tokenHash == "" {
		return false
	}
	got := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(tokenHash))) == 1
}
