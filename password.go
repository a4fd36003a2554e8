package authcore

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt silently truncates longer inputs, so we refuse them outright.
const maxPasswordBytes = 72

// Hasher hashes and verifies password credentials with bcrypt. The cost is
// injectable so tests can run at bcrypt.MinCost instead of paying ~250ms per
// hash.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher with the given bcrypt cost. Costs below
// bcrypt.MinCost fall back to DefaultBcryptCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost {
		cost = DefaultBcryptCost
	}
	return &Hasher{cost: cost}
}

// Hash returns the bcrypt hash of plaintext. The output embeds its own salt
// and cost, so it is stored as-is.
func (h *Hasher) Hash(plaintext string) (string, error) {
	if len(plaintext) > maxPasswordBytes {
		return "", NewAuthError(ErrCodeLongPassword,
			fmt.Sprintf("password must be %d bytes or fewer", maxPasswordBytes), "password")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether plaintext matches the stored hash. A mismatch is
// never an error, just false; bcrypt's comparison is constant time.
func (h *Hasher) Verify(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
