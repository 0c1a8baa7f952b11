package network

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
)

// AuthorizedKeys is the store that receives peer public keys.
type AuthorizedKeys interface {
	Add(key string) error
	Remove(key string) (bool, error)
	List() ([]string, error)
}

// CurrentSSHUser returns the local OS user name from USER or USERNAME, or
// "unknown".
func CurrentSSHUser() string {
	for _, name := range []string{"USER", "USERNAME"} {
		if user := os.Getenv(name); user != "" {
			return user
		}
	}
	return "unknown"
}

// GenerateVerificationCode returns a random four digit code.
func GenerateVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// generatePriority returns a random non-zero session priority.
func generatePriority() (uint64, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 64)
	for {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return 0, fmt.Errorf("generate sync priority: %w", err)
		}
		if p := n.Uint64(); p != 0 {
			return p, nil
		}
	}
}
