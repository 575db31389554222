// Package eth holds the go-ethereum helpers used for wallet addresses and
// personal_sign signatures.
package eth

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress returns the EIP-55 checksummed form of a hex address.
// Malformed input is returned unchanged so callers never fail on it; an
// unchanged malformed string can never match a canonical allow-list entry.
func NormalizeAddress(address string) string {
	trimmed := strings.TrimSpace(address)
	if !common.IsHexAddress(trimmed) {
		return address
	}
	return common.HexToAddress(trimmed).Hex()
}

// IsValidAddress reports whether address is a 20-byte hex address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(strings.TrimSpace(address))
}

// NormalizeAll normalizes a list, dropping blanks and duplicates while
// keeping the first occurrence's position.
func NormalizeAll(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if strings.TrimSpace(a) == "" {
			continue
		}
		n := NormalizeAddress(a)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
