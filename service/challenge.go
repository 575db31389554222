package service

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/layer-3/walletgate/core"
)

const (
	challengeHeader = "walletgate wants you to sign in with your Ethereum account:"
	noncePrefix     = "Nonce: "
	issuedAtPrefix  = "Issued At: "
	expiresAtPrefix = "Expiration Time: "
)

// challengeMessage renders the text a wallet signs for challenge
func challengeMessage(c *core.Challenge) string {
	var b strings.Builder
	b.WriteString(challengeHeader)
	b.WriteString("\n")
	b.WriteString(c.Address)
	b.WriteString("\n\n")
	b.WriteString(noncePrefix + c.Nonce + "\n")
	b.WriteString(issuedAtPrefix + c.IssuedAt.UTC().Format(time.RFC3339) + "\n")
	b.WriteString(expiresAtPrefix + c.ExpiresAt.UTC().Format(time.RFC3339))
	return b.String()
}

// parseChallengeMessage extracts the address and nonce from a signed message
func parseChallengeMessage(message string) (address, nonce string, err error) {
	scanner := bufio.NewScanner(strings.NewReader(message))
	line := 0
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		switch {
		case line == 0 && text != challengeHeader:
			return "", "", fmt.Errorf("%w: unexpected header", core.ErrInvalidChallenge)
		case line == 1:
			address = text
		case strings.HasPrefix(text, noncePrefix):
			nonce = strings.TrimPrefix(text, noncePrefix)
		}
		line++
	}
	if address == "" || nonce == "" {
		return "", "", fmt.Errorf("%w: missing address or nonce", core.ErrInvalidChallenge)
	}
	return address, nonce, nil
}
