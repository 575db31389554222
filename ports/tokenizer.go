package ports

import (
	"time"

	"github.com/layer-3/walletgate/core"
)

// Tokenizer converts between token payloads and signed tokens
type Tokenizer interface {
	// Generate signs a token for the payload valid for ttl
	Generate(payload core.TokenPayload, ttl time.Duration) (string, core.TokenPayload, error)

	// Verify checks the signature and, unless skipExpiry is set, the expiry
	Verify(token string, skipExpiry bool) (*core.TokenPayload, error)
}
