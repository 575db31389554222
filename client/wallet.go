package client

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/walletgate/internal/eth"
)

var errUnknownAccount = errors.New("account not held by wallet")

// Wallet is the signing provider, typically a browser extension bridge
type Wallet interface {
	Name() string
	// Enable asks the wallet for permission to use its accounts
	Enable(ctx context.Context) error
	Accounts(ctx context.Context) ([]string, error)
	// Sign produces a personal_sign signature of message by address
	Sign(ctx context.Context, address, message string) (string, error)
}

// KeyWallet signs with in-memory private keys
type KeyWallet struct {
	name string
	keys map[string]*ecdsa.PrivateKey
	// accounts keeps insertion order
	accounts []string

	mu     sync.Mutex
	reject error
}

// NewKeyWallet holds keys under name
func NewKeyWallet(name string, keys ...*ecdsa.PrivateKey) *KeyWallet {
	w := &KeyWallet{name: name, keys: make(map[string]*ecdsa.PrivateKey, len(keys))}
	for _, key := range keys {
		address := eth.AddressOf(key)
		w.keys[address] = key
		w.accounts = append(w.accounts, address)
	}
	return w
}

// KeyWalletFromHex builds a single-key wallet from a hex private key
func KeyWalletFromHex(name, hexKey string) (*KeyWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeyWallet(name, key), nil
}

// RejectWith makes subsequent Sign calls fail with err; nil restores signing
func (w *KeyWallet) RejectWith(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reject = err
}

func (w *KeyWallet) Name() string { return w.name }

func (w *KeyWallet) Enable(ctx context.Context) error {
	return ctx.Err()
}

func (w *KeyWallet) Accounts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), w.accounts...), nil
}

func (w *KeyWallet) Sign(ctx context.Context, address, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	w.mu.Lock()
	reject := w.reject
	w.mu.Unlock()
	if reject != nil {
		return "", reject
	}

	key, ok := w.keys[eth.NormalizeAddress(address)]
	if !ok {
		return "", fmt.Errorf("%w: %s", errUnknownAccount, address)
	}
	return eth.SignPersonal(key, message)
}
