// Package client drives wallet authentication against a walletgate server:
// allow-list checks, signature login, token refresh and logout.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/layer-3/walletgate/core"
)

// APIError is a non-2xx response from the server
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("walletgate: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("walletgate: %d: %s", e.Status, e.Message)
}

// Kind classifies the error for state handling
func (e *APIError) Kind() core.ErrorKind {
	switch e.Code {
	case core.CodeTokenExpired:
		return core.KindExpired
	case core.CodeInvalidTokenFormat, core.CodeInvalidRequest:
		return core.KindFormat
	case core.CodeAddressNotAllowed, core.CodeWalletNotAuthorized:
		return core.KindNotAllowed
	case core.CodeAdminRequired:
		return core.KindForbidden
	case core.CodeRateLimitExceeded:
		return core.KindRateLimited
	}
	if e.Status >= http.StatusInternalServerError {
		return core.KindInternal
	}
	return core.KindInvalid
}

// AsAPIError unwraps err into an APIError if it is one
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func hasCode(err error, codes ...string) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}

// isTimeout reports whether err is a deadline or network timeout
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ChallengeResponse is returned by POST /wallet/challenge
type ChallengeResponse struct {
	Message   string    `json:"message"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LoginResponse is returned by POST /wallet
type LoginResponse struct {
	Token     string     `json:"token"`
	User      *core.User `json:"user"`
	Allowed   bool       `json:"allowed"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// RefreshResponse is returned by POST /wallet/refresh
type RefreshResponse struct {
	Token     string     `json:"token"`
	Success   bool       `json:"success"`
	User      *core.User `json:"user"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// VerifyResponse is returned by GET /wallet/verify
type VerifyResponse struct {
	Valid   bool   `json:"valid"`
	Address string `json:"address"`
	UserID  string `json:"userId"`
	Allowed bool   `json:"allowed"`
	IsAdmin bool   `json:"isAdmin"`
}

// ModeResponse is returned by GET /auth/check-mode
type ModeResponse struct {
	IsPublicMode bool `json:"isPublicMode"`
	AddressCount int  `json:"addressCount"`
}

// API is a thin JSON client for the walletgate REST surface
type API struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPI creates a client for the server at baseURL. A nil httpClient uses
// a pooled cleanhttp client.
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	return &API{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Do sends in as JSON and decodes the response into out. Either may be nil.
func (a *API) Do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var errBody struct {
			Error     string `json:"error"`
			ErrorCode string `json:"errorCode"`
		}
		_ = json.Unmarshal(data, &errBody)
		if errBody.Error == "" {
			errBody.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: errBody.ErrorCode, Message: errBody.Error}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CheckMode asks whether the server runs without an allow-list
func (a *API) CheckMode(ctx context.Context) (*ModeResponse, error) {
	var resp ModeResponse
	if err := a.Do(ctx, http.MethodGet, "/auth/check-mode", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateAddress asks whether address may log in
func (a *API) ValidateAddress(ctx context.Context, address string) (bool, error) {
	var resp struct {
		IsAllowed bool `json:"isAllowed"`
	}
	if err := a.Do(ctx, http.MethodPost, "/auth/validate-address", "", map[string]string{"address": address}, &resp); err != nil {
		return false, err
	}
	return resp.IsAllowed, nil
}

// Challenge requests a sign-in message for address
func (a *API) Challenge(ctx context.Context, address string) (*ChallengeResponse, error) {
	var resp ChallengeResponse
	if err := a.Do(ctx, http.MethodPost, "/wallet/challenge", "", map[string]string{"address": address}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login exchanges a signature over message for a token
func (a *API) Login(ctx context.Context, address, signature, message string) (*LoginResponse, error) {
	var resp LoginResponse
	err := a.Do(ctx, http.MethodPost, "/wallet", "", map[string]string{
		"address":   address,
		"signature": signature,
		"message":   message,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh exchanges token, which may be expired, for a new one
func (a *API) Refresh(ctx context.Context, token, address string) (*RefreshResponse, error) {
	var in any
	if address != "" {
		in = map[string]string{"address": address}
	}
	var resp RefreshResponse
	if err := a.Do(ctx, http.MethodPost, "/wallet/refresh", token, in, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Token == "" {
		return nil, &APIError{Status: http.StatusUnauthorized, Code: core.CodeTokenInvalid, Message: "refresh failed"}
	}
	return &resp, nil
}

// Verify checks token against the server
func (a *API) Verify(ctx context.Context, token string) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := a.Do(ctx, http.MethodGet, "/wallet/verify", token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout deletes the server session of token
func (a *API) Logout(ctx context.Context, token string) error {
	return a.Do(ctx, http.MethodPost, "/wallet/logout", token, nil, nil)
}
