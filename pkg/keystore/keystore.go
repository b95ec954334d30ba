// Package keystore is a client for the external keystore service
// (spec.md §1): an opaque decrypt oracle gated by an access policy. The
// worker asks it to decrypt a request's encrypted-secrets reference and
// receives back a JSON object of plaintext key/value pairs to inject as
// environment variables into the WASM module.
package keystore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrAccessDenied is returned when the keystore's access policy refuses the
// request, surfaced by the execution runtime as the access_denied error
// classification.
var ErrAccessDenied = errors.New("keystore access denied")

// Client is a minimal HTTP client over the keystore's decrypt endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client against baseURL with a bounded request timeout.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Reference identifies a profile of secrets owned by an account, matching
// the request's `(owner_account, profile_id)` encrypted-secrets reference.
type Reference struct {
	OwnerAccount string
	ProfileID    string
}

type decryptRequest struct {
	OwnerAccount string `json:"owner_account"`
	ProfileID    string `json:"profile_id"`
}

// Decrypt requests plaintext secrets for ref and parses the response as a
// flat JSON object of string key/value pairs, the exact shape the execution
// runtime injects as environment variables.
func (c *Client) Decrypt(ctx context.Context, ref Reference) (map[string]string, error) {
	body, err := json.Marshal(decryptRequest{OwnerAccount: ref.OwnerAccount, ProfileID: ref.ProfileID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode keystore request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/secrets/decrypt", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build keystore request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keystore request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, ErrAccessDenied
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("keystore returned status %d: %s", resp.StatusCode, string(raw))
	}

	var secrets map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&secrets); err != nil {
		return nil, fmt.Errorf("failed to decode keystore response: %w", err)
	}
	return secrets, nil
}
