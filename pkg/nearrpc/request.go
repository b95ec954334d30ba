package nearrpc

import (
	"context"
	"fmt"
)

// SecretsRef is a request's encrypted-secrets reference: a profile of
// secrets owned by an account, decryptable only through the keystore's
// access policy.
type SecretsRef struct {
	OwnerAccount string `json:"owner_account"`
	ProfileID    string `json:"profile_id"`
}

// ResourceLimits bounds one request's execution.
type ResourceLimits struct {
	MaxInstructions uint64 `json:"max_instructions"`
	MaxMemoryMB     int    `json:"max_memory_mb"`
	MaxWallSeconds  int    `json:"max_wall_seconds"`
}

// RequestDetail is the full on-chain execution request, fetched via the
// contract's view method. The code source is either the (repo, commit,
// target) triple or a direct module URL with checksum; exactly one is set.
type RequestDetail struct {
	RequestID        uint64         `json:"request_id"`
	DataID           string         `json:"data_id"`
	RepoURL          string         `json:"repo_url,omitempty"`
	CommitHash       string         `json:"commit_hash,omitempty"`
	BuildTarget      string         `json:"build_target,omitempty"`
	BuildPath        string         `json:"build_path,omitempty"`
	ModuleURL        string         `json:"module_url,omitempty"`
	ModuleChecksum   string         `json:"module_checksum,omitempty"`
	InputBase64      string         `json:"input_base64,omitempty"`
	Limits           ResourceLimits `json:"limits"`
	Secrets          *SecretsRef    `json:"secrets,omitempty"`
	EscrowYocto      string         `json:"escrow_yocto"`
	RequesterAccount string         `json:"requester_account"`
}

// GetRequest fetches the full request detail for requestID from the
// contract's get_request view method.
func (c *Client) GetRequest(ctx context.Context, contractID string, requestID uint64) (*RequestDetail, error) {
	var detail RequestDetail
	err := c.ViewFunction(ctx, contractID, "get_request",
		map[string]uint64{"request_id": requestID}, &detail)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch request %d: %w", requestID, err)
	}
	if detail.DataID == "" {
		return nil, fmt.Errorf("request %d has no data_id", requestID)
	}
	return &detail, nil
}
