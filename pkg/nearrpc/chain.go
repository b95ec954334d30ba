package nearrpc

import (
	"context"
	"fmt"
)

// BlockByHeight fetches a block header and its chunk hashes at an exact
// height. A pruned or skipped height returns an error the caller treats as
// skippable.
func (c *Client) BlockByHeight(ctx context.Context, height uint64) (*BlockInfo, error) {
	var result blockResult
	err := c.rpc.CallContext(ctx, &result, "block", map[string]uint64{"block_id": height})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %d: %w", height, err)
	}
	info := &BlockInfo{Height: result.Header.Height, Hash: result.Header.Hash}
	for _, ch := range result.Chunks {
		info.ChunkHashes = append(info.ChunkHashes, ch.ChunkHash)
	}
	return info, nil
}

// BlockInfo is the subset of a block the event ingestor needs: identity plus
// the chunk hashes whose receipts carry contract logs.
type BlockInfo struct {
	Height      uint64
	Hash        string
	ChunkHashes []string
}

// LatestBlockHash returns the hash of the most recent finalized block, used
// as the recency anchor when signing transactions.
func (c *Client) LatestBlockHash(ctx context.Context) (string, error) {
	var result blockResult
	err := c.rpc.CallContext(ctx, &result, "block", map[string]string{"finality": "final"})
	if err != nil {
		return "", fmt.Errorf("failed to fetch latest block: %w", err)
	}
	return result.Header.Hash, nil
}

// BlockLogs collects every receipt log emitted in the block at height, in
// chunk order. The ingestor scans these for EVENT_JSON envelopes.
func (c *Client) BlockLogs(ctx context.Context, height uint64) ([]string, error) {
	block, err := c.BlockByHeight(ctx, height)
	if err != nil {
		return nil, err
	}

	var logs []string
	for _, chunkHash := range block.ChunkHashes {
		receipts, err := c.ChunkReceipts(ctx, int64(height), chunkHash)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch receipts for chunk %s: %w", chunkHash, err)
		}
		for _, r := range receipts {
			logs = append(logs, r.Logs...)
		}
	}
	return logs, nil
}

// AccessKeyNonce returns the current nonce of accountID's access key for the
// given public key (the "ed25519:<base58>" form), required to sign the next
// transaction.
func (c *Client) AccessKeyNonce(ctx context.Context, accountID, publicKey string) (uint64, error) {
	var result struct {
		Nonce uint64 `json:"nonce"`
		Error string `json:"error,omitempty"`
	}
	err := c.rpc.CallContext(ctx, &result, "query", map[string]string{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query access key for %s: %w", accountID, err)
	}
	if result.Error != "" {
		return 0, fmt.Errorf("access key query for %s returned error: %s", accountID, result.Error)
	}
	return result.Nonce, nil
}
