// Package nearrpc is a thin JSON-RPC 2.0 client for the NEAR chain the
// contract lives on. It is built directly on go-ethereum's rpc subpackage,
// which is a generic JSON-RPC transport with no Ethereum-specific coupling
// at the Client/CallContext layer; no NEAR-specific Go SDK exists in the
// example corpus, so this repurposes that transport rather than fabricating
// one. It exposes the two shapes the spec's out-of-scope contract needs:
// view calls (read-only) and function calls (state-changing, signed).
package nearrpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/rpc"
)

// Client talks to a NEAR RPC endpoint over JSON-RPC 2.0.
type Client struct {
	rpc    *rpc.Client
	logger *log.Logger
}

// Dial connects to the NEAR RPC endpoint at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial NEAR RPC %q: %w", url, err)
	}
	return &Client{rpc: c, logger: log.New(log.Writer(), "[NearRPC] ", log.LstdFlags)}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

type queryParams struct {
	RequestType string `json:"request_type"`
	Finality    string `json:"finality"`
	AccountID   string `json:"account_id"`
	MethodName  string `json:"method_name,omitempty"`
	ArgsBase64  string `json:"args_base64,omitempty"`
}

type queryResult struct {
	Result      []byte `json:"result"`
	Error       string `json:"error,omitempty"`
	BlockHeight uint64 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
}

// ViewFunction calls a read-only contract method via the NEAR `query` RPC
// method, decoding the contract's JSON return value into out.
func (c *Client) ViewFunction(ctx context.Context, contractID, method string, args interface{}, out interface{}) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode view args: %w", err)
	}

	var result queryResult
	err = c.rpc.CallContext(ctx, &result, "query", queryParams{
		RequestType: "call_function",
		Finality:    "final",
		AccountID:   contractID,
		MethodName:  method,
		ArgsBase64:  base64.StdEncoding.EncodeToString(argsJSON),
	})
	if err != nil {
		return fmt.Errorf("view call %s.%s failed: %w", contractID, method, err)
	}
	if result.Error != "" {
		return fmt.Errorf("view call %s.%s returned error: %s", contractID, method, result.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result.Result, out); err != nil {
		return fmt.Errorf("failed to decode view result from %s.%s: %w", contractID, method, err)
	}
	return nil
}

// SignedCall is a pre-signed state-changing transaction ready for broadcast.
// Encoding the transaction itself (nonce, block hash, actions) is the
// caller's responsibility (pkg/submission, pkg/identity); this client only
// transports the already-signed payload.
type SignedCall struct {
	SignedTxBase64 string
}

// BroadcastResult is the outcome of a broadcast_tx_commit call.
type BroadcastResult struct {
	TransactionHash string          `json:"transaction_hash"`
	Status          json.RawMessage `json:"status"`
}

// BroadcastTransaction submits a signed transaction and waits for it to be
// included (NEAR's broadcast_tx_commit semantics).
func (c *Client) BroadcastTransaction(ctx context.Context, signed SignedCall) (*BroadcastResult, error) {
	var result BroadcastResult
	if err := c.rpc.CallContext(ctx, &result, "broadcast_tx_commit", []string{signed.SignedTxBase64}); err != nil {
		return nil, fmt.Errorf("broadcast_tx_commit failed: %w", err)
	}
	return &result, nil
}

// blockResult is the subset of NEAR's `block` RPC response used by the
// event ingestor's block-scan loop.
type blockResult struct {
	Header struct {
		Height uint64 `json:"height"`
		Hash   string `json:"hash"`
	} `json:"header"`
	Chunks []struct {
		ChunkHash string `json:"chunk_hash"`
	} `json:"chunks"`
}

// LatestBlockHeight returns the height of the most recent finalized block.
func (c *Client) LatestBlockHeight(ctx context.Context) (uint64, error) {
	var result blockResult
	err := c.rpc.CallContext(ctx, &result, "block", map[string]string{"finality": "final"})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch latest block: %w", err)
	}
	return result.Header.Height, nil
}

type chunkParams struct {
	BlockID int64  `json:"block_id"`
	ChunkID string `json:"chunk_id,omitempty"`
}

// Receipt is a minimal projection of a NEAR execution outcome, enough to
// recover the `EVENT_JSON:`-prefixed logs the event ingestor parses.
type Receipt struct {
	Logs []string `json:"logs"`
}

// ChunkReceipts fetches all receipt execution outcomes for a chunk hash at
// the given block height, returning their logs for the ingestor to scan.
func (c *Client) ChunkReceipts(ctx context.Context, blockHeight int64, chunkHash string) ([]Receipt, error) {
	var result struct {
		Receipts []struct {
			Outcome struct {
				Logs []string `json:"logs"`
			} `json:"outcome"`
		} `json:"receipts_outcome"`
	}
	err := c.rpc.CallContext(ctx, &result, "EXPERIMENTAL_changes_in_block", chunkParams{BlockID: blockHeight, ChunkID: chunkHash})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunk receipts: %w", err)
	}
	receipts := make([]Receipt, 0, len(result.Receipts))
	for _, r := range result.Receipts {
		receipts = append(receipts, Receipt{Logs: r.Outcome.Logs})
	}
	return receipts, nil
}
