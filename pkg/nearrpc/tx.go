// NEAR transaction construction. No Go SDK for NEAR's transaction wire
// format exists in this codebase's dependency set, so the Borsh encoding of
// a FunctionCall transaction is implemented here directly: little-endian
// fixed-width integers, u32-length-prefixed strings and byte vectors, and
// single-byte enum discriminants. The encoded transaction is hashed with
// sha256 and signed with the worker's ed25519 key.

package nearrpc

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"
)

// DefaultFunctionCallGas is the gas attached to a function-call action,
// 100 Tgas, NEAR's conventional allowance for a non-trivial contract call.
const DefaultFunctionCallGas uint64 = 100_000_000_000_000

// FunctionCall describes one state-changing contract invocation.
type FunctionCall struct {
	SignerID   string
	ReceiverID string
	Method     string
	ArgsJSON   []byte
	Gas        uint64
	DepositYocto *big.Int // nil means zero attached deposit
}

// Signer is the minimal signing surface tx construction needs, satisfied by
// pkg/identity's TEE-resident key.
type Signer interface {
	Sign(message []byte) []byte
	Public() ed25519.PublicKey
}

// BuildFunctionCallTransaction queries the signer's access-key nonce and the
// latest block hash, Borsh-encodes a single-action FunctionCall transaction,
// signs its sha256 digest, and returns the broadcast-ready payload.
func (c *Client) BuildFunctionCallTransaction(ctx context.Context, signer Signer, call FunctionCall) (SignedCall, error) {
	publicKeyStr := "ed25519:" + base58.Encode(signer.Public())
	nonce, err := c.AccessKeyNonce(ctx, call.SignerID, publicKeyStr)
	if err != nil {
		return SignedCall{}, err
	}
	blockHash, err := c.LatestBlockHash(ctx)
	if err != nil {
		return SignedCall{}, err
	}
	blockHashBytes, err := base58.Decode(blockHash)
	if err != nil || len(blockHashBytes) != 32 {
		return SignedCall{}, fmt.Errorf("malformed block hash %q", blockHash)
	}

	tx := borshTx(signer.Public(), nonce+1, blockHashBytes, call)
	digest := sha256.Sum256(tx)
	signature := signer.Sign(digest[:])

	// SignedTransaction = Transaction ++ Signature(enum 0 = ed25519).
	signed := make([]byte, 0, len(tx)+1+len(signature))
	signed = append(signed, tx...)
	signed = append(signed, 0)
	signed = append(signed, signature...)

	return SignedCall{SignedTxBase64: base64.StdEncoding.EncodeToString(signed)}, nil
}

// borshTx serializes the Transaction struct: signer_id, public_key, nonce,
// receiver_id, block_hash, actions.
func borshTx(publicKey ed25519.PublicKey, nonce uint64, blockHash []byte, call FunctionCall) []byte {
	var buf []byte
	buf = borshString(buf, call.SignerID)
	buf = append(buf, 0) // PublicKey enum: 0 = ed25519
	buf = append(buf, publicKey...)
	buf = borshU64(buf, nonce)
	buf = borshString(buf, call.ReceiverID)
	buf = append(buf, blockHash...)

	buf = borshU32(buf, 1) // one action
	buf = append(buf, 2)   // Action enum: 2 = FunctionCall
	buf = borshString(buf, call.Method)
	buf = borshBytes(buf, call.ArgsJSON)
	gas := call.Gas
	if gas == 0 {
		gas = DefaultFunctionCallGas
	}
	buf = borshU64(buf, gas)
	buf = borshU128(buf, call.DepositYocto)
	return buf
}

func borshString(buf []byte, s string) []byte {
	return borshBytes(buf, []byte(s))
}

func borshBytes(buf, b []byte) []byte {
	buf = borshU32(buf, uint32(len(b)))
	return append(buf, b...)
}

func borshU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func borshU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// borshU128 writes a 16-byte little-endian unsigned integer. A nil value
// encodes as zero.
func borshU128(buf []byte, v *big.Int) []byte {
	var tmp [16]byte
	if v != nil {
		raw := v.Bytes() // big-endian
		for i := 0; i < len(raw) && i < 16; i++ {
			tmp[i] = raw[len(raw)-1-i]
		}
	}
	return append(buf, tmp[:]...)
}
