package workerclient

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// verifyChecksum recomputes the content hash of data and rejects a mismatch
// with the declared checksum, so a corrupted download never reaches the
// execution runtime.
func verifyChecksum(data []byte, declared string) error {
	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if actual != declared {
		return fmt.Errorf("artifact checksum mismatch: declared %s, computed %s", declared, actual)
	}
	return nil
}
