package runtime

import (
	"context"
	"fmt"

	"github.com/near-outlayer/outlayer-go/pkg/keystore"
)

// SecretsResolver retrieves and decrypts a request's encrypted-secrets
// reference, guarded by the keystore's access policy (spec.md §4.10
// "Secrets injection"). Kept as an interface so tests can substitute a
// fake without a live keystore.
type SecretsResolver interface {
	Decrypt(ctx context.Context, ref keystore.Reference) (map[string]string, error)
}

// ResolveEnv merges baseEnv with secrets retrieved for ref, if ref is
// non-nil. A keystore.ErrAccessDenied is surfaced so the caller can record
// the access_denied error classification without attempting execution.
func ResolveEnv(ctx context.Context, resolver SecretsResolver, baseEnv map[string]string, ref *keystore.Reference) (map[string]string, error) {
	if ref == nil {
		return baseEnv, nil
	}

	secrets, err := resolver.Decrypt(ctx, *ref)
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to resolve secrets: %w", err)
	}

	merged := make(map[string]string, len(baseEnv)+len(secrets))
	for k, v := range baseEnv {
		merged[k] = v
	}
	for k, v := range secrets {
		merged[k] = v
	}
	return merged, nil
}
