package runtime

import (
	"context"
	"testing"

	"github.com/near-outlayer/outlayer-go/pkg/keystore"
)

type fakeResolver struct {
	secrets map[string]string
	err     error
}

func (f *fakeResolver) Decrypt(ctx context.Context, ref keystore.Reference) (map[string]string, error) {
	return f.secrets, f.err
}

func TestResolveEnv_NoReference(t *testing.T) {
	base := map[string]string{"FOO": "bar"}
	got, err := ResolveEnv(context.Background(), &fakeResolver{}, base, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["FOO"] != "bar" {
		t.Fatalf("expected base env preserved, got %v", got)
	}
}

func TestResolveEnv_MergesSecretsOverBase(t *testing.T) {
	base := map[string]string{"FOO": "bar", "SHARED": "base"}
	resolver := &fakeResolver{secrets: map[string]string{"API_KEY": "secret", "SHARED": "fromsecret"}}
	ref := &keystore.Reference{OwnerAccount: "alice.near", ProfileID: "default"}

	got, err := ResolveEnv(context.Background(), resolver, base, ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["FOO"] != "bar" || got["API_KEY"] != "secret" || got["SHARED"] != "fromsecret" {
		t.Fatalf("unexpected merged env: %v", got)
	}
}

func TestResolveEnv_AccessDeniedPropagates(t *testing.T) {
	resolver := &fakeResolver{err: keystore.ErrAccessDenied}
	ref := &keystore.Reference{OwnerAccount: "alice.near", ProfileID: "default"}

	_, err := ResolveEnv(context.Background(), resolver, nil, ref)
	if err == nil {
		t.Fatalf("expected error")
	}
}
