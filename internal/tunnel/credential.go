package tunnel

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
	"github.com/awnumar/memguard"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// VaultCredentialSource fetches provider auth tokens from a Vault KVv2
// secret engine, grounded directly on internal/vault/vault.go's
// VaultReference.Resolve — same client construction and KVv2 read, but
// generalized from "one fixed secret holding an object-store key pair" to
// "one secret per provider name, holding that provider's token".
// Fetch seals each token into a memguard enclave, opens it again at once
// and returns a copy as the plain string Credential.Token; the token is not
// kept in the enclave afterwards.
type VaultCredentialSource struct {
	client     *vault.Client
	mountPath  string // e.g. "secret"
	secretPath string // e.g. "orchestrator/tunnels"
}

// NewVaultCredentialSource dials Vault at endpoint using token, reading
// provider credentials from mountPath/secretPath thereafter.
func NewVaultCredentialSource(endpoint, token, mountPath, secretPath string) (*VaultCredentialSource, *apperrors.Error) {
	config := vault.DefaultConfig()
	config.Address = endpoint
	client, errGo := vault.NewClient(config)
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("endpoint", endpoint).With("stack", stack.Trace().TrimRuntime())
	}
	if token == "" {
		return nil, apperrors.New(apperrors.KindInternal, "vault token not configured")
	}
	client.SetToken(token)
	return &VaultCredentialSource{client: client, mountPath: mountPath, secretPath: secretPath}, nil
}

// Fetch returns (nil, nil) when the provider has no entry in the secret,
// per the Tunnel Broker's graceful-degradation rule: a provider that
// needs credentials we don't have is skipped, not treated as fatal.
func (v *VaultCredentialSource) Fetch(ctx context.Context, provider string) (*Credential, error) {
	data, errGo := v.client.KVv2(v.mountPath).Get(ctx, v.secretPath)
	if errGo != nil {
		return nil, fmt.Errorf("vault read failed: %w", errGo)
	}
	if data == nil || data.Data == nil {
		return nil, nil
	}
	raw, ok := data.Data[provider]
	if !ok {
		return nil, nil
	}
	token, ok := raw.(string)
	if !ok || token == "" {
		return nil, nil
	}

	enclave := memguard.NewEnclave([]byte(token))
	locked, errGo := enclave.Open()
	if errGo != nil {
		return nil, fmt.Errorf("failed to open credential enclave: %w", errGo)
	}
	defer locked.Destroy()
	return &Credential{Token: string(locked.Bytes())}, nil
}
