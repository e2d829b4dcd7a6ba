// Package secrets fetches per-peer confidential values (PGP private keys,
// API credentials, rotating access tokens) from SSM Parameter Store. Values
// are never cached: peers rotate credentials out-of-band, so every
// invocation re-reads the store.
package secrets

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"peerflow/internal/types"
)

// SSMAPI is the subset of the SSM SDK client used by Fetcher.
// This interface enables testing with a mock client.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Fetcher retrieves secret values by SSM parameter path.
type Fetcher struct {
	client SSMAPI
	logger *slog.Logger
}

// NewFetcher creates a Fetcher over the given client.
func NewFetcher(client SSMAPI, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, logger: logger}
}

// Fetch returns the decrypted value of the named secret. A missing or
// inaccessible parameter surfaces as a configuration error naming the
// secret, never its value.
func (f *Fetcher) Fetch(ctx context.Context, secretID string) (types.SecretString, error) {
	return f.fetch(ctx, secretID, true)
}

// FetchParameter returns the value of a plain (non-SecureString) parameter.
func (f *Fetcher) FetchParameter(ctx context.Context, parameterID string) (string, error) {
	value, err := f.fetch(ctx, parameterID, false)
	return value.Unmask(), err
}

func (f *Fetcher) fetch(ctx context.Context, secretID string, withDecryption bool) (types.SecretString, error) {
	f.logger.InfoContext(ctx, "looking up secret value", "secret_id", secretID)

	output, err := f.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(secretID),
		WithDecryption: aws.Bool(withDecryption),
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeConfigSecretMissing,
			fmt.Sprintf("unable to fetch parameter %s from the secret store", secretID), err)
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return "", types.NewAppError(types.ErrCodeConfigSecretMissing,
			fmt.Sprintf("parameter %s has no value", secretID), nil)
	}

	return types.SecretString(*output.Parameter.Value), nil
}

// PeerSecretID returns the secret-store path holding the credentials for the
// peer under the given integration method (e.g. "pull", "api").
func PeerSecretID(peerID, method string) string {
	return fmt.Sprintf("/aws/reference/secretsmanager/lambda/%s/%s", method, peerID)
}

// PGPPrivateKeySecretID returns the secret-store path holding the PGP
// private key used to decrypt files received from the peer. The secret
// exists for every peer but only encrypting peers populate it.
func PGPPrivateKeySecretID(peerID string) string {
	return fmt.Sprintf("/aws/reference/secretsmanager/lambda/on_upload/pgp/%s", peerID)
}

// ArchAccessTokenSecretID returns the secret-store path holding the rotating
// Arch access token for the peer.
func ArchAccessTokenSecretID(peerID string) string {
	return fmt.Sprintf("/aws/reference/secretsmanager/lambda/rotate/%s/arch/auth", peerID)
}
