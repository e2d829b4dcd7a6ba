package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerflow/internal/types"
)

type mockSSM struct {
	input *ssm.GetParameterInput
	value *string
	err   error
}

func (m *mockSSM) GetParameter(_ context.Context, params *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{Value: m.value},
	}, nil
}

func TestFetchDecrypts(t *testing.T) {
	mock := &mockSSM{value: aws.String("hunter2")}
	fetcher := NewFetcher(mock, nil)

	value, err := fetcher.Fetch(context.Background(), "/aws/reference/secretsmanager/lambda/api/wise1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value.Unmask())
	assert.Equal(t, "/aws/reference/secretsmanager/lambda/api/wise1", *mock.input.Name)
	assert.True(t, *mock.input.WithDecryption)
}

func TestFetchParameterSkipsDecryption(t *testing.T) {
	mock := &mockSSM{value: aws.String("plain")}
	fetcher := NewFetcher(mock, nil)

	value, err := fetcher.FetchParameter(context.Background(), "/peerflow/some/parameter")
	require.NoError(t, err)
	assert.Equal(t, "plain", value)
	assert.False(t, *mock.input.WithDecryption)
}

func TestFetchErrorsNameTheParameterNotTheValue(t *testing.T) {
	mock := &mockSSM{err: errors.New("access denied")}
	fetcher := NewFetcher(mock, nil)

	_, err := fetcher.Fetch(context.Background(), "/lambda/api/wise1")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConfigSecretMissing, appErr.Code)
	assert.Contains(t, appErr.Message, "/lambda/api/wise1")
}

func TestFetchMissingValue(t *testing.T) {
	fetcher := NewFetcher(&mockSSM{}, nil)

	_, err := fetcher.Fetch(context.Background(), "/lambda/api/wise1")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConfigSecretMissing, appErr.Code)
}

func TestSecretIDAssembly(t *testing.T) {
	assert.Equal(t, "/aws/reference/secretsmanager/lambda/api/wise1", PeerSecretID("wise1", "api"))
	assert.Equal(t, "/aws/reference/secretsmanager/lambda/pull/bank1", PeerSecretID("bank1", "pull"))
	assert.Equal(t, "/aws/reference/secretsmanager/lambda/on_upload/pgp/bank1", PGPPrivateKeySecretID("bank1"))
	assert.Equal(t, "/aws/reference/secretsmanager/lambda/rotate/arch1/arch/auth", ArchAccessTokenSecretID("arch1"))
}

func TestParseAPICredentials(t *testing.T) {
	creds, err := ParseAPICredentials(types.SecretString(`{"api_key":"key-123"}`))
	require.NoError(t, err)
	assert.Equal(t, "key-123", creds.APIKey.Unmask())
}

func TestParseAPICredentialsMalformed(t *testing.T) {
	_, err := ParseAPICredentials(types.SecretString("not json"))

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConfigSecretMissing, appErr.Code)
}

func TestParseRotatingToken(t *testing.T) {
	token, err := ParseRotatingToken(types.SecretString(`{"accessToken":"tok-1","refreshToken":"tok-2"}`))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token.AccessToken.Unmask())
	assert.Equal(t, "tok-2", token.RefreshToken.Unmask())
}
