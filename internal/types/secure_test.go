package types

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretStringRedactsFormatting(t *testing.T) {
	secret := SecretString("pgp-private-key-material")

	assert.Equal(t, "***REDACTED***", secret.String())
	assert.Equal(t, "***REDACTED***", fmt.Sprintf("%s", secret))
	assert.Equal(t, "***REDACTED***", fmt.Sprintf("%v", secret))
	assert.NotContains(t, fmt.Sprintf("%+v", secret), "pgp-private-key-material")
}

func TestSecretStringRedactsJSON(t *testing.T) {
	payload := struct {
		Key SecretString `json:"key"`
	}{Key: "api-key-123"}

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"***REDACTED***"}`, string(data))
}

func TestSecretStringUnmarshalsPlain(t *testing.T) {
	var payload struct {
		Key SecretString `json:"key"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"key":"api-key-123"}`), &payload))
	assert.Equal(t, "api-key-123", payload.Key.Unmask())
}
