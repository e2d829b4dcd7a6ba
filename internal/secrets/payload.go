package secrets

import (
	"encoding/json"

	"peerflow/internal/types"
)

// APICredentials is the JSON payload stored under the "api" method secret
// of a peer.
type APICredentials struct {
	APIKey types.SecretString `json:"api_key"`
}

// RotatingToken is the JSON payload maintained by the token rotation job
// under the Arch auth secret of a peer.
type RotatingToken struct {
	AccessToken  types.SecretString `json:"accessToken"`
	RefreshToken types.SecretString `json:"refreshToken,omitempty"`
}

// ParseAPICredentials decodes the api-method secret payload.
func ParseAPICredentials(raw types.SecretString) (APICredentials, error) {
	var creds APICredentials
	if err := json.Unmarshal([]byte(raw.Unmask()), &creds); err != nil {
		return APICredentials{}, types.NewAppError(types.ErrCodeConfigSecretMissing,
			"unable to parse api credentials secret payload", err)
	}
	return creds, nil
}

// ParseRotatingToken decodes the rotating token secret payload.
func ParseRotatingToken(raw types.SecretString) (RotatingToken, error) {
	var token RotatingToken
	if err := json.Unmarshal([]byte(raw.Unmask()), &token); err != nil {
		return RotatingToken{}, types.NewAppError(types.ErrCodeConfigSecretMissing,
			"unable to parse rotating token secret payload", err)
	}
	return token, nil
}
