package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"peerflow/internal/secrets"
	"peerflow/internal/types"
)

// decrypt decrypts a .gpg/.pgp object with the peer's configured PGP private
// key and stores the plaintext next to the ciphertext, minus the trailing
// extension. The shortened key re-triggers processing against the plaintext
// file type.
func (p *Processor) decrypt(ctx context.Context, bucket, key string) (types.ObjectRef, error) {
	peerID := PeerIDFromKey(key)
	secretID := secrets.PGPPrivateKeySecretID(peerID)

	privateKey, err := p.secrets.Fetch(ctx, secretID)
	if err != nil {
		return types.ObjectRef{}, err
	}
	if privateKey.Unmask() == "" {
		return types.ObjectRef{}, types.NewAppError(
			types.ErrCodeConfigSecretMissing,
			"you need to configure a PGP private key to process pgp encrypted files",
			nil,
		)
	}

	body, err := p.store.Get(ctx, bucket, key)
	if err != nil {
		return types.ObjectRef{}, err
	}
	defer body.Close()

	ciphertext, err := io.ReadAll(body)
	if err != nil {
		return types.ObjectRef{}, types.NewAppError(
			types.ErrCodeUpstreamStorage,
			fmt.Sprintf("unable to read encrypted object %s/%s", bucket, key),
			err,
		)
	}

	plaintext, err := decryptPGP(ciphertext, privateKey.Unmask())
	if err != nil {
		return types.ObjectRef{}, types.NewAppError(
			types.ErrCodeSecurityDecryptFailure,
			fmt.Sprintf("unable to decrypt file: %s using the configured PGP private key: %s",
				key, RedactedPGPPrivateKey(privateKey.Unmask())),
			err,
		)
	}

	destinationKey := strings.TrimSuffix(key, path.Ext(key))
	return p.store.Put(ctx, bucket, destinationKey, bytes.NewReader(plaintext))
}

// decryptPGP decrypts the ciphertext with the armored private key. Both
// armored and binary ciphertext are accepted, matching what peers actually
// send.
func decryptPGP(ciphertext []byte, armoredPrivateKey string) ([]byte, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}

	var messageReader io.Reader = bytes.NewReader(ciphertext)
	if block, armorErr := armor.Decode(bytes.NewReader(ciphertext)); armorErr == nil {
		messageReader = block.Body
	}

	message, err := openpgp.ReadMessage(messageReader, keyring, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read pgp message: %w", err)
	}

	plaintext, err := io.ReadAll(message.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt pgp message: %w", err)
	}
	return plaintext, nil
}
