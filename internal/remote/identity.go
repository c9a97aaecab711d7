// ABOUTME: Identity file inspection before the transport is launched.
// ABOUTME: Reads private keys with x/crypto/ssh and reports their SHA256 fingerprint.

package remote

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Identity describes a private key file handed to the transport with -i.
type Identity struct {
	Path        string
	KeyType     string
	Fingerprint string
	// Encrypted is set for passphrase-protected keys; ssh will use an agent
	// or fail in batch mode if none holds the key.
	Encrypted bool
	// ParseError is set when the key could not be read locally, as with
	// hardware-backed sk-* keys. ssh may still accept such a key, so it is
	// not fatal.
	ParseError error
}

// LoadIdentity reads the key at path and describes it. Only an unreadable
// file is an error. When the private key cannot be parsed (encrypted PEM
// keys, key types x/crypto does not handle) the public half comes from the
// adjacent .pub file; when that is missing too the identity is returned
// without a fingerprint and ParseError set.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return newIdentity(path, signer.PublicKey(), false), nil
	}

	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && missing.PublicKey != nil {
		return newIdentity(path, missing.PublicKey, true), nil
	}
	encrypted := missing != nil

	pub, pubErr := loadPublicKey(path + ".pub")
	if pubErr != nil {
		return &Identity{
			Path:       path,
			Encrypted:  encrypted,
			ParseError: fmt.Errorf("%s: %w", path, err),
		}, nil
	}
	id := newIdentity(path, pub, encrypted)
	if !encrypted {
		id.ParseError = fmt.Errorf("%s: %w", path, err)
	}
	return id, nil
}

func loadPublicKey(path string) (ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pub, nil
}

func newIdentity(path string, pub ssh.PublicKey, encrypted bool) *Identity {
	return &Identity{
		Path:        path,
		KeyType:     pub.Type(),
		Fingerprint: ssh.FingerprintSHA256(pub),
		Encrypted:   encrypted,
	}
}

// String formats the identity like ssh-keygen -l does.
func (id *Identity) String() string {
	var b strings.Builder
	if id.Fingerprint == "" {
		fmt.Fprintf(&b, "%s (unrecognized key)", id.Path)
		return b.String()
	}
	fmt.Fprintf(&b, "%s %s (%s)", id.Fingerprint, id.Path, id.KeyType)
	if id.Encrypted {
		b.WriteString(" [encrypted]")
	}
	return b.String()
}
