package secrets

import (
	"sync"

	"filippo.io/age"
)

// Keyring lazily loads the identity at path the first time an encrypted
// value needs opening. Plain values never touch the key file.
type Keyring struct {
	path string

	once     sync.Once
	identity *age.X25519Identity
	err      error
}

// NewKeyring returns a keyring backed by the key file at path.
func NewKeyring(path string) *Keyring {
	return &Keyring{path: path}
}

// Open returns value unchanged unless it is an ENC[age:...] blob, which is
// decrypted.
func (k *Keyring) Open(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	k.once.Do(func() {
		k.identity, k.err = LoadIdentity(k.path)
	})
	if k.err != nil {
		return "", k.err
	}
	return Decrypt(value, k.identity)
}
