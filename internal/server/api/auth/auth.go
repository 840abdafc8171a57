// Package auth implements the password handshake and the encrypted framing
// used by API clients that are not on loopback.
package auth

import (
	"crypto/hmac"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"errors"
)

const (
	passwordLength = 16
	passwordChars  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	kdfIterations = 100000
	kdfSalt       = "usbtest/api-key/1"
	proofContext  = "usbtest/proof/1"
	sessionLabel  = "usbtest/session/1"
)

// ErrEmptyPassword is returned by NewKey for an empty password.
var ErrEmptyPassword = errors.New("auth: empty password")

// GeneratePassword returns a random base62 password for a fresh key file.
func GeneratePassword() (string, error) {
	raw := make([]byte, passwordLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	for i, b := range raw {
		raw[i] = passwordChars[int(b)%len(passwordChars)]
	}
	return string(raw), nil
}

// Key is a password stretched with PBKDF2-SHA256. It never leaves the
// process; peers prove they hold it with an HMAC over a nonce.
type Key []byte

// NewKey stretches password into a Key.
func NewKey(password string) (Key, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	k, err := pbkdf2.Key(sha256.New, password, []byte(kdfSalt), kdfIterations, 32)
	if err != nil {
		return nil, err
	}
	return Key(k), nil
}

func (k Key) proof(clientNonce []byte) []byte {
	mac := hmac.New(sha256.New, k)
	_, _ = mac.Write([]byte(proofContext))
	_, _ = mac.Write(clientNonce)
	return mac.Sum(nil)
}

// session derives the per-connection AEAD key. Both nonces feed it, so a
// replayed client hello still ends up with a key the replayer lacks.
func (k Key) session(clientNonce, serverNonce []byte) []byte {
	mac := hmac.New(sha256.New, k)
	_, _ = mac.Write([]byte(sessionLabel))
	_, _ = mac.Write(clientNonce)
	_, _ = mac.Write(serverNonce)
	return mac.Sum(nil)
}
