// Package credentials resolves the Overleaf account used for automated
// login, optionally decrypting values produced by the dashboard.
package credentials

import (
	"errors"

	"go.uber.org/zap"
)

// ErrMissingCredentials is returned when neither the payload nor the
// environment supplies a complete email/password pair.
var ErrMissingCredentials = errors.New("credentials: email and password are required")

// Credentials is an Overleaf account. It is never persisted.
type Credentials struct {
	Email    string
	Password string
}

// Present reports whether both fields are set.
func (c Credentials) Present() bool {
	return c.Email != "" && c.Password != ""
}

// Resolver fills missing payload fields from the service account and
// decrypts encrypted payloads.
type Resolver struct {
	fallback Credentials
	cipher   *Cipher
	logger   *zap.Logger
}

// NewResolver builds a resolver. fallback is the service account taken from
// the environment. An empty key disables decryption; a key of the wrong length
// is logged once and treated the same way, so every encrypted value resolves
// to empty.
func NewResolver(fallback Credentials, key string, logger *zap.Logger) *Resolver {
	r := &Resolver{fallback: fallback, logger: logger.Named("credentials")}
	if key == "" {
		return r
	}
	c, err := NewCipher(key)
	if err != nil {
		r.logger.Warn("Encryption key unusable, encrypted credentials will be ignored.", zap.Error(err))
		return r
	}
	r.cipher = c
	return r
}

// Resolve picks each field from the payload, else from the fallback account.
// When encrypted is set the payload values are decrypted first; a value that
// fails to decrypt counts as absent. Fallback values are used as-is.
func (r *Resolver) Resolve(payload Credentials, encrypted bool) Credentials {
	if encrypted {
		payload = Credentials{
			Email:    r.decrypt("email", payload.Email),
			Password: r.decrypt("password", payload.Password),
		}
	}

	out := payload
	if out.Email == "" {
		out.Email = r.fallback.Email
		if out.Email != "" {
			r.logger.Debug("Using email from environment.")
		}
	}
	if out.Password == "" {
		out.Password = r.fallback.Password
		if out.Password != "" {
			r.logger.Debug("Using password from environment.")
		}
	}
	return out
}

func (r *Resolver) decrypt(field, value string) string {
	if value == "" {
		return ""
	}
	if r.cipher == nil {
		r.logger.Warn("Decryption failed.", zap.String("field", field), zap.Error(ErrNoKey))
		return ""
	}
	plain, err := r.cipher.Decrypt(value)
	if err != nil {
		r.logger.Warn("Decryption failed.", zap.String("field", field), zap.Error(err))
		return ""
	}
	return plain
}
