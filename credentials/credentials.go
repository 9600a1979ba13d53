// Package credentials loads and holds the key material used to
// authenticate against Google APIs. A loaded credential is immutable
// and may be shared by any number of concurrent session managers.
package credentials

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// keyFile mirrors the JSON document produced by the GCP console when a
// service account key is downloaded.
type keyFile struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// ServiceAccount is a parsed service account key. The private key is
// never exposed; signing goes through the Signer capability.
type ServiceAccount struct {
	ProjectID    string
	ClientEmail  string
	PrivateKeyID string
	TokenURI     string

	privateKey  *rsa.PrivateKey
	fingerprint string
}

// Impersonation describes an end-user identity that a service account
// mints tokens for.
type Impersonation struct {
	Account *ServiceAccount
	UserID  string
	Email   string
}

// ParseKey parses a service account key from its JSON representation.
func ParseKey(data []byte) (*ServiceAccount, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, errors.Wrapf(ErrMalformedKey, "decode key JSON: %v", err)
	}

	var missing []string
	if strings.TrimSpace(kf.ProjectID) == "" {
		missing = append(missing, "project_id")
	}
	if strings.TrimSpace(kf.ClientEmail) == "" {
		missing = append(missing, "client_email")
	}
	if strings.TrimSpace(kf.PrivateKey) == "" {
		missing = append(missing, "private_key")
	}
	if strings.TrimSpace(kf.TokenURI) == "" {
		missing = append(missing, "token_uri")
	}
	if len(missing) > 0 {
		return nil, errors.Wrapf(ErrMalformedKey, "missing fields: %s", strings.Join(missing, ", "))
	}

	privateKey, err := parsePrivateKey(kf.PrivateKey)
	if err != nil {
		return nil, err
	}

	sa := &ServiceAccount{
		ProjectID:    kf.ProjectID,
		ClientEmail:  kf.ClientEmail,
		PrivateKeyID: kf.PrivateKeyID,
		TokenURI:     kf.TokenURI,
		privateKey:   privateKey,
	}
	sa.fingerprint, err = computeFingerprint(sa)
	if err != nil {
		return nil, err
	}
	return sa, nil
}

// LoadKeyFile reads and parses a service account key file. The single
// read is the only filesystem access this package performs.
func LoadKeyFile(path string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedKey, "read key file %s: %v", path, err)
	}
	return ParseKey(data)
}

// parsePrivateKey accepts PKCS#1 and PKCS#8 encoded RSA keys. Other key
// types parse but are rejected as unsupported.
func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.Wrap(ErrMalformedKey, "private_key contains no PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedKey, "private_key is not a valid PKCS#1 or PKCS#8 key: %v", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "key type %T", parsed)
	}
	return rsaKey, nil
}

func computeFingerprint(sa *ServiceAccount) (string, error) {
	pub, err := x509.MarshalPKIXPublicKey(&sa.privateKey.PublicKey)
	if err != nil {
		return "", errors.Wrapf(ErrMalformedKey, "marshal public key: %v", err)
	}
	h := sha256.New()
	h.Write([]byte(sa.ClientEmail))
	h.Write([]byte{0})
	h.Write([]byte(sa.TokenURI))
	h.Write([]byte{0})
	h.Write(pub)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fingerprint identifies the credential for cache snapshot validation.
// It covers the client email, token endpoint and public key, so a
// snapshot written under one key can never satisfy another.
func (sa *ServiceAccount) Fingerprint() string {
	return sa.fingerprint
}

// PublicKey returns the public counterpart of the signing key, for
// signature verification.
func (sa *ServiceAccount) PublicKey() *rsa.PublicKey {
	return &sa.privateKey.PublicKey
}

// Signer is the "sign these claims" capability handed to the assertion
// builder. Holders of a Signer cannot read the key material.
type Signer interface {
	Sign(claims jwt.MapClaims) (string, error)
}

// Signer returns an RS256 signer backed by the account's private key.
func (sa *ServiceAccount) Signer() Signer {
	return &keySigner{sa: sa}
}

type keySigner struct {
	sa *ServiceAccount
}

func (s *keySigner) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.sa.PrivateKeyID != "" {
		token.Header["kid"] = s.sa.PrivateKeyID
	}
	signed, err := token.SignedString(s.sa.privateKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign claims with service account key")
	}
	return signed, nil
}
