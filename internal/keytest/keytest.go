// Package keytest generates throwaway service account key material for
// tests.
package keytest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"sync"
	"testing"
)

var (
	keyOnce   sync.Once
	sharedKey *rsa.PrivateKey
)

// RSAKey returns a process-wide 2048-bit RSA key. Generating one per
// test is needlessly slow and no test mutates it.
func RSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		sharedKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return sharedKey
}

// FreshRSAKey generates a new 2048-bit RSA key, for tests that need a
// second, distinct identity.
func FreshRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

// PEMPKCS8 encodes the key in the PKCS#8 form the GCP console emits.
func PEMPKCS8(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal PKCS#8 key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// PEMPKCS1 encodes the key in legacy PKCS#1 form.
func PEMPKCS1(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der := x509.MarshalPKCS1PrivateKey(key)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}

// PEMECDSA encodes a fresh P-256 key in PKCS#8 form, for
// unsupported-algorithm cases.
func PEMECDSA(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ECDSA key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal ECDSA key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// KeyFields is the mutable shape handed to KeyJSON. Zero-valued fields
// get defaults.
type KeyFields struct {
	Type         string
	ProjectID    string
	PrivateKeyID string
	PrivateKey   string
	ClientEmail  string
	TokenURI     string
}

// KeyJSON builds a service account key document around the given
// private key PEM.
func KeyJSON(t *testing.T, fields KeyFields) []byte {
	t.Helper()
	if fields.Type == "" {
		fields.Type = "service_account"
	}
	if fields.ProjectID == "" {
		fields.ProjectID = "demo-project"
	}
	if fields.PrivateKeyID == "" {
		fields.PrivateKeyID = "key-1"
	}
	if fields.ClientEmail == "" {
		fields.ClientEmail = "robot@demo-project.iam.gserviceaccount.com"
	}
	if fields.TokenURI == "" {
		fields.TokenURI = "https://oauth2.googleapis.com/token"
	}
	data, err := json.Marshal(map[string]string{
		"type":           fields.Type,
		"project_id":     fields.ProjectID,
		"private_key_id": fields.PrivateKeyID,
		"private_key":    fields.PrivateKey,
		"client_email":   fields.ClientEmail,
		"token_uri":      fields.TokenURI,
	})
	if err != nil {
		t.Fatalf("marshal key JSON: %v", err)
	}
	return data
}
