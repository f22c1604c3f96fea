package credentials

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// ErrWrongCredentialsType is returned when the credential file parses but
// its type field is not "service_account".
var ErrWrongCredentialsType = errors.New("credentials: type must be \"service_account\"")

const expectedType = "service_account"

// ServiceAccount is the decoded service-account key material. It is loaded
// once at setup and immutable afterwards; the token manager is its only
// consumer.
type ServiceAccount struct {
	Type                    string `json:"type"`
	ProjectID               string `json:"project_id"`
	PrivateKeyID            string `json:"private_key_id"`
	PrivateKeyPEM           string `json:"private_key"`
	ClientEmail             string `json:"client_email"`
	ClientID                string `json:"client_id"`
	AuthURI                 string `json:"auth_uri"`
	TokenURI                string `json:"token_uri"`
	AuthProviderX509CertURL string `json:"auth_provider_x509_cert_url"`
	ClientX509CertURL       string `json:"client_x509_cert_url"`

	// PrivateKey is the parsed RSA key used to sign token assertions.
	PrivateKey *rsa.PrivateKey `json:"-"`
}

// Load reads and validates a service-account credential file. Any failure
// here is fatal to setup; there is no retry.
func Load(path string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Str("file", path).Msg("Failed to read credentials file")
		return nil, fmt.Errorf("credentials: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes service-account JSON and parses its private key. The key
// is PEM-wrapped PKCS#8 (or PKCS#1) DER; jwt's parser handles both, so no
// fixed-offset ASN.1 slicing is needed.
func Parse(data []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("credentials: malformed credential file: %w", err)
	}
	if sa.Type != expectedType {
		log.Error().Str("type", sa.Type).Msg("Credential file has wrong type")
		return nil, ErrWrongCredentialsType
	}
	if sa.ClientEmail == "" || sa.TokenURI == "" {
		return nil, errors.New("credentials: client_email and token_uri are required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("credentials: parse private key: %w", err)
	}
	sa.PrivateKey = key
	log.Info().Str("client_email", sa.ClientEmail).Str("project_id", sa.ProjectID).Msg("Loaded service account credentials")
	return &sa, nil
}
