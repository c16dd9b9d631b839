package streaming

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthMethod selects how the agent proves its identity to the control plane.
type AuthMethod string

const (
	// AuthKeypair signs a short-lived JWT assertion with an RSA private key.
	AuthKeypair AuthMethod = "keypair_jwt"
	// AuthPAT presents a long-lived programmatic access token as-is.
	AuthPAT AuthMethod = "pat"
)

// CredentialConfig is the subset of agent configuration the credential
// provider needs. All fields are plain values; no I/O beyond reading the
// private key file happens at load time.
type CredentialConfig struct {
	Account        string
	User           string
	Method         AuthMethod
	PrivateKeyPath string
	PublicKeyFP    string
	JWTLifetime    time.Duration
	PAT            string
}

// Credential holds the loaded identity material. It is immutable after
// LoadCredential; rotation means loading a replacement.
type Credential struct {
	Account     string
	User        string
	Method      AuthMethod
	PAT         string
	key         *rsa.PrivateKey
	fingerprint string
	lifetime    time.Duration
}

// Token type labels the control plane expects alongside the bearer token.
const (
	tokenTypeJWT    = "KEYPAIR_JWT"
	tokenTypePAT    = "PROGRAMMATIC_ACCESS_TOKEN"
	tokenTypeScoped = "OAUTH"
)

// LoadCredential validates the configuration and loads key material for
// keypair mode. Every failure here is a config-class error: nothing a retry
// can fix.
func LoadCredential(cfg CredentialConfig) (*Credential, error) {
	const op = "credential.load"

	if cfg.Account == "" {
		return nil, newError(ClassConfig, op, "account identifier is required")
	}
	if cfg.User == "" {
		return nil, newError(ClassConfig, op, "user is required")
	}

	method := cfg.Method
	if method == "" {
		if cfg.PAT != "" {
			method = AuthPAT
		} else {
			method = AuthKeypair
		}
	}

	cred := &Credential{
		Account:  NormalizeAccount(cfg.Account),
		User:     strings.ToUpper(cfg.User),
		Method:   method,
		lifetime: cfg.JWTLifetime,
	}
	if cred.lifetime <= 0 {
		cred.lifetime = time.Hour
	}

	switch method {
	case AuthPAT:
		if cfg.PAT == "" {
			return nil, newError(ClassConfig, op, "pat token is required for auth method pat")
		}
		cred.PAT = cfg.PAT
		return cred, nil
	case AuthKeypair:
		if cfg.PrivateKeyPath == "" {
			return nil, newError(ClassConfig, op, "private key path is required for auth method keypair_jwt")
		}
		key, err := loadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, wrapError(ClassConfig, op, err)
		}
		cred.key = key
		cred.fingerprint = cfg.PublicKeyFP
		if cred.fingerprint == "" {
			fp, err := publicKeyFingerprint(key)
			if err != nil {
				return nil, wrapError(ClassConfig, op, err)
			}
			cred.fingerprint = fp
		}
		return cred, nil
	default:
		return nil, newError(ClassConfig, op, fmt.Sprintf("unsupported auth method %q", method))
	}
}

// SignAssertion produces a short-lived RS256 assertion binding account, user
// and the public key fingerprint, valid from now for the configured lifetime.
func (c *Credential) SignAssertion(now time.Time) (string, error) {
	const op = "credential.sign"
	if c.Method != AuthKeypair || c.key == nil {
		return "", newError(ClassConfig, op, "sign requires keypair credentials")
	}

	claims := jwt.MapClaims{
		"iss": fmt.Sprintf("%s.%s.%s", c.Account, c.User, c.fingerprint),
		"sub": fmt.Sprintf("%s.%s", c.Account, c.User),
		"iat": now.Unix(),
		"exp": now.Add(c.lifetime).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", wrapError(ClassConfig, op, err)
	}
	return signed, nil
}

// Bearer returns the token and token-type header value used to authenticate
// against the control plane.
func (c *Credential) Bearer(now time.Time) (token, tokenType string, err error) {
	if c.Method == AuthPAT {
		return c.PAT, tokenTypePAT, nil
	}
	signed, err := c.SignAssertion(now)
	if err != nil {
		return "", "", err
	}
	return signed, tokenTypeJWT, nil
}

// Fingerprint exposes the SHA256 public key fingerprint in the
// "SHA256:<base64>" form the control plane expects in assertion issuers.
func (c *Credential) Fingerprint() string { return c.fingerprint }

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("private key %s: no PEM block found", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key %s: not an RSA key", path)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return key, nil
}

func publicKeyFingerprint(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:]), nil
}
