// Package tokens verifies the bearer tokens presented by hierarchy
// providers, admins and shops, and issues the licensing tokens returned to
// members.
package tokens

import (
	"crypto"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnknownKID indicates a token signed with a key id that is not configured.
	ErrUnknownKID = errors.New("key id (kid) cannot be identified")

	// ErrInvalidToken indicates a malformed, expired or badly signed token.
	ErrInvalidToken = errors.New("jwt token validation failed")

	// ErrMissingClaim indicates a token lacking a claim the route requires.
	ErrMissingClaim = errors.New("token does not contain requested claim")
)

var validMethods = []string{"ES256", "ES384", "ES512", "RS256", "RS384", "RS512"}

// KeySet maps a kid to the public key its tokens are verified with.
type KeySet map[string]crypto.PublicKey

// ParsePublicKey decodes a PEM public key. EC keys are tried first, RSA second.
func ParsePublicKey(encoded string) (crypto.PublicKey, error) {
	ecKey, ecErr := jwt.ParseECPublicKeyFromPEM([]byte(encoded))
	if ecErr == nil {
		return ecKey, nil
	}
	rsaKey, rsaErr := jwt.ParseRSAPublicKeyFromPEM([]byte(encoded))
	if rsaErr == nil {
		return rsaKey, nil
	}
	return nil, fmt.Errorf("unsupported public key: %w", errors.Join(ecErr, rsaErr))
}

// NewKeySet parses every configured PEM key.
func NewKeySet(encoded map[string]string) (KeySet, error) {
	keys := make(KeySet, len(encoded))
	for kid, pemKey := range encoded {
		key, err := ParsePublicKey(pemKey)
		if err != nil {
			return nil, fmt.Errorf("verification key %q: %w", kid, err)
		}
		keys[kid] = key
	}
	return keys, nil
}

// Verifier validates signed tokens against a key set.
type Verifier struct {
	keys KeySet
}

// NewVerifier builds a verifier for the key set.
func NewVerifier(keys KeySet) *Verifier {
	return &Verifier{keys: keys}
}

// Verify checks signature, expiry and the presence of the required claims.
func (v *Verifier) Verify(raw string, required ...string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key, ok := v.keys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKID, kid)
		}
		return key, nil
	}, jwt.WithValidMethods(validMethods))
	if err != nil {
		if errors.Is(err, ErrUnknownKID) {
			return nil, ErrUnknownKID
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	for _, name := range required {
		if _, ok := claims[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingClaim, name)
		}
	}
	return claims, nil
}

// Issuer signs licensing tokens with ES256.
type Issuer struct {
	key      *ecdsa.PrivateKey
	kid      string
	issuer   string
	lifetime time.Duration
	now      func() time.Time
}

// NewIssuer builds an issuer. Tokens carry the kid header and expire after lifetime.
func NewIssuer(key *ecdsa.PrivateKey, kid, issuer string, lifetime time.Duration) *Issuer {
	return &Issuer{key: key, kid: kid, issuer: issuer, lifetime: lifetime, now: time.Now}
}

// IssuePermissions returns the token listing the products a member may use.
func (i *Issuer) IssuePermissions(subject, providerURI string, products []string) (string, error) {
	if products == nil {
		products = []string{}
	}
	return i.Sign(jwt.MapClaims{
		"sub":                    subject,
		"accessible_products":    products,
		"hierarchy_provider_uri": providerURI,
	})
}

// Sign adds iss and exp to the claims and signs them.
func (i *Issuer) Sign(claims jwt.MapClaims) (string, error) {
	if claims == nil {
		claims = jwt.MapClaims{}
	}
	claims["iss"] = i.issuer
	claims["exp"] = jwt.NewNumericDate(i.now().Add(i.lifetime))

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = i.kid
	return token.SignedString(i.key)
}
