package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	nanoid "github.com/matoous/go-nanoid/v2"
)

// Defaults for event tokens.
const (
	DefaultIssuer   = "logsift"
	DefaultTokenTTL = 5 * time.Minute
)

// SignerConfig holds configuration for signing and verifying event tokens.
type SignerConfig struct {
	// Secret is the HMAC signing key (must be at least 32 bytes).
	Secret []byte

	// Issuer defaults to DefaultIssuer.
	Issuer string

	// TTL defaults to DefaultTokenTTL.
	TTL time.Duration
}

func (c SignerConfig) issuer() string {
	if c.Issuer == "" {
		return DefaultIssuer
	}
	return c.Issuer
}

func (c SignerConfig) ttl() time.Duration {
	if c.TTL == 0 {
		return DefaultTokenTTL
	}
	return c.TTL
}

// EventClaims binds a token to one delivery. Subject is the run ID.
type EventClaims struct {
	jwt.RegisteredClaims
	EventType string `json:"evt"`
	BodyHash  string `json:"bh"`
}

// SignEvent returns an HS256 token for a webhook delivery of body.
func SignEvent(cfg SignerConfig, runID, eventType string, body []byte) (string, error) {
	if len(cfg.Secret) < 32 {
		return "", ErrSecretTooShort
	}

	tokenID, err := nanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate token ID: %w", err)
	}

	now := time.Now()
	claims := EventClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.issuer(),
			Subject:   runID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.ttl())),
			ID:        tokenID,
		},
		EventType: eventType,
		BodyHash:  HashBody(body),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
}

// VerifyEvent validates a token against the delivery body it arrived with.
// Receivers use it to authenticate webhook deliveries.
func VerifyEvent(cfg SignerConfig, tokenString string, body []byte) (*EventClaims, error) {
	claims := &EventClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return cfg.Secret, nil
	}, jwt.WithIssuer(cfg.issuer()))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if subtle.ConstantTimeCompare([]byte(claims.BodyHash), []byte(HashBody(body))) != 1 {
		return nil, ErrBodyMismatch
	}
	return claims, nil
}
