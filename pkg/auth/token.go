package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// SessionClaims is the payload of a session token.
type SessionClaims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles,omitempty"`
	Exp   int64    `json:"exp"`
	Nbf   int64    `json:"nbf,omitempty"`
	Iat   int64    `json:"iat,omitempty"`
}

// MintSessionToken issues an HS256 token for the subject.
func MintSessionToken(secret string, claims SessionClaims) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	if strings.TrimSpace(claims.Sub) == "" {
		return "", errors.New("subject required")
	}
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifySessionToken checks signature and time bounds of an HS256
// session token.
func VerifySessionToken(token, secret string, now time.Time) (SessionClaims, error) {
	if secret == "" {
		return SessionClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return SessionClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return SessionClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return SessionClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return SessionClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return SessionClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return SessionClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return SessionClaims{}, errors.New("signature mismatch")
	}
	var claims SessionClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return SessionClaims{}, err
	}
	if claims.Sub == "" {
		return SessionClaims{}, errors.New("subject required")
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return SessionClaims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return SessionClaims{}, errors.New("token not active")
	}
	return claims, nil
}

// SignAction produces the HMAC proof for a privileged action such as a
// cache invalidation request.
func SignAction(secret, action, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(action + "\n" + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAction checks an action signature in constant time.
func VerifyAction(secret, action, payload, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := SignAction(secret, action, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
