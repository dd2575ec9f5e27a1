package types

import "time"

// TokenState describes where a Token sits in its lifecycle at a given instant.
type TokenState int

const (
	// TokenValid means the token can be handed to a caller as-is.
	TokenValid TokenState = iota
	// TokenRefreshable means the token expired but its refresh value can still
	// be exchanged for a new token.
	TokenRefreshable
	// TokenExpired means a brand-new token must be requested with the API key.
	TokenExpired
)

func (s TokenState) String() string {
	switch s {
	case TokenValid:
		return "valid"
	case TokenRefreshable:
		return "refreshable"
	case TokenExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Token is a Kraken JWT along with the refresh material returned alongside it.
// A Token is never mutated; refreshing produces a new Token.
type Token struct {
	Value         string    `json:"value"`
	Expiry        time.Time `json:"expiry"`
	RefreshValue  string    `json:"refreshValue,omitempty"`
	RefreshExpiry time.Time `json:"refreshExpiry,omitempty"`
}

// State returns the lifecycle state of the token at now.
func (t Token) State(now time.Time) TokenState {
	if now.Before(t.Expiry) {
		return TokenValid
	}
	if t.RefreshValue != "" && now.Before(t.RefreshExpiry) {
		return TokenRefreshable
	}
	return TokenExpired
}

// ValidAt returns true if the token can be used at now.
func (t Token) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.Expiry)
}
