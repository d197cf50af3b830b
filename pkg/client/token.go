package client

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// tokenHeader stands in for the "pk"/"sk" prefix so the token parses as a JWT.
var tokenHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// UsernameFromToken reads the account name from a Mapbox access token.
//
// Tokens look like "pk.<payload>.<signature>" where the payload is a JWT
// claims segment whose "u" claim is the username. The signature is not
// checked.
func UsernameFromToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected prefix.payload.signature", ErrInvalidToken)
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithPaddingAllowed())
	if _, _, err := parser.ParseUnverified(tokenHeader+"."+parts[1]+".", claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	user, _ := claims["u"].(string)
	if user == "" {
		return "", fmt.Errorf("%w: no username in token", ErrInvalidToken)
	}
	return user, nil
}
