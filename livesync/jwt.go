package livesync

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrNoIdentity = errors.New("Token has no user identity.")

// the writer identity carried by a session token.
// the signature is not checked
func IdentityFromJwt(jwt string) (string, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}

	claims := token.Claims.(gojwt.MapClaims)

	if userId, ok := claims["user_id"].(string); ok && userId != "" {
		return userId, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", ErrNoIdentity
}
