package api

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

// tokenTTL bounds how long an issued API token stays valid.
const tokenTTL = 24 * time.Hour

func (s *Server) jwtMiddleware() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:  []byte(s.config.JWTSecret),
		TokenLookup: "header:Authorization:Bearer ",
	})
}

// TokenRequest identifies the operator requesting a token.
type TokenRequest struct {
	Operator string `json:"operator"`
}

// TokenResponse carries the signed token.
type TokenResponse struct {
	Token string `json:"token"`
}

// GenerateToken issues a signed JWT for an operator.
func (s *Server) GenerateToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.Operator == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "operator is required"})
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": req.Operator,
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	})
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to generate token"})
	}
	return c.JSON(http.StatusOK, TokenResponse{Token: signed})
}
