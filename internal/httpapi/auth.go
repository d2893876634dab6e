package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

const adminTokenTTL = 8 * time.Hour

type adminClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// issueAdminToken mints a short-lived bearer token for the ops surface after
// username/password + TOTP have already been checked.
func (s *Server) issueAdminToken(username string) (string, error) {
	claims := adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(adminTokenTTL)),
		},
		Username: username,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSigningKey))
}

// checkAdminCredentials verifies a bcrypt password hash and a TOTP code
// against the configured admin identity. Either check failing is reported
// the same way to the caller, so a wrong password and a wrong code are
// indistinguishable from outside.
func (s *Server) checkAdminCredentials(username, password, totpCode string) bool {
	if username != s.adminUsername {
		return false
	}
	if bcrypt.CompareHashAndPassword([]byte(s.adminPasswordHash), []byte(password)) != nil {
		return false
	}
	if s.adminTOTPSecret == "" {
		return true // TOTP not configured for this deployment
	}
	return totp.Validate(totpCode, s.adminTOTPSecret)
}

// handleAdminLogin exchanges a username/password/TOTP triple for a bearer
// token good for adminTokenTTL.
func (s *Server) handleAdminLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		TOTPCode string `json:"totp_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if !s.checkAdminCredentials(req.Username, req.Password, req.TOTPCode) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.issueAdminToken(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in_seconds": int(adminTokenTTL.Seconds())})
}

// requireAdminAuth is gin middleware gating every /admin route except
// /admin/login behind a valid bearer token minted by handleAdminLogin.
func (s *Server) requireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == "" || raw == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims := &adminClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.jwtSigningKey), nil
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set("admin_username", claims.Username)
		c.Next()
	}
}
