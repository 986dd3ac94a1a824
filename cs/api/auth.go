package api

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

/******** JWT / Claims ********/

const adminSubject = "admin"

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Server) authEnabled() bool { return s.App.Cfg.Admin.Password != "" }

func (s *Server) makeToken() (string, error) {
	now := time.Now()
	claims := Claims{
		Role: adminSubject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.App.Cfg.Admin.TokenTTL) * time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) parseToken(tk string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tk, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || c.Role != adminSubject {
		return nil, errors.New("invalid token")
	}
	return c, nil
}

// jwtSecret falls back to a per-process key; tokens then die with the process.
func jwtSecret(configured string) []byte {
	if configured = strings.TrimSpace(configured); configured != "" {
		return []byte(configured)
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("jwt secret: %v", err))
	}
	apiLog.Warnf("admin.jwt_secret not set, tokens will not survive a restart")
	return b
}

/******** Passwords ********/

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// PasswordOK accepts a bcrypt hash or a plain text password from the config.
func PasswordOK(stored, input string) bool {
	if stored == "" || input == "" {
		return false
	}
	if isBcrypt(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(input)) == 1
}

// HashPassword produces the value to put into admin.password.
func HashPassword(plain string) (string, error) {
	if strings.TrimSpace(plain) == "" {
		return "", errors.New("password required")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	return string(b), err
}

/******** Middlewares ********/

// AuthRequired accepts "Authorization: Bearer <token>" or ?token= for websocket clients.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authEnabled() {
			c.Next()
			return
		}
		tk := c.Query("token")
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			tk = strings.TrimSpace(auth[7:])
		}
		if tk == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if _, err := s.parseToken(tk); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

/******** Handlers ********/

// POST /api/login  {password}
func (s *Server) login(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.authEnabled() {
		c.JSON(http.StatusOK, gin.H{"token": "", "auth": false})
		return
	}

	ip := c.ClientIP()
	guard := s.App.Guard
	if ok, retry := guard.Allow(ip); !ok {
		c.Header("Retry-After", fmt.Sprintf("%.0f", retry.Seconds()))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many attempts, try later"})
		return
	}
	if !PasswordOK(s.App.Cfg.Admin.Password, req.Password) {
		guard.Fail(ip)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Login failed, please check the password"})
		return
	}
	guard.Success(ip)

	tk, err := s.makeToken()
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tk, "auth": true, "expires_in": s.App.Cfg.Admin.TokenTTL * 60})
}
