package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-payouts/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUnknownRole        = errors.New("unknown role")
)

// Roles carried in issued tokens
const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
)

// Gin context keys set by the JWT middleware
const (
	ContextClientID = "clientID"
	ContextRole     = "role"
)

// DefaultTokenTTL is used when the service is created with a zero TTL
const DefaultTokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// Client is a registered API client
type Client struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	ClientID  string `mapstructure:"client_id"`
	Role      string `mapstructure:"role"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
	ClientID   string    `json:"client_id"`
	Role       string    `json:"role"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
}

// Service issues and validates tokens for registered clients
type Service struct {
	jwtSecret []byte
	ttl       time.Duration

	mu      sync.RWMutex
	clients map[string]Client // by API key
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		clients:   make(map[string]Client),
	}
}

// RegisterClient registers API credentials for a client id and role
func (s *Service) RegisterClient(client Client) error {
	if client.APIKey == "" || client.APISecret == "" {
		return errors.New("api key and secret are required")
	}
	if client.Role != RoleAdmin && client.Role != RoleSeller {
		return fmt.Errorf("%w: %q", ErrUnknownRole, client.Role)
	}
	if client.ClientID == "" {
		client.ClientID = client.APIKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.APIKey] = client
	return nil
}

// GenerateToken generates a JWT token for valid API credentials
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	client, ok := s.lookup(creds)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   client.ClientID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID: client.ClientID,
		Role:     client.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
		ClientID:   client.ClientID,
		Role:       client.Role,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleAdmin && claims.Role != RoleSeller {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrUnknownRole)
	}
	return claims, nil
}

func (s *Service) lookup(creds Credentials) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, exists := s.clients[creds.APIKey]
	if !exists {
		return Client{}, false
	}
	if subtle.ConstantTimeCompare([]byte(client.APISecret), []byte(creds.APISecret)) != 1 {
		return Client{}, false
	}
	return client, true
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// ClientID returns the authenticated client id set by the JWT middleware
func ClientID(c *gin.Context) string {
	return c.GetString(ContextClientID)
}

// Role returns the authenticated role set by the JWT middleware
func Role(c *gin.Context) string {
	return c.GetString(ContextRole)
}

// IsAdmin reports whether the request was authenticated as an admin
func IsAdmin(c *gin.Context) bool {
	return Role(c) == RoleAdmin
}
