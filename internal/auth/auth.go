package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/darkpool-api/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// Roles carried in the token. Market authority is not a role: it is whoever
// created the market.
const (
	RoleUser    = "user"
	RoleCluster = "cluster"
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// Client is a registered API client
type Client struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Role      string `yaml:"role"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
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
	clients   map[string]Client
}

// NewService creates a new authentication service with the given JWT secret
// and token lifetime
func NewService(jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		clients:   make(map[string]Client),
	}
}

// RegisterClient adds API credentials. An empty role means RoleUser.
func (s *Service) RegisterClient(c Client) {
	if c.Role == "" {
		c.Role = RoleUser
	}
	s.clients[c.APIKey] = c
}

// GenerateToken exchanges valid API credentials for a JWT. The API key
// becomes the client id every market operation is attributed to.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	client, ok := s.clients[creds.APIKey]
	if !ok || client.APISecret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}
	return s.IssueToken(client.APIKey, client.Role)
}

// IssueToken signs a token for clientID without a credential check
func (s *Service) IssueToken(clientID, role string) (*TokenResponse, error) {
	now := time.Now()
	expiration := now.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID: clientID,
		Role:     role,
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.ClientID != "" {
		return claims, nil
	}
	return nil, ErrInvalidToken
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
