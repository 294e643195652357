package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/model"
)

// JWTService turns bearer tokens into actors.
type JWTService interface {
	GenerateAccessToken(actor *model.Actor) (string, error)
	ValidateToken(token string) (*model.Actor, error)
}

// TokenClaims represents JWT claims
type TokenClaims struct {
	jwt.RegisteredClaims
	ClinicID    string   `json:"clinic_id,omitempty"`
	Email       string   `json:"email,omitempty"`
	Permissions []string `json:"permissions"`
}

type jwtService struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewJWTService validates HS256 tokens. Tokens are issued by the identity
// service; GenerateAccessToken exists for tooling and tests.
func NewJWTService(secret, issuer string, ttl time.Duration) JWTService {
	return &jwtService{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

func (s *jwtService) GenerateAccessToken(actor *model.Actor) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID.String(),
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email:       actor.Email,
		Permissions: actor.Permissions,
	}
	if actor.ClinicID != uuid.Nil {
		claims.ClinicID = actor.ClinicID.String()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *jwtService) ValidateToken(tokenString string) (*model.Actor, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	actorID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}
	actor := &model.Actor{
		ID:          actorID,
		Email:       claims.Email,
		Permissions: claims.Permissions,
	}
	if claims.ClinicID != "" {
		clinicID, err := uuid.Parse(claims.ClinicID)
		if err != nil {
			return nil, fmt.Errorf("invalid clinic_id claim: %w", err)
		}
		actor.ClinicID = clinicID
	}
	return actor, nil
}
