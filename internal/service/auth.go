package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"shadowkeep-backend/internal/model"
	"shadowkeep-backend/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

const (
	accessTokenDuration  = 12 * time.Hour
	refreshTokenDuration = 30 * 24 * time.Hour // 30 days
)

type account struct {
	role         model.Role
	passwordHash []byte
}

// AuthService authenticates the two fixed kingdom accounts. There is no
// registration; the account set is closed.
type AuthService struct {
	accounts    map[string]account
	sessionRepo *repository.SessionRepository // nil when running without a database
	jwtSecret   []byte
}

func NewAuthService(sessionRepo *repository.SessionRepository, jwtSecret, goddessPassword, slavePassword string) *AuthService {
	return &AuthService{
		accounts: map[string]account{
			"Goddess": {role: model.RoleGoddess, passwordHash: mustHash(goddessPassword)},
			"Slave":   {role: model.RoleSlave, passwordHash: mustHash(slavePassword)},
		},
		sessionRepo: sessionRepo,
		jwtSecret:   []byte(jwtSecret),
	}
}

func mustHash(password string) []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("hash account password: %v", err)
	}
	return hash
}

func (s *AuthService) Login(ctx context.Context, req *model.LoginRequest) (*model.AuthResponse, error) {
	acct, ok := s.accounts[strings.TrimSpace(req.Username)]
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	tokens, err := s.generateTokenPair(ctx, acct.role)
	if err != nil {
		return nil, err
	}

	return &model.AuthResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Role:         acct.role,
	}, nil
}

func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	if s.sessionRepo == nil {
		return nil, ErrInvalidToken
	}

	tokenHash := hashToken(refreshToken)
	roleStr, err := s.sessionRepo.ValidateRefreshToken(ctx, tokenHash)
	if err != nil {
		return nil, ErrInvalidToken
	}

	role := model.Role(roleStr)
	if !model.ValidRole(role) {
		return nil, ErrInvalidToken
	}

	// Rotate: revoke old token, issue a fresh pair
	_ = s.sessionRepo.RevokeRefreshToken(ctx, tokenHash)

	return s.generateTokenPair(ctx, role)
}

func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if s.sessionRepo == nil {
		return nil
	}
	return s.sessionRepo.RevokeRefreshToken(ctx, hashToken(refreshToken))
}

func (s *AuthService) ValidateAccessToken(tokenString string) (model.Role, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	roleStr, _ := claims["role"].(string)
	role := model.Role(roleStr)
	if !model.ValidRole(role) {
		return "", ErrInvalidToken
	}

	return role, nil
}

func (s *AuthService) generateTokenPair(ctx context.Context, role model.Role) (*model.TokenPair, error) {
	now := time.Now()
	accessClaims := jwt.MapClaims{
		"sub":  string(role),
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(accessTokenDuration).Unix(),
	}
	accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims)
	accessStr, err := accessToken.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	// Refresh token (random bytes)
	refreshBytes := make([]byte, 32)
	if _, err := rand.Read(refreshBytes); err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	refreshStr := hex.EncodeToString(refreshBytes)

	if s.sessionRepo != nil {
		tokenHash := hashToken(refreshStr)
		expiresAt := now.Add(refreshTokenDuration)
		if err := s.sessionRepo.StoreRefreshToken(ctx, string(role), tokenHash, expiresAt); err != nil {
			// Login still works; only refresh is lost until the DB is back.
			log.Printf("[Auth] Failed to store refresh token: %v", err)
		}
	}

	return &model.TokenPair{
		AccessToken:  accessStr,
		RefreshToken: refreshStr,
	}, nil
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
