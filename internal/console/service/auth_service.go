package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/botfleet/internal/domain"
)

type OperatorProvider interface {
	GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error)
	UpsertOperator(ctx context.Context, op *domain.Operator) error
}

type TokenIssuer interface {
	IssueToken(op *domain.Operator, now time.Time) (*domain.TokenResponse, error)
}

type AuthService struct {
	repo       OperatorProvider
	issuer     TokenIssuer
	bcryptCost int
}

func NewAuthService(repo OperatorProvider, issuer TokenIssuer, bcryptCost int) *AuthService {
	if bcryptCost <= 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &AuthService{repo: repo, issuer: issuer, bcryptCost: bcryptCost}
}

// GenerateToken не уточняет, что именно неверно: логин или пароль.
func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	op, err := s.repo.GetOperatorByUsername(ctx, username)
	if err != nil || op == nil {
		return nil, domain.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	return s.issuer.IssueToken(op, time.Now())
}

// SaveOperator создаёт оператора или меняет ему пароль.
func (s *AuthService) SaveOperator(ctx context.Context, username, password, role string) (*domain.Operator, error) {
	if username == "" || len(password) < 8 {
		return nil, fmt.Errorf("%w: username and a password of at least 8 characters are required", domain.ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	op := &domain.Operator{ID: uuid.NewString(), Username: username, PasswordHash: string(hash), Role: role}
	if err := s.repo.UpsertOperator(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}
