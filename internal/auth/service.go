package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/ridebooking/internal/booking/domain"
)

// PasswordCost is the bcrypt cost used for new accounts.
const PasswordCost = 12

var (
	ErrEmailTaken         = fmt.Errorf("%w: email is already registered", domain.ErrValidation)
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", domain.ErrValidation)
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateEmail     = errors.New("duplicate email")
)

// User is a registered account.
type User struct {
	ID           uuid.UUID
	Name         string
	Email        string
	Role         domain.Role
	PasswordHash []byte
	CreatedAt    time.Time
}

// UserStore persists accounts. Create returns ErrDuplicateEmail and
// GetByEmail returns ErrUserNotFound.
type UserStore interface {
	Create(ctx context.Context, user User) error
	GetByEmail(ctx context.Context, email string) (User, error)
}

// RegisterRequest is a validated sign-up payload.
type RegisterRequest struct {
	Name     string
	Email    string
	Password string
	Role     domain.Role
}

// Session is returned after registration or login.
type Session struct {
	Name  string      `json:"name"`
	Email string      `json:"email"`
	Role  domain.Role `json:"role"`
	Token string      `json:"token"`
}

// Service registers and authenticates users.
type Service struct {
	users  UserStore
	issuer *Issuer
	cost   int
	logger *zap.Logger
	now    func() time.Time
}

// NewService constructs the credential service.
func NewService(users UserStore, issuer *Issuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{users: users, issuer: issuer, cost: PasswordCost, logger: logger, now: time.Now}
}

// Register creates an account and returns a session for it.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Session, error) {
	if !req.Role.Valid() {
		return Session{}, fmt.Errorf("%w: role must be customer or driver", domain.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	user := User{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(req.Name),
		Email:        normalizeEmail(req.Email),
		Role:         req.Role,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return Session{}, ErrEmailTaken
		}
		return Session{}, fmt.Errorf("create user: %w", err)
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID.String()), zap.String("role", string(user.Role)))
	return s.session(user)
}

// Login checks the password and returns a fresh session.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("find user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	return s.session(user)
}

func (s *Service) session(user User) (Session, error) {
	token, err := s.issuer.Issue(user)
	if err != nil {
		return Session{}, err
	}
	return Session{Name: user.Name, Email: user.Email, Role: user.Role, Token: token}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
