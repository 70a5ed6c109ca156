package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"gigflow/address"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrRoleNotAllowed signals a self-registration asked for a privileged role.
	ErrRoleNotAllowed = errors.New("auth: role cannot be self-registered")
)

const tokenTTL = 24 * time.Hour

// Provisioner prepares the on-network side of a new account, such as funding
// its wallet.
type Provisioner func(ctx context.Context, user User) error

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
	newID     func() string
	provision Provisioner
}

// Option customises a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

func WithProvisioner(p Provisioner) Option {
	return func(s *Service) { s.provision = p }
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WalletFor is the wallet address bound to a user id.
func WalletFor(userID string) address.Address {
	return address.External("party/" + userID)
}

// Register creates a new party account with its own wallet.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleParty
	}
	if role != RoleParty {
		if !isValidRole(role) {
			return nil, fmt.Errorf("auth: invalid role %q", role)
		}
		return nil, ErrRoleNotAllowed
	}
	id := s.newID()
	return s.create(ctx, req, role, WalletFor(id), id)
}

// Bootstrap creates the operator account bound to the root wallet. It is a
// no-op when the email is already registered.
func (s *Service) Bootstrap(ctx context.Context, req RegisterRequest, root address.Address) (*User, error) {
	if existing, err := s.repo.GetUserByEmail(ctx, req.Email); err == nil {
		return &existing, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	return s.create(ctx, req, RoleOperator, root, s.newID())
}

func (s *Service) create(ctx context.Context, req RegisterRequest, role Role, wallet address.Address, id string) (*User, error) {
	// Validate password strength
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	// Validate required fields
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("auth: email and full_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		ID:           id,
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Wallet:       wallet,
		Role:         role,
	})
	if err != nil {
		return nil, err
	}

	if s.provision != nil {
		if err := s.provision(ctx, user); err != nil {
			return nil, fmt.Errorf("auth: provision wallet: %w", err)
		}
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password))
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return Claims{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("auth: invalid token")
	}

	userID, ok := claims["user_id"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("auth: invalid user_id in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Claims{}, fmt.Errorf("auth: invalid role %q in token", roleStr)
	}
	walletStr, ok := claims["wallet_address"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("auth: invalid wallet_address in token")
	}
	wallet, err := address.Parse(walletStr)
	if err != nil {
		return Claims{}, fmt.Errorf("auth: wallet_address: %w", err)
	}
	return Claims{UserID: userID, Role: role, Wallet: wallet}, nil
}

func (s *Service) generateToken(user User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id":        user.ID,
		"role":           user.Role,
		"wallet_address": user.Wallet.String(),
		"exp":            now.Add(tokenTTL).Unix(),
		"iat":            now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleParty, RoleOperator:
		return true
	default:
		return false
	}
}
