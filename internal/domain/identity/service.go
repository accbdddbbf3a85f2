package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/etriage/etriage/internal/domain/audit"
	"github.com/etriage/etriage/internal/platform/auth"
	"github.com/etriage/etriage/internal/platform/notification"
)

const (
	minPasswordLen = 8
	demoNurseEmail = "demo.nurse@etriage.local"
	resourceUser   = "user"
)

type Service struct {
	users     UserRepository
	tokens    *auth.TokenIssuer
	otps      *OTPStore
	audit     AuditSink
	logger    zerolog.Logger
	demoLogin bool
	cost      int
	mailer    CodeMailer
}

// CodeMailer delivers rendered notification templates.
type CodeMailer interface {
	SendTemplate(ctx context.Context, id, to string, data map[string]string) error
}

type Option func(*Service)

// WithDemoLogin makes Login fall back to a demo nurse session when the
// credentials do not match a user.
func WithDemoLogin(enabled bool) Option {
	return func(s *Service) { s.demoLogin = enabled }
}

// WithMailer sends guest sign-in codes by email instead of logging them.
func WithMailer(m CodeMailer) Option {
	return func(s *Service) { s.mailer = m }
}

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

func NewService(users UserRepository, tokens *auth.TokenIssuer, otps *OTPStore, sink AuditSink, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		users:  users,
		tokens: tokens,
		otps:   otps,
		audit:  sink,
		logger: logger.With().Str("component", "identity").Logger(),
		cost:   bcrypt.DefaultCost,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" {
		return "", fmt.Errorf("invalid email address: %w", ErrInvalidInput)
	}
	return strings.ToLower(addr.Address), nil
}

// registrableRole keeps staff roles and maps everything else to patient.
func registrableRole(role string) string {
	switch role {
	case auth.RoleNurse, auth.RoleDoctor:
		return role
	}
	return auth.RolePatient
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if len(in.Password) < minPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters: %w", minPasswordLen, ErrInvalidInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         registrableRole(in.Role),
	}
	if name := strings.TrimSpace(in.FullName); name != "" {
		u.FullName = &name
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}

	s.record(ctx, u, audit.ActionUserRegister, map[string]any{"role": u.Role})
	return s.session(u)
}

func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.authenticate(ctx, email, password)
	if errors.Is(err, ErrInvalidCredentials) && s.demoLogin {
		u, err = s.demoNurse(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.record(ctx, u, audit.ActionUserLogin, nil)
	return s.session(u)
}

func (s *Service) authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Service) demoNurse(ctx context.Context) (*User, error) {
	name := "Demo Nurse"
	return s.findOrCreate(ctx, demoNurseEmail, auth.RoleNurse, &name)
}

// findOrCreate returns the user for email, creating one with an unusable
// random password when absent.
func (s *Service) findOrCreate(ctx context.Context, email, role string, name *string) (*User, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(secret)), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u = &User{ID: uuid.New(), Email: email, PasswordHash: string(hash), Role: role, FullName: name}
	err = s.users.Create(ctx, u)
	if errors.Is(err, ErrEmailTaken) {
		// created concurrently
		return s.users.GetByEmail(ctx, email)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Me(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

// SendOTP issues a guest sign-in code and mails it. Without a mailer the
// code is written to the log.
func (s *Service) SendOTP(ctx context.Context, email string) error {
	addr, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	code, err := s.otps.Issue(addr)
	if err != nil {
		return err
	}
	if s.mailer == nil {
		s.logger.Info().Str("email", addr).Str("otp", code).Msg("guest sign-in code issued")
		return nil
	}

	err = s.mailer.SendTemplate(ctx, notification.TemplateGuestOTP, addr, map[string]string{
		"code":    code,
		"minutes": strconv.Itoa(int(s.otps.TTL().Minutes())),
	})
	if err != nil {
		return fmt.Errorf("send sign-in code: %w", err)
	}
	s.logger.Info().Str("email", addr).Msg("guest sign-in code sent")
	return nil
}

// VerifyOTP consumes a code and returns a short-lived guest token.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (string, error) {
	addr, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	if !s.otps.Verify(addr, code) {
		return "", ErrInvalidOTP
	}
	token, err := s.tokens.IssueGuest(addr)
	if err != nil {
		return "", err
	}
	s.record(ctx, &User{Email: addr}, audit.ActionOTPVerified, nil)
	return token, nil
}

// EnsureGuestPatient returns the patient account for a verified guest
// address, creating it on first use.
func (s *Service) EnsureGuestPatient(ctx context.Context, email string) (*User, error) {
	addr, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.findOrCreate(ctx, addr, auth.RolePatient, nil)
}

// ResolveGuest validates a guest token and returns the guest's patient id.
func (s *Service) ResolveGuest(ctx context.Context, token string) (uuid.UUID, error) {
	email, err := s.tokens.ParseGuest(token)
	if err != nil {
		return uuid.Nil, err
	}
	u, err := s.EnsureGuestPatient(ctx, email)
	if err != nil {
		return uuid.Nil, err
	}
	return u.ID, nil
}

// SweepOTPs drops expired codes. It runs as a scheduled job.
func (s *Service) SweepOTPs(ctx context.Context) error {
	if n := s.otps.Sweep(); n > 0 {
		s.logger.Debug().Int("removed", n).Msg("expired otp codes swept")
	}
	return nil
}

func (s *Service) session(u *User) (*Session, error) {
	token, err := s.tokens.IssueSession(u.ID.String(), u.Email, u.Role)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}
	return &Session{User: u, Token: token}, nil
}

func (s *Service) record(ctx context.Context, u *User, action string, details map[string]any) {
	if s.audit == nil {
		return
	}
	e := &audit.Entry{
		Action:       action,
		ResourceType: resourceUser,
		ResourceID:   u.Email,
		Details:      details,
	}
	if u.ID != uuid.Nil {
		id := u.ID
		e.ActorID = &id
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("audit write failed")
	}
}
