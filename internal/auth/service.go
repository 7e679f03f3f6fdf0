// Package auth provides account registration, password login and JWT session
// tokens for dlpgate.
//
// Failed logins are written to the audit log synchronously so that the
// brute force rule sees the attempt that just failed. Locked accounts cannot
// log in; only an administrator can unlock them.
//
// Example usage:
//
//	svc, err := auth.NewService(auth.Config{
//	    JWTSecret:   "your-secret",
//	    TokenExpiry: 24 * time.Hour,
//	}, store, detector, auditLogger)
//	session, err := svc.Login(ctx, auth.LoginRequest{Identifier: "alice", Password: "hunter12"})
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/dlpgate/internal/anomaly"
	"github.com/piwi3910/dlpgate/internal/audit"
	"github.com/piwi3910/dlpgate/internal/metadata"
	"github.com/piwi3910/dlpgate/internal/metrics"
	"github.com/piwi3910/dlpgate/pkg/dlperrors"
)

// DefaultTokenExpiry is the session lifetime when Config.TokenExpiry is unset.
const DefaultTokenExpiry = 24 * time.Hour

// failedLoginWindow is the window for the brute force rule.
const failedLoginWindow = time.Hour

// invalidCredentialsMessage is returned for every failed password login.
const invalidCredentialsMessage = "Invalid email or password"

// Config holds auth service configuration.
type Config struct {
	JWTSecret         string
	Issuer            string
	AdminUser         string
	AdminEmail        string
	AdminPassword     string
	TokenExpiry       time.Duration
	MinPasswordLength int
	// PasswordCost is the bcrypt cost; zero selects bcrypt.DefaultCost
	PasswordCost int
	// AllowAdminRegistration lets Register create admin accounts. The
	// bootstrap admin is created regardless.
	AllowAdminRegistration bool
}

// Auditor receives audit events. *audit.Logger implements it.
type Auditor interface {
	Log(event *audit.Event)
	Mirror(events ...*audit.Event)
}

// Service handles registration, login and token validation.
type Service struct {
	store    metadata.Store
	detector *anomaly.Detector
	auditor  Auditor
	now      func() time.Time
	config   Config
}

// NewService creates a new auth service. The detector and auditor may be nil.
func NewService(config Config, store metadata.Store, detector *anomaly.Detector, auditor Auditor) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: metadata store is required")
	}

	if config.JWTSecret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}

	if config.TokenExpiry <= 0 {
		config.TokenExpiry = DefaultTokenExpiry
	}

	if config.MinPasswordLength <= 0 {
		config.MinPasswordLength = DefaultMinPasswordLength
	}

	if config.Issuer == "" {
		config.Issuer = "dlpgate"
	}

	if detector == nil {
		detector = anomaly.NewDetector(anomaly.DefaultThresholds())
	}

	if auditor == nil {
		auditor = nopAuditor{}
	}

	return &Service{
		store:    store,
		detector: detector,
		auditor:  auditor,
		now:      time.Now,
		config:   config,
	}, nil
}

// WithClock replaces the clock used for tokens and failed login windows.
// It is meant for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// TokenClaims represents JWT claims.
type TokenClaims struct {
	jwt.RegisteredClaims

	UserID   string        `json:"user_id"`
	Username string        `json:"username"`
	Role     metadata.Role `json:"role"`
}

// Session is the result of a successful login.
type Session struct {
	ExpiresAt time.Time      `json:"expires_at"`
	User      *metadata.User `json:"-"`
	Token     string         `json:"token"`
	TokenType string         `json:"token_type"`
}

// RegisterRequest holds the fields of a new account.
type RegisterRequest struct {
	Username  string
	Email     string
	Password  string
	Role      string
	RequestID string
	IPAddress string
}

// LoginRequest holds login credentials. Identifier is a username or an email.
type LoginRequest struct {
	Identifier string
	Password   string
	RequestID  string
	IPAddress  string
}

// Register validates and creates a new account. Requesting the admin role is
// forbidden unless AllowAdminRegistration is set.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*metadata.User, error) {
	return s.register(ctx, req, s.config.AllowAdminRegistration)
}

func (s *Service) register(ctx context.Context, req RegisterRequest, allowAdmin bool) (*metadata.User, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if username == "" || email == "" || req.Password == "" {
		return nil, dlperrors.Validation("Please fill in all fields")
	}

	if err := ValidateUsername(username); err != nil {
		return nil, dlperrors.Wrap(dlperrors.KindValidation, err.Error(), err)
	}

	if err := ValidateEmail(email); err != nil {
		return nil, dlperrors.Wrap(dlperrors.KindValidation, err.Error(), err)
	}

	if err := ValidatePassword(req.Password, s.config.MinPasswordLength); err != nil {
		return nil, dlperrors.Wrap(dlperrors.KindValidation, err.Error(), err)
	}

	role, err := parseRole(req.Role)
	if err != nil {
		return nil, err
	}

	if role == metadata.RoleAdmin && !allowAdmin {
		log.Warn().Str("username", username).Str("ip_address", req.IPAddress).Msg("Rejected admin self-registration")
		return nil, dlperrors.New(dlperrors.KindForbidden, "Admin accounts cannot be self-registered")
	}

	passwordHash, err := HashPassword(req.Password, s.config.PasswordCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now().UTC()
	user := &metadata.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.store.CreateUser(ctx, user)
	if errors.Is(err, metadata.ErrAlreadyExists) {
		return nil, dlperrors.New(dlperrors.KindConflict, "Username or email already exists")
	}

	if err != nil {
		return nil, dlperrors.Persistence("create user failed", err)
	}

	s.auditor.Log(audit.NewEvent(audit.ActionRegister, user.ID,
		fmt.Sprintf("User: %s, Role: %s", user.Username, user.Role)).WithRequestInfo(req.RequestID, req.IPAddress))

	log.Info().
		Str("user_id", user.ID).
		Str("username", user.Username).
		Str("role", string(user.Role)).
		Msg("User registered")

	return user, nil
}

// Login verifies credentials and issues a session token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" || req.Password == "" {
		return nil, dlperrors.Validation("Email and password are required")
	}

	user, err := s.store.GetUserByLogin(ctx, identifier)
	if errors.Is(err, metadata.ErrNotFound) {
		s.auditor.Log(audit.NewEvent(audit.ActionFailedLogin, "",
			"Unknown account: "+identifier).WithRequestInfo(req.RequestID, req.IPAddress))

		return nil, dlperrors.New(dlperrors.KindUnauthorized, invalidCredentialsMessage)
	}

	if err != nil {
		return nil, dlperrors.Persistence("load user failed", err)
	}

	if user.Locked {
		log.Warn().Str("user_id", user.ID).Msg("Login attempt on locked account")
		return nil, dlperrors.AccountLocked()
	}

	err = VerifyPassword(user.PasswordHash, req.Password)
	if err != nil {
		if !errors.Is(err, ErrPasswordMismatch) {
			log.Error().Err(err).Str("user_id", user.ID).Msg("Password verification failed")
		}

		s.recordFailedLogin(ctx, user, req)

		return nil, dlperrors.New(dlperrors.KindUnauthorized, invalidCredentialsMessage)
	}

	session, err := s.issueToken(user)
	if err != nil {
		return nil, err
	}

	s.auditor.Log(audit.NewEvent(audit.ActionLogin, user.ID, "User logged in").
		WithRequestInfo(req.RequestID, req.IPAddress))

	return session, nil
}

// recordFailedLogin persists the failure and then applies the brute force
// rule to the failures in the last hour. Errors are logged, never returned,
// so the caller always answers with invalid credentials.
func (s *Service) recordFailedLogin(ctx context.Context, user *metadata.User, req LoginRequest) {
	event := audit.NewEvent(audit.ActionFailedLogin, user.ID, "Invalid password").
		WithRequestInfo(req.RequestID, req.IPAddress)
	event.Timestamp = s.now().UTC()

	if err := s.store.RecordEvents(ctx, metadata.Batch{Events: []*audit.Event{event}}); err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to record failed login")
		return
	}

	s.auditor.Mirror(event)

	failures, err := s.store.CountAuditEventsSince(ctx, user.ID, audit.ActionFailedLogin, s.now().Add(-failedLoginWindow))
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to count failed logins")
		return
	}

	found := s.detector.DetectLoginAnomaly(user.ID, failures)
	if found == nil {
		return
	}

	record := metadata.NewAnomalyRecord(*found)
	if err := s.store.RecordEvents(ctx, metadata.Batch{Anomalies: []*metadata.AnomalyRecord{record}}); err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to record login anomaly")
		return
	}

	metrics.RecordAnomaly(string(found.Kind))

	log.Warn().
		Str("user_id", user.ID).
		Int("failed_logins", failures).
		Msg("Brute force attempt detected")
}

// issueToken signs an HS256 token carrying the user's identity and role.
func (s *Service) issueToken(user *metadata.User) (*Session, error) {
	now := s.now()
	expiry := now.Add(s.config.TokenExpiry)

	claims := TokenClaims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Session{
		Token:     signed,
		TokenType: "Bearer",
		ExpiresAt: expiry,
		User:      user,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		return []byte(s.config.JWTSecret), nil
	}, jwt.WithIssuer(s.config.Issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// Authenticate validates a token and loads its user. Locked users still
// authenticate so they can read their files; uploads check the lock.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (*metadata.User, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, dlperrors.Wrap(dlperrors.KindUnauthorized, "Invalid or expired token", err)
	}

	user, err := s.store.GetUser(ctx, claims.UserID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, dlperrors.New(dlperrors.KindUnauthorized, "Invalid or expired token")
	}

	if err != nil {
		return nil, dlperrors.Persistence("load user failed", err)
	}

	return user, nil
}

// Logout records the end of a session. Tokens are stateless, so the client
// discards its token.
func (s *Service) Logout(user *metadata.User, requestID, ip string) {
	s.auditor.Log(audit.NewEvent(audit.ActionLogout, user.ID, "User logged out").WithRequestInfo(requestID, ip))
}

// Unlock clears a user's lock state on behalf of an administrator.
func (s *Service) Unlock(ctx context.Context, adminID, userID, requestID, ip string) (*metadata.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, dlperrors.New(dlperrors.KindNotFound, "User not found")
	}

	if err != nil {
		return nil, dlperrors.Persistence("load user failed", err)
	}

	event := audit.NewEvent(audit.ActionAccountUnlocked, userID,
		fmt.Sprintf("Unlocked by admin %s", adminID)).WithRequestInfo(requestID, ip)

	err = s.store.SetUserLocked(ctx, userID, false, metadata.Batch{Events: []*audit.Event{event}})
	if err != nil {
		return nil, dlperrors.Persistence("unlock user failed", err)
	}

	s.auditor.Mirror(event)

	log.Info().
		Str("user_id", userID).
		Str("admin_id", adminID).
		Bool("was_locked", user.Locked).
		Msg("Account unlocked")

	user.Locked = false
	user.LockedAt = nil

	return user, nil
}

// EnsureAdmin creates the configured bootstrap administrator if it does not
// exist. It reports whether a user was created. Without AdminUser it does
// nothing.
func (s *Service) EnsureAdmin(ctx context.Context) (bool, error) {
	if s.config.AdminUser == "" {
		return false, nil
	}

	_, err := s.store.GetUserByLogin(ctx, s.config.AdminUser)
	if err == nil {
		return false, nil
	}

	if !errors.Is(err, metadata.ErrNotFound) {
		return false, fmt.Errorf("failed to look up admin user: %w", err)
	}

	email := s.config.AdminEmail
	if email == "" {
		email = s.config.AdminUser + "@localhost.localdomain"
	}

	_, err = s.register(ctx, RegisterRequest{
		Username: s.config.AdminUser,
		Email:    email,
		Password: s.config.AdminPassword,
		Role:     string(metadata.RoleAdmin),
	}, true)
	if dlperrors.IsKind(err, dlperrors.KindConflict) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to create admin user: %w", err)
	}

	return true, nil
}

// parseRole accepts admin or user, defaulting to user.
func parseRole(role string) (metadata.Role, error) {
	switch metadata.Role(strings.ToLower(strings.TrimSpace(role))) {
	case "", metadata.RoleUser:
		return metadata.RoleUser, nil
	case metadata.RoleAdmin:
		return metadata.RoleAdmin, nil
	default:
		return "", dlperrors.Validation("Invalid role %q: must be admin or user", role)
	}
}

type nopAuditor struct{}

func (nopAuditor) Log(*audit.Event)       {}
func (nopAuditor) Mirror(...*audit.Event) {}
