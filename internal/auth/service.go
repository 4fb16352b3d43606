// Package auth はメール・パスワード認証とセッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hitoshi/bubbles/internal/metrics"
	"github.com/hitoshi/bubbles/internal/model"
	"github.com/hitoshi/bubbles/internal/repository"
)

const (
	// tokenBytes はセッショントークンの乱数バイト数（256ビット）。
	tokenBytes = 32
	// maxTokenAttempts はトークン衝突時の再生成回数の上限。
	maxTokenAttempts = 3
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）。0は無期限
	BcryptCost    int
	Now           func() time.Time // nilの場合はtime.Now
}

type signupInput struct {
	Email    string `validate:"required,max=254"`
	Password string `validate:"required"`
	Role     string `validate:"required"`
}

type loginInput struct {
	Email    string `validate:"required"`
	Password string `validate:"required"`
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	recorder    metrics.Recorder
	validate    *validator.Validate
	config      ServiceConfig

	tokenGen func() (string, error)

	dummyOnce sync.Once
	dummyHash string
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	recorder metrics.Recorder,
	config ServiceConfig,
) *Service {
	if config.Now == nil {
		config.Now = time.Now
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		recorder:    recorder,
		validate:    validator.New(),
		config:      config,
		tokenGen:    generateToken,
	}
}

// Signup はユーザーを作成し、セッションを発行する。
// ユーザーを先に作成し、その後にセッションを作成する。
func (s *Service) Signup(ctx context.Context, email, password, role string) (*model.Session, error) {
	in := signupInput{Email: email, Password: password, Role: role}
	if err := s.validate.Struct(in); err != nil {
		return nil, model.NewValidationError(describeValidation(err))
	}
	// validatorのmaxは文字数で数えるため、bcryptの上限はバイト数で確認する
	if len(password) > maxPasswordBytes {
		return nil, model.NewValidationError("password が長すぎます")
	}
	parsedRole, ok := model.ParseRole(role)
	if !ok {
		return nil, model.NewValidationError("role は client または provider を指定してください")
	}

	// ハッシュ計算の前に重複を確認する。最終判定はCreateの一意制約で行う。
	existing, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		return nil, model.NewEmailExistsError()
	}

	hash, err := HashPassword(password, s.config.BcryptCost)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Role:         parsedRole,
		CreatedAt:    s.config.Now(),
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewEmailExistsError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	session, err := s.CreateSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.recorder.RecordSignup()
	slog.Info("user signed up",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
	)
	return session, nil
}

// Login はメールアドレスとパスワードを検証し、セッションを発行する。
// 未登録のメールアドレスとパスワード不一致は区別しない。
func (s *Service) Login(ctx context.Context, email, password string) (*model.Session, error) {
	if err := s.validate.Struct(loginInput{Email: email, Password: password}); err != nil {
		return nil, model.NewValidationError(describeValidation(err))
	}

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}

	hash := s.dummyPasswordHash()
	if user != nil {
		hash = user.PasswordHash
	}
	matched, err := CheckPassword(hash, password)
	if err != nil {
		return nil, err
	}
	if user == nil || !matched {
		s.recorder.RecordLogin(metrics.ResultFailure)
		slog.Warn("login failed")
		return nil, model.NewInvalidCredentialsError()
	}

	session, err := s.CreateSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.recorder.RecordLogin(metrics.ResultSuccess)
	slog.Info("user logged in", slog.String("user_id", user.ID))
	return session, nil
}

// Logout はセッションを破棄する。存在しないトークンは無視する。
func (s *Service) Logout(ctx context.Context, token string) error {
	if !validTokenFormat(token) {
		return nil
	}
	if err := s.sessionRepo.DeleteByToken(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	slog.Info("user logged out")
	return nil
}

// CreateSession は新しいセッションを発行して永続化する。
// トークンが衝突した場合は再生成する。
func (s *Service) CreateSession(ctx context.Context, userID string) (*model.Session, error) {
	now := s.config.Now()
	session := &model.Session{
		UserID:    userID,
		CreatedAt: now,
	}
	if s.config.SessionMaxAge > 0 {
		session.ExpiresAt = now.Add(time.Duration(s.config.SessionMaxAge) * time.Second)
	}

	for attempt := 1; ; attempt++ {
		token, err := s.tokenGen()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session token: %w", err)
		}
		session.Token = token

		err = s.sessionRepo.Create(ctx, session)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, repository.ErrDuplicateToken) || attempt >= maxTokenAttempts {
			return nil, fmt.Errorf("failed to save session: %w", err)
		}
		slog.Warn("session token collision, regenerating", slog.Int("attempt", attempt))
	}
}

// ResolveSession はクレデンシャルからセッションを解決する。
// 形式不正・未登録・期限切れはいずれもnilを返し、エラーはストア障害時のみ返す。
func (s *Service) ResolveSession(ctx context.Context, credential string) (*model.Session, error) {
	if !validTokenFormat(credential) {
		return nil, nil
	}

	session, err := s.sessionRepo.FindByToken(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || session.ExpiredAt(s.config.Now()) {
		return nil, nil
	}
	return session, nil
}

// GetCurrentUser はユーザーIDからプロフィールを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// dummyPasswordHash は未登録ユーザーのログイン時に比較するハッシュを返す。
func (s *Service) dummyPasswordHash() string {
	s.dummyOnce.Do(func() {
		h, err := HashPassword(uuid.New().String(), s.config.BcryptCost)
		if err != nil {
			slog.Error("failed to prepare dummy password hash", slog.String("error", err.Error()))
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

// describeValidation はvalidatorのエラーを利用者向けの短い説明に変換する。
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "リクエストが不正です"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s は必須です", fieldName(fe.Field()))
	case "max":
		return fmt.Sprintf("%s が長すぎます", fieldName(fe.Field()))
	default:
		return fmt.Sprintf("%s が不正です", fieldName(fe.Field()))
	}
}

func fieldName(structField string) string {
	switch structField {
	case "Email":
		return "email"
	case "Password":
		return "password"
	case "Role":
		return "role"
	default:
		return structField
	}
}

// generateToken は暗号的に安全なセッショントークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// validTokenFormat はトークンが小文字16進64文字かどうかを返す。
func validTokenFormat(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
