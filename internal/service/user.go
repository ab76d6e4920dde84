package service

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/Mohamedrebhi/videmaison/internal/auth"
	"github.com/Mohamedrebhi/videmaison/internal/config"
	"github.com/Mohamedrebhi/videmaison/internal/models"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"

	"gorm.io/gorm"
)

const minPasswordLen = 6

// UserService 封装用户相关的业务逻辑。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// ToUser 把数据库用户转换为对外输出的结构。
func ToUser(u models.User) protocol.User {
	role := protocol.RoleCustomer
	if u.Role == auth.RoleAdmin {
		role = protocol.RoleAdmin
	}
	return protocol.User{
		ID:        idString(u.ID),
		Email:     u.Email,
		Role:      role,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

func normalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Register 注册新客户账号。
func (s *UserService) Register(req protocol.RegisterRequest) (protocol.User, error) {
	email := normalizeEmail(req.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return protocol.User{}, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if len(req.Password) < minPasswordLen {
		return protocol.User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	var count int64
	if err := s.db.Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return protocol.User{}, err
	}
	if count > 0 {
		return protocol.User{}, ErrEmailTaken
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return protocol.User{}, err
	}
	user := models.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		Role:         string(protocol.RoleCustomer),
	}
	if err := s.db.Create(&user).Error; err != nil {
		return protocol.User{}, err
	}
	return ToUser(user), nil
}

// Login 校验邮箱密码并签发 token 对。
func (s *UserService) Login(email, password string) (*protocol.LoginResponse, error) {
	var user models.User
	if err := s.db.Where("email = ?", normalizeEmail(email)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(user.ID, user.Role, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(s.db, user.ID, rt, exp); err != nil {
		return nil, err
	}
	return &protocol.LoginResponse{AccessToken: at, RefreshToken: rt, User: ToUser(user)}, nil
}

// Refresh 用未撤销的 refresh token 换取新的 access token，refresh token 本身不轮换。
func (s *UserService) Refresh(refreshToken string) (*protocol.RefreshResponse, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	rec, err := auth.ValidateRefreshToken(s.db, refreshToken)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	var user models.User
	if err := s.db.First(&user, rec.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	at, err := auth.GenerateAccessToken(user.ID, user.Role, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	return &protocol.RefreshResponse{AccessToken: at}, nil
}

// Logout 撤销 refresh token；未知或已撤销的 token 视为成功。
func (s *UserService) Logout(refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return auth.RevokeRefreshToken(s.db, refreshToken)
}

func (s *UserService) Profile(userID uint) (protocol.User, error) {
	var user models.User
	if err := s.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return protocol.User{}, ErrUserNotFound
		}
		return protocol.User{}, err
	}
	return ToUser(user), nil
}
