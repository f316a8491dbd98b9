package service

import (
	"errors"
	"fmt"

	"cloud-render-go/internal/model"
	"cloud-render-go/internal/repository"
	"cloud-render-go/pkg/hash"
	"cloud-render-go/pkg/log"
	"cloud-render-go/pkg/token"

	"gorm.io/gorm"
)

// ErrUserExists 用户名已被占用。
var ErrUserExists = errors.New("用户名已存在")

// ErrInvalidCredentials 用户名或密码错误。
var ErrInvalidCredentials = errors.New("用户名或密码错误")

// RegisterRequest 注册请求。
type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Password string `json:"password" binding:"required,min=6,max=64"`
	Nickname string `json:"nickname"`
}

// LoginRequest 登录请求。
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResult 登录结果，含访问令牌与刷新令牌。
type LoginResult struct {
	User         *model.User `json:"user"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
}

// UserService 负责用户注册、登录与资料查询。
type UserService struct {
	userRepo   repository.UserRepository
	jwtManager *token.JWTManager
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository, jwtManager *token.JWTManager) *UserService {
	return &UserService{userRepo: userRepo, jwtManager: jwtManager}
}

// Register 注册新用户，密码使用 bcrypt 哈希后存储。
func (s *UserService) Register(req *RegisterRequest) (*model.User, error) {
	if _, err := s.userRepo.FindByUsername(req.Username); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}

	hashed, err := hash.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("密码哈希失败: %w", err)
	}

	user := &model.User{
		Username: req.Username,
		Password: hashed,
		Nickname: req.Nickname,
	}
	if err := s.userRepo.Create(user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("创建用户失败: %w", err)
	}

	log.Infof("用户注册成功: id=%d, username=%s", user.ID, user.Username)
	return user, nil
}

// Login 校验用户名密码，签发访问令牌与刷新令牌。
func (s *UserService) Login(req *LoginRequest) (*LoginResult, error) {
	user, err := s.userRepo.FindByUsername(req.Username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	if !hash.CheckPassword(req.Password, user.Password) {
		return nil, ErrInvalidCredentials
	}

	accessToken, err := s.jwtManager.GenerateToken(user.ID, user.Username)
	if err != nil {
		return nil, fmt.Errorf("签发访问令牌失败: %w", err)
	}
	refreshToken, err := s.jwtManager.GenerateRefreshToken(user.ID, user.Username)
	if err != nil {
		return nil, fmt.Errorf("签发刷新令牌失败: %w", err)
	}

	return &LoginResult{User: user, AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// GetProfile 查询用户资料。
func (s *UserService) GetProfile(userID uint) (*model.User, error) {
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user, nil
}
