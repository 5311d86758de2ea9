package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/penwyp/club-gateway/config"
	"github.com/penwyp/club-gateway/pkg/logger"
	"go.uber.org/zap"
)

// DefaultLang 令牌未携带 lang 声明时的默认语言
const DefaultLang = "en"

// ErrTokenMissing 请求未携带任何凭证
var ErrTokenMissing = errors.New("no credential presented")

// ErrTokenInvalid 凭证存在但签名、签发者、受众或有效期校验失败
var ErrTokenInvalid = errors.New("token verification failed")

// Identity 从已验证令牌派生的调用者身份，随请求生命周期存在，从不持久化
type Identity struct {
	UserID         string
	Email          string
	Roles          []string
	Permissions    []string
	OrganizationID string
	TeamIDs        []string
	Lang           string
	TokenExpiry    time.Time
}

// ExpiresWithin 判断令牌是否将在给定窗口内过期
func (id *Identity) ExpiresWithin(window time.Duration) bool {
	if id.TokenExpiry.IsZero() {
		return false
	}
	return time.Until(id.TokenExpiry) <= window
}

// PrimaryRole 返回用于 X-User-Role 头的首个角色
func (id *Identity) PrimaryRole() string {
	if len(id.Roles) == 0 {
		return ""
	}
	return id.Roles[0]
}

// Claims 平台访问令牌的声明结构
type Claims struct {
	Email          string   `json:"email"`
	Roles          []string `json:"roles"`
	Permissions    []string `json:"permissions"`
	OrganizationID string   `json:"organizationId"`
	TeamIDs        []string `json:"teamIds"`
	Lang           string   `json:"lang"`
	jwt.RegisteredClaims
}

// TokenVerifier 使用远端密钥集验证访问令牌并提取身份
type TokenVerifier struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewTokenVerifier 创建令牌验证器，完成 JWKS 首次拉取
func NewTokenVerifier(cfg *config.Config) (*TokenVerifier, error) {
	provider, err := NewKeySetProvider(cfg.Security.JWT.JwksURL, cfg.Security.JWT.RefreshInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize key set provider: %w", err)
	}
	logger.Info("Token verifier initialized",
		zap.String("jwksUrl", cfg.Security.JWT.JwksURL),
		zap.String("issuer", cfg.Security.JWT.Issuer),
		zap.String("audience", cfg.Security.JWT.Audience))
	return &TokenVerifier{
		keyFunc:  provider.KeyFunc(),
		issuer:   cfg.Security.JWT.Issuer,
		audience: cfg.Security.JWT.Audience,
	}, nil
}

// NewTokenVerifierWithKeyFunc 用注入的密钥查找函数构建验证器，测试用
func NewTokenVerifierWithKeyFunc(keyFunc jwt.Keyfunc, issuer, audience string) *TokenVerifier {
	return &TokenVerifier{keyFunc: keyFunc, issuer: issuer, audience: audience}
}

// Verify 验证令牌并返回身份
// 缺失的 roles/permissions/teamIds 默认空集合，lang 默认 en
func (v *TokenVerifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrTokenMissing
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
	)
	if err != nil {
		logger.Warn("Token verification failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	identity := &Identity{
		UserID:         claims.Subject,
		Email:          claims.Email,
		Roles:          claims.Roles,
		Permissions:    claims.Permissions,
		OrganizationID: claims.OrganizationID,
		TeamIDs:        claims.TeamIDs,
		Lang:           claims.Lang,
	}
	if identity.Roles == nil {
		identity.Roles = []string{}
	}
	if identity.Permissions == nil {
		identity.Permissions = []string{}
	}
	if identity.TeamIDs == nil {
		identity.TeamIDs = []string{}
	}
	if identity.Lang == "" {
		identity.Lang = DefaultLang
	}
	if claims.ExpiresAt != nil {
		identity.TokenExpiry = claims.ExpiresAt.Time
	}

	logger.Debug("Token verified successfully",
		zap.String("userId", identity.UserID),
		zap.Time("expiresAt", identity.TokenExpiry))
	return identity, nil
}
