package security

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeySetProvider 从身份服务的 JWKS 端点拉取并缓存验签密钥集
// jwk.Cache 负责后台刷新，绝大多数请求直接命中缓存而不会阻塞
type KeySetProvider struct {
	cache *jwk.Cache
	url   string
}

// NewKeySetProvider 创建 JWKS 提供者并完成首次拉取
func NewKeySetProvider(jwksURL string, refreshInterval time.Duration) (*KeySetProvider, error) {
	if refreshInterval <= 0 {
		refreshInterval = time.Hour
	}

	ctx := context.Background()
	cache := jwk.NewCache(ctx)

	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	// 首次拉取，验证端点可用
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &KeySetProvider{
		cache: cache,
		url:   jwksURL,
	}, nil
}

// KeyFunc 返回与 golang-jwt/jwt/v5 兼容的密钥查找函数
func (p *KeySetProvider) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		keySet, err := p.cache.Get(ctx, p.url)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}

		// 按 kid 头查找密钥；没有 kid 时尝试密钥集中的第一把
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			if keySet.Len() > 0 {
				key, _ := keySet.Key(0)
				var rawKey interface{}
				if err := key.Raw(&rawKey); err != nil {
					return nil, fmt.Errorf("failed to extract raw key: %w", err)
				}
				return rawKey, nil
			}
			return nil, fmt.Errorf("no kid in token header and no keys in JWKS")
		}

		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key %q not found in JWKS", kid)
		}

		var rawKey interface{}
		if err := key.Raw(&rawKey); err != nil {
			return nil, fmt.Errorf("failed to extract raw key for kid %q: %w", kid, err)
		}

		return rawKey, nil
	}
}
