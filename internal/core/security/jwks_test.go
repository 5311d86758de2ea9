package security

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/penwyp/club-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newJWKSServer 启动一个提供 JWKS 端点的测试服务器
func newJWKSServer(t *testing.T, keys ...jwk.Key) *httptest.Server {
	t.Helper()
	set := jwk.NewSet()
	for _, key := range keys {
		require.NoError(t, set.AddKey(key))
	}
	payload, err := json.Marshal(set)
	require.NoError(t, err)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}))
}

// publicJWK 将 RSA 公钥包装为带 kid 的 JWK
func publicJWK(t *testing.T, key interface{}, kid string) jwk.Key {
	t.Helper()
	jwkKey, err := jwk.FromRaw(key)
	require.NoError(t, err)
	require.NoError(t, jwkKey.Set(jwk.KeyIDKey, kid))
	require.NoError(t, jwkKey.Set(jwk.AlgorithmKey, "RS256"))
	return jwkKey
}

func TestKeySetProvider_VerifiesTokenByKid(t *testing.T) {
	logger.InitTestLogger()
	key := newTestKey(t)
	server := newJWKSServer(t, publicJWK(t, &key.PublicKey, "key-1"))
	defer server.Close()

	provider, err := NewKeySetProvider(server.URL, time.Hour)
	require.NoError(t, err)

	v := NewTokenVerifierWithKeyFunc(provider.KeyFunc(), testIssuer, testAudience)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, defaultClaims())
	token.Header["kid"] = "key-1"
	signed, err := token.SignedString(key)
	require.NoError(t, err)

	identity, err := v.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-123", identity.UserID)
}

// 令牌 kid 不在密钥集中时验证必须失败
func TestKeySetProvider_UnknownKid(t *testing.T) {
	logger.InitTestLogger()
	key := newTestKey(t)
	server := newJWKSServer(t, publicJWK(t, &key.PublicKey, "key-1"))
	defer server.Close()

	provider, err := NewKeySetProvider(server.URL, time.Hour)
	require.NoError(t, err)

	v := NewTokenVerifierWithKeyFunc(provider.KeyFunc(), testIssuer, testAudience)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, defaultClaims())
	token.Header["kid"] = "rotated-away"
	signed, err := token.SignedString(key)
	require.NoError(t, err)

	identity, err := v.Verify(signed)
	assert.Nil(t, identity)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

// 无 kid 头时回退到密钥集中的第一把密钥
func TestKeySetProvider_FallbackWithoutKid(t *testing.T) {
	logger.InitTestLogger()
	key := newTestKey(t)
	server := newJWKSServer(t, publicJWK(t, &key.PublicKey, "key-1"))
	defer server.Close()

	provider, err := NewKeySetProvider(server.URL, time.Hour)
	require.NoError(t, err)

	v := NewTokenVerifierWithKeyFunc(provider.KeyFunc(), testIssuer, testAudience)

	identity, err := v.Verify(signToken(t, key, defaultClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-123", identity.UserID)
}

// JWKS 端点不可达时初始化必须失败
func TestNewKeySetProvider_UnreachableEndpoint(t *testing.T) {
	logger.InitTestLogger()
	_, err := NewKeySetProvider("http://127.0.0.1:1/jwks.json", time.Hour)
	assert.Error(t, err)
}
