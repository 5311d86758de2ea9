package security

import (
	"testing"

	"github.com/penwyp/club-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
)

func initTargetTest() *TargetValidator {
	logger.InitTestLogger()
	return NewTargetValidator([]string{
		"http://identity:3001",
		"http://scheduling:3002",
		"https://payments.example.com",
	})
}

// 白名单内的目标应被放行，包括默认端口的等价写法
func TestTargetValidator_Allowed(t *testing.T) {
	v := initTargetTest()

	tests := []struct {
		name   string
		target string
	}{
		{"exact match", "http://identity:3001"},
		{"other configured service", "http://scheduling:3002"},
		{"https default port implicit", "https://payments.example.com"},
		{"https default port explicit", "https://payments.example.com:443"},
		{"trailing slash", "http://identity:3001/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, v.IsAllowed(tt.target), "目标 %s 应在白名单内", tt.target)
		})
	}
}

// 白名单外的目标一律拒绝，解析失败也拒绝
func TestTargetValidator_Rejected(t *testing.T) {
	v := initTargetTest()

	tests := []struct {
		name   string
		target string
	}{
		{"unknown host", "http://evil.example.com"},
		{"wrong port", "http://identity:9999"},
		{"wrong scheme", "https://identity:3001"},
		{"metadata endpoint", "http://169.254.169.254/latest/meta-data"},
		{"file scheme", "file:///etc/passwd"},
		{"no scheme", "identity:3001"},
		{"empty", ""},
		{"garbage", "://not-a-url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, v.IsAllowed(tt.target), "目标 %s 应被拒绝", tt.target)
		})
	}
}

// http://svc 与 http://svc:80 应规范化为同一来源
func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
		wantErr  bool
	}{
		{"http default port", "http://svc", "http://svc:80", false},
		{"http explicit port", "http://svc:80", "http://svc:80", false},
		{"https default port", "https://svc", "https://svc:443", false},
		{"custom port", "http://svc:8080", "http://svc:8080", false},
		{"path ignored", "http://svc:8080/api/v1", "http://svc:8080", false},
		{"ftp rejected", "ftp://svc", "", true},
		{"missing host", "http://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin, err := normalizeOrigin(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, origin)
		})
	}
}

// 无效的配置目标应被跳过而不是中断启动
func TestNewTargetValidator_SkipsInvalidTargets(t *testing.T) {
	logger.InitTestLogger()
	v := NewTargetValidator([]string{
		"http://identity:3001",
		"ftp://bad-scheme",
		"",
	})

	assert.True(t, v.IsAllowed("http://identity:3001"))
	assert.False(t, v.IsAllowed("ftp://bad-scheme"))
}
