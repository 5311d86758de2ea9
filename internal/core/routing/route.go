package routing

import (
	"context"
	"strings"

	"github.com/penwyp/club-gateway/config"
	"github.com/penwyp/club-gateway/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// routeTracer 为路由匹配模块初始化追踪器
var routeTracer = otel.Tracer("routing:trie")

// Route 一条已解析的代理路由
type Route struct {
	Prefix string           // 匹配的路径前缀
	Rule   config.RouteRule // 关联的路由规则
}

// RouteTable 使用 Trie 进行最长前缀匹配的只读路由表
// 配置热更新时整表重建后原子替换，查询路径上无锁
type RouteTable struct {
	root *trieNode
	size int
}

// trieNode Trie 中的一个节点
type trieNode struct {
	children map[rune]*trieNode
	route    *Route
	isEnd    bool
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[rune]*trieNode)}
}

// NewRouteTable 根据代理配置构建路由表
func NewRouteTable(cfg *config.Config) *RouteTable {
	t := &RouteTable{root: newTrieNode()}
	for prefix, rule := range cfg.Proxy.Routes {
		t.insert(prefix, rule)
	}
	logger.Info("Route table built",
		zap.Int("routeCount", t.size))
	return t
}

// insert 将前缀及其路由规则插入 Trie
func (t *RouteTable) insert(prefix string, rule config.RouteRule) {
	normalized := "/" + strings.Trim(prefix, "/")
	node := t.root
	for _, ch := range normalized {
		if node.children[ch] == nil {
			node.children[ch] = newTrieNode()
		}
		node = node.children[ch]
	}
	node.route = &Route{Prefix: normalized, Rule: rule}
	node.isEnd = true
	t.size++
	logger.Debug("Route registered",
		zap.String("prefix", normalized),
		zap.String("service", rule.Service),
		zap.String("target", rule.Target))
}

// Match 返回请求路径的最长前缀匹配路由
// 前缀按完整路径段匹配：/api/v1/members 匹配 /api/v1/members/42，
// 但不匹配 /api/v1/membership
func (t *RouteTable) Match(ctx context.Context, path string) (*Route, bool) {
	_, span := routeTracer.Start(ctx, "RouteTable.Match",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	normalized := "/" + strings.Trim(path, "/")
	runes := []rune(normalized)

	var best *Route
	node := t.root
	for i, ch := range runes {
		next := node.children[ch]
		if next == nil {
			break
		}
		node = next
		if node.isEnd && segmentBoundary(runes, i+1) {
			best = node.route
		}
	}

	if best == nil {
		return nil, false
	}
	span.SetAttributes(
		attribute.String("matchedPrefix", best.Prefix),
		attribute.String("service", best.Rule.Service))
	return best, true
}

// Size 返回路由表中的前缀数量
func (t *RouteTable) Size() int {
	return t.size
}

// segmentBoundary 判断位置 i 是否为路径段边界
func segmentBoundary(runes []rune, i int) bool {
	return i >= len(runes) || runes[i] == '/'
}
