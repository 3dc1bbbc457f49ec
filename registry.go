package ratelimiter

import (
	"fmt"
	"sort"
	"strings"
)

// Matches 判断路由是否命中
func (m RouteMatch) Matches(method, path string) bool {
	switch m.Type {
	case MatchExact:
		return path == m.Path
	case MatchPrefix:
		return matchPrefix(m.Path, path)
	case MatchMethodAndPath:
		return strings.EqualFold(m.Method, method) && path == m.Path
	default:
		return false
	}
}

// specificity 越大越具体：method_and_path > exact > prefix，前缀越长越具体
func (m RouteMatch) specificity() (int, int) {
	switch m.Type {
	case MatchMethodAndPath:
		return 3, len(m.Path)
	case MatchExact:
		return 2, len(m.Path)
	default:
		return 1, len(m.Path)
	}
}

// matchPrefix 按路径段匹配前缀，"/api" 匹配 "/api" 与 "/api/x"，不匹配 "/apix"
func matchPrefix(prefix, path string) bool {
	if prefix == "/" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}

type routeEntry struct {
	match  RouteMatch
	policy *Policy
}

// Registry 策略注册表：把 (method, path) 解析为零个或多个策略
//
// 匹配器在加载时按具体程度排序（声明顺序打破平局），之后按顺序首个命中生效，
// 即最具体的策略生效。stacking 模式下所有命中的策略都生效。
type Registry struct {
	entries  []routeEntry
	policies map[string]*Policy
	stacking bool
}

// NewRegistry 创建策略注册表
func NewRegistry(policies []*Policy, stacking bool) (*Registry, error) {
	r := &Registry{
		policies: make(map[string]*Policy, len(policies)),
		stacking: stacking,
	}

	for _, p := range policies {
		if _, ok := r.policies[p.Name]; ok {
			return nil, fmt.Errorf("%w: 策略名称重复: %s", ErrInvalidConfig, p.Name)
		}
		r.policies[p.Name] = p
		for _, m := range p.Match {
			r.entries = append(r.entries, routeEntry{match: m, policy: p})
		}
	}

	sort.SliceStable(r.entries, func(i, j int) bool {
		ri, li := r.entries[i].match.specificity()
		rj, lj := r.entries[j].match.specificity()
		if ri != rj {
			return ri > rj
		}
		return li > lj
	})

	return r, nil
}

// Resolve 解析请求命中的策略，返回空表示旁路（不访问存储）
//
// 最具体的命中策略为不限流策略（MaxRequests=0）时整个路由旁路。
func (r *Registry) Resolve(method, path string) []*Policy {
	var matched []*Policy
	seen := make(map[string]bool)

	for _, e := range r.entries {
		if !e.match.Matches(method, path) || seen[e.policy.Name] {
			continue
		}
		seen[e.policy.Name] = true

		if len(matched) == 0 && e.policy.Unlimited() {
			return nil
		}
		if !r.stacking {
			return []*Policy{e.policy}
		}
		if !e.policy.Unlimited() {
			matched = append(matched, e.policy)
		}
	}

	return matched
}

// Lookup 按名称查找策略
func (r *Registry) Lookup(name string) (*Policy, error) {
	p, ok := r.policies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	return p, nil
}

// Stacking 是否为叠加模式
func (r *Registry) Stacking() bool {
	return r.stacking
}

// Key 根据限流维度构建key
func (p *Policy) Key(ip, userID string) string {
	parts := []string{p.Name}

	switch p.Scope {
	case ScopeUser:
		if userID != "" {
			parts = append(parts, "user", userID)
		} else {
			// 如果没有用户ID，降级为IP限流
			parts = append(parts, "ip", ip)
		}
	case ScopeComposite:
		if userID == "" {
			userID = "anonymous"
		}
		parts = append(parts, "ip", ip, "user", userID)
	default:
		parts = append(parts, "ip", ip)
	}

	return strings.Join(parts, ":")
}
