package ratelimiter

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPSet IP与CIDR集合
type IPSet struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// NewIPSet 解析IP或CIDR列表
func NewIPSet(entries []string) (*IPSet, error) {
	s := &IPSet{addrs: make(map[netip.Addr]struct{})}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("无效的CIDR %q: %w", entry, err)
			}
			s.prefixes = append(s.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("无效的IP %q: %w", entry, err)
		}
		s.addrs[addr.Unmap().WithZone("")] = struct{}{}
	}
	return s, nil
}

// Contains 判断IP是否在集合中
func (s *IPSet) Contains(ip string) bool {
	if s == nil {
		return false
	}
	addr, err := netip.ParseAddr(NormalizeIP(ip))
	if err != nil {
		return false
	}
	if _, ok := s.addrs[addr]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Len 条目数量
func (s *IPSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.addrs) + len(s.prefixes)
}

// NormalizeIP 规范化客户端IP：去掉端口、zone，IPv4映射地址转为点分格式
//
// 无法解析时返回去除空白后的原始字符串。
func NormalizeIP(raw string) string {
	s := strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return s
	}
	return addr.Unmap().WithZone("").String()
}

// ClientIP 从请求中提取客户端IP
//
// 只有直连地址属于可信代理时才采信 X-Forwarded-For / X-Real-IP。
// X-Forwarded-For 从右向左跳过可信代理，取第一个非可信地址。
func ClientIP(r *http.Request, trusted *IPSet) string {
	peer := NormalizeIP(r.RemoteAddr)
	if trusted.Len() == 0 || !trusted.Contains(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := NormalizeIP(hops[i])
			if hop == "" {
				continue
			}
			if !trusted.Contains(hop) || i == 0 {
				return hop
			}
		}
	}

	if realIP := NormalizeIP(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	return peer
}
