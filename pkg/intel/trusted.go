package intel

import (
	"net"
	"strings"
	"sync"

	"go-beaconsoc/pkg/logger"
)

// TrustedNetworks 运维出口、内部扫描器等可信网段，按私有地址处理
type TrustedNetworks struct {
	nets []*net.IPNet
	mu   sync.RWMutex
}

func NewTrustedNetworks(entries []string) *TrustedNetworks {
	t := &TrustedNetworks{}
	if len(entries) > 0 {
		t.Update(entries)
	}
	return t
}

// Update 替换全部网段，支持单个 IP 和 CIDR
func (t *TrustedNetworks) Update(entries []string) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// 处理CIDR格式
		if !strings.Contains(entry, "/") {
			if strings.Contains(entry, ":") {
				entry += "/128"
			} else {
				entry += "/32"
			}
		}

		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Log.Errorf("无效的CIDR格式: %s, 错误: %v", entry, err)
			continue
		}
		nets = append(nets, ipnet)
	}

	t.mu.Lock()
	t.nets = nets
	t.mu.Unlock()

	logger.Log.Infof("可信网段更新完成，共 %d 条记录", len(nets))
}

func (t *TrustedNetworks) Contains(ip net.IP) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, ipnet := range t.nets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// Len 网段数量
func (t *TrustedNetworks) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nets)
}
