package intel

import (
	"context"
	"net"
	"strings"
	"time"

	"go-beaconsoc/pkg/geoip"
	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/metrics"
	"go-beaconsoc/pkg/models"
)

var reservedNets = mustParseCIDRs(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
	"2001:db8::/32",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// NonRoutable 私有、回环、链路本地、组播、未指定和保留地址在网络层无法匿名化
func NonRoutable(ip net.IP) bool {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	for _, n := range reservedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Analyzer IP 匿名网络情报
type Analyzer struct {
	tor        *TorCache
	vpn        *VPNHeuristic
	geo        geoip.Locator
	trusted    *TrustedNetworks
	geoTimeout time.Duration
}

// NewAnalyzer geo 和 trusted 可以为 nil
func NewAnalyzer(tor *TorCache, vpn *VPNHeuristic, geo geoip.Locator, trusted *TrustedNetworks, geoTimeout time.Duration) *Analyzer {
	if vpn == nil {
		vpn = NewVPNHeuristic(nil, nil)
	}
	if geoTimeout <= 0 {
		geoTimeout = 2 * time.Second
	}
	return &Analyzer{tor: tor, vpn: vpn, geo: geo, trusted: trusted, geoTimeout: geoTimeout}
}

// Private 无效地址、不可路由地址和可信网段都视为内网
func (a *Analyzer) Private(ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return true
	}
	if NonRoutable(ip) {
		return true
	}
	return a.trusted != nil && a.trusted.Contains(ip)
}

// IsTor 出口节点集合成员判断
func (a *Analyzer) IsTor(ctx context.Context, ip string) bool {
	if a.tor == nil {
		return false
	}
	return a.tor.Contains(ctx, ip)
}

// LooksLikeVPN 启发式，容易误报
func (a *Analyzer) LooksLikeVPN(isp string) bool {
	return a.vpn.LooksLikeVPN(isp)
}

// Analyze 内网地址直接返回非 TOR 非 VPN；地理查询失败时 ASN/组织留空
func (a *Analyzer) Analyze(ctx context.Context, ipStr string) models.IPIntel {
	ipStr = strings.TrimSpace(ipStr)
	result := models.IPIntel{IP: ipStr, Scope: models.ScopePrivate}
	if a.Private(ipStr) {
		return result
	}
	result.Scope = models.ScopePublic
	result.Tor = a.IsTor(ctx, ipStr)

	if geo := a.lookup(ctx, ipStr); geo != nil {
		result.Geo = geo
		result.ASN = geo.ASN
		result.Org = geo.ISP
	}
	result.VPN = a.vpn.LooksLikeVPN(result.Org) || a.vpn.HostingASN(result.ASN)
	return result
}

func (a *Analyzer) lookup(ctx context.Context, ip string) *models.GeoRecord {
	if a.geo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.geoTimeout)
	defer cancel()

	geo, err := a.geo.Lookup(ctx, ip)
	if err != nil {
		metrics.GeoLookupFailures.Inc()
		logger.Log.Warnf("地理位置查询失败: ip=%s, error=%v", ip, err)
		return nil
	}
	return geo
}
