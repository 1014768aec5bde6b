package intel

import (
	"strconv"
	"strings"
)

// DefaultVPNKeywords 云厂商和托管商关键字，ISP 和组织名共用
var DefaultVPNKeywords = []string{
	"amazon", "aws", "google", "azure", "ovh",
	"digitalocean", "linode", "hetzner", "vultr",
	"vpn", "hosting", "cloud", "datacenter",
}

// DefaultHostingASNs 常见云主机和 VPN 出口的 ASN
var DefaultHostingASNs = map[uint]string{
	16509:  "Amazon.com (AWS)",
	14618:  "Amazon.com (AWS)",
	15169:  "Google Cloud",
	396982: "Google Cloud",
	8075:   "Microsoft Azure",
	14061:  "DigitalOcean",
	24940:  "Hetzner Online GmbH",
	16276:  "OVH SAS",
	12876:  "Online S.A.S. (Scaleway)",
	20473:  "Choopa, LLC (Vultr)",
	60068:  "Datacamp Limited (CDN77)",
	9009:   "M247 Europe",
	63949:  "Linode",
	36352:  "ColoCrossing",
}

// VPNHeuristic 基于名称关键字和 ASN 的启发式判断。
// 只是风险信号：云上的正常用户和企业出口同样会命中，误报不可避免。
type VPNHeuristic struct {
	keywords []string
	asns     map[uint]string
}

func NewVPNHeuristic(keywords []string, asns map[uint]string) *VPNHeuristic {
	if len(keywords) == 0 {
		keywords = DefaultVPNKeywords
	}
	if asns == nil {
		asns = DefaultHostingASNs
	}
	lower := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lower = append(lower, k)
		}
	}
	return &VPNHeuristic{keywords: lower, asns: asns}
}

// LooksLikeVPN ISP/组织名大小写不敏感的子串匹配
func (v *VPNHeuristic) LooksLikeVPN(isp string) bool {
	if isp == "" {
		return false
	}
	isp = strings.ToLower(isp)
	for _, k := range v.keywords {
		if strings.Contains(isp, k) {
			return true
		}
	}
	return false
}

// HostingASN 接受 "AS16509" 或 "16509"
func (v *VPNHeuristic) HostingASN(asn string) bool {
	asn = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(asn)), "AS")
	n, err := strconv.ParseUint(asn, 10, 32)
	if err != nil {
		return false
	}
	_, ok := v.asns[uint(n)]
	return ok
}
