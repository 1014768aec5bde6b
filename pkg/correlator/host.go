package correlator

import (
	"net"
	"os"
)

// HostInfo 记录事件的本机信息，多实例部署时区分采集节点
type HostInfo struct {
	IP       string
	Hostname string
}

// DetectHost 取主机名和第一个非回环 IPv4 地址，失败的字段留空
func DetectHost() HostInfo {
	var h HostInfo
	if name, err := os.Hostname(); err == nil {
		h.Hostname = name
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return h
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			h.IP = v4.String()
			break
		}
	}
	return h
}
