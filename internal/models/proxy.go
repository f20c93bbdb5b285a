package models

import (
	"net"
	"strconv"
	"time"
)

// Supported proxy protocols.
const (
	ProtocolHTTP   = "http"
	ProtocolHTTPS  = "https"
	ProtocolSOCKS4 = "socks4"
	ProtocolSOCKS5 = "socks5"
)

// Protocols lists every protocol the pool can probe, in ingestion order.
var Protocols = []string{ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5}

// Proxy represents one egress endpoint identified by (address, port, protocol).
type Proxy struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement"`                                              // Primary key.
	Address      string     `gorm:"type:varchar(255);not null;uniqueIndex:uq_proxies_endpoint,priority:1"` // Host or IP of the endpoint.
	Port         int        `gorm:"not null;uniqueIndex:uq_proxies_endpoint,priority:2"`                   // TCP port.
	Protocol     string     `gorm:"type:varchar(10);not null;uniqueIndex:uq_proxies_endpoint,priority:3"`  // http, https, socks4 or socks5.
	RealIP       string     `gorm:"type:varchar(45);not null;index"`                                       // Observed exit IP.
	Score        float64    `gorm:"not null;index"`                                                        // Quality estimate in [0,1].
	GoodCount    int64      `gorm:"not null"`                                                              // Successful probes.
	BadCount     int64      `gorm:"not null"`                                                              // Failed probes.
	ResponseTime *float64   // Latency in seconds of the last successful probe.
	UsedCount    int64      `gorm:"not null"`                // Times a worker reported using the proxy.
	LastChecked  *time.Time `gorm:"index"`                   // Last probe attempt.
	CreatedAt    time.Time  `gorm:"not null;autoCreateTime"` // Insertion timestamp.
}

// HostPort returns the dialable "address:port" form.
func (p *Proxy) HostPort() string {
	if p == nil {
		return ""
	}
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// URL returns the proxy in scheme://address:port form.
func (p *Proxy) URL() string {
	if p == nil {
		return ""
	}
	return p.Protocol + "://" + p.HostPort()
}

// IsSupportedProtocol reports whether protocol is one the pool knows how to probe.
func IsSupportedProtocol(protocol string) bool {
	for _, known := range Protocols {
		if protocol == known {
			return true
		}
	}
	return false
}
