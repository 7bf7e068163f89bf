// Package security はメディアダウンロード時のSSRF防止と、
// 外部から受け取ったテキストのサニタイズを提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// DownloadGuard はダウンロード先URLの検証と、SSRF防止付きHTTPクライアントの生成を行う。
// Photos APIが返すbaseUrlは外部入力として扱う。
type DownloadGuard interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// 接続時にDNS解決後のIPアドレスを検証するため、DNS再バインディングも防げる。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はリクエスト前にURLを静的に検証する。
	ValidateURL(rawURL string) error
}

// allowedSchemes はダウンロードで許可するURLスキーム。
var allowedSchemes = []string{"https"}

// blockedNetworks はブロック対象のネットワーク範囲。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",     // RFC 1918
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"127.0.0.0/8",    // ループバック
	"169.254.0.0/16", // リンクローカル（メタデータIPを含む）
	"100.64.0.0/10",  // CGNAT
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		networks = append(networks, network)
	}
	return networks
}

// ssrfGuard はDownloadGuardの実装。
type ssrfGuard struct {
	// allowedHostSuffixes が空でなければ、ホストはいずれかのサフィックスに一致する必要がある。
	allowedHostSuffixes []string
}

// NewSSRFGuard はDownloadGuardを生成する。
// allowedHostSuffixesを指定すると、そのドメインとサブドメイン以外へのダウンロードを拒否する。
func NewSSRFGuard(allowedHostSuffixes ...string) *ssrfGuard {
	suffixes := make([]string, 0, len(allowedHostSuffixes))
	for _, s := range allowedHostSuffixes {
		s = strings.ToLower(strings.Trim(strings.TrimSpace(s), "."))
		if s != "" {
			suffixes = append(suffixes, s)
		}
	}
	return &ssrfGuard{allowedHostSuffixes: suffixes}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを生成する。
// プライベート、ループバック、リンクローカルの各アドレスへの接続はDialer段階で拒否される。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はURLのスキーム、ホスト、IPアドレスを検証する。
// DNS解決は行わない。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, allowedSchemes)
	}
	if parsed.User != nil {
		return fmt.Errorf("userinfo is not allowed in URL")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
	} else if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	if !g.hostAllowed(host) {
		return fmt.Errorf("host %s is not in the download allowlist", host)
	}
	return nil
}

func (g *ssrfGuard) hostAllowed(host string) bool {
	if len(g.allowedHostSuffixes) == 0 {
		return true
	}
	for _, suffix := range g.allowedHostSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
