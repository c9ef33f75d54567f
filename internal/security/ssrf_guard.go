// Package security はアプリケーションのセキュリティ機能を提供する。
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

// defaultWebhookPorts はWebhook送信先として許可するデフォルトのポート。
var defaultWebhookPorts = []int{443}

// blockedNetworks はWebhook送信先として拒否するネットワーク範囲。
// パッケージ初期化時に1回だけパースし、ValidateURLでの静的検証に使用する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"100.64.0.0/10",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// WebhookGuard はプッシュ配信用Webhookゲートウェイへの送信を
// 内部ネットワークに向けさせないためのガード。
// 送信先URLは設定値だが、設定ミスや改ざんで内部サービスを叩くことを防ぐ。
type WebhookGuard struct {
	ports []int
}

// NewWebhookGuard はWebhookGuardを生成する。portsが空の場合は443のみ許可する。
func NewWebhookGuard(ports ...int) *WebhookGuard {
	if len(ports) == 0 {
		ports = defaultWebhookPorts
	}
	return &WebhookGuard{ports: ports}
}

// NewSafeClient はsafeurlによるSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlはDialerのControlフックでDNS解決後のIPアドレスを検証するため、
// プライベートIP・ループバック・リンクローカルへの接続とDNS再バインディングを防ぐ。
func (g *WebhookGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(g.ports...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はWebhook送信先URLを起動時に静的検証する。
// httpsスキーム、許可ポート、ブロック対象外のホストであることを確認する。
// DNS解決後の検証はNewSafeClientのクライアント側で行われる。
func (g *WebhookGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("disallowed scheme: %s (allowed: https)", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if p := parsed.Port(); p != "" && !g.portAllowed(p) {
		return fmt.Errorf("disallowed port: %s (allowed: %v)", p, g.ports)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

func (g *WebhookGuard) portAllowed(port string) bool {
	for _, p := range g.ports {
		if fmt.Sprint(p) == port {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
