package config

import "os"

// ProxyConfig holds outbound proxy settings for agent connections.
type ProxyConfig struct {
	HTTPProxy   string
	HTTPSProxy  string
	SOCKS5Proxy string
	NoProxy     string
}

// HasProxy reports whether any proxy is configured.
func (c *ProxyConfig) HasProxy() bool {
	return c != nil && (c.HTTPProxy != "" || c.HTTPSProxy != "" || c.SOCKS5Proxy != "")
}

// LoadProxyConfig reads proxy settings from the conventional environment
// variables. It returns nil when none are set. Remote agents usually live on
// private networks, so proxying is opt-in via COLLECT_USE_PROXY.
func LoadProxyConfig() *ProxyConfig {
	if !getEnvBool("COLLECT_USE_PROXY", false) {
		return nil
	}
	cfg := &ProxyConfig{
		HTTPProxy:   firstEnv("HTTP_PROXY", "http_proxy"),
		HTTPSProxy:  firstEnv("HTTPS_PROXY", "https_proxy"),
		SOCKS5Proxy: os.Getenv("SOCKS5_PROXY"),
		NoProxy:     firstEnv("NO_PROXY", "no_proxy"),
	}
	if !cfg.HasProxy() {
		return nil
	}
	return cfg
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
