// Package netinspect 通过系统工具读取当前网络状态，供驱动自检使用。
package netinspect

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"kiri/backend/shared"
)

// Inspector 网络状态检查器
type Inspector struct {
	runner shared.Runner
}

// NewInspector 创建检查器
func NewInspector(runner shared.Runner) *Inspector {
	return &Inspector{runner: runner}
}

// proxyState scutil --proxy 的解析结果
type proxyState struct {
	httpEnabled  bool
	httpHost     string
	httpPort     int
	socksEnabled bool
	socksHost    string
	socksPort    int
	pacEnabled   bool
	pacURL       string
}

// IsProxySetToExpected 检查系统代理是否指向本机的预期端口。
// strict 模式要求 HTTP 与 SOCKS 同时启用并匹配；非 strict 任一匹配即可。
func (i *Inspector) IsProxySetToExpected(ctx context.Context, httpPort, socksPort int, strict bool) (bool, error) {
	out, err := i.runner.Run(ctx, "scutil", []string{"--proxy"}, nil)
	if err != nil {
		return false, fmt.Errorf("read proxy state: %w", err)
	}
	st := parseScutilProxy(out)

	httpOK := st.httpEnabled && isLoopback(st.httpHost) && st.httpPort == httpPort
	socksOK := st.socksEnabled && isLoopback(st.socksHost) && st.socksPort == socksPort
	if strict {
		return httpOK && socksOK, nil
	}
	return httpOK || socksOK, nil
}

// IsPACSetTo 检查系统是否启用了指向给定 URL 的 PAC 配置
func (i *Inspector) IsPACSetTo(ctx context.Context, pacURL string) (bool, error) {
	out, err := i.runner.Run(ctx, "scutil", []string{"--proxy"}, nil)
	if err != nil {
		return false, fmt.Errorf("read proxy state: %w", err)
	}
	st := parseScutilProxy(out)
	return st.pacEnabled && st.pacURL == pacURL, nil
}

// PrimaryInterfaceName 返回默认路由使用的接口名（如 en0）
func (i *Inspector) PrimaryInterfaceName(ctx context.Context) (string, error) {
	out, err := i.runner.Run(ctx, "route", []string{"-n", "get", "default"}, nil)
	if err != nil {
		return "", fmt.Errorf("read default route: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "interface:"); ok {
			name := strings.TrimSpace(rest)
			if name != "" {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("no interface in default route output")
}

// InterfaceExists 检查接口是否存在（ifconfig 非零退出视为不存在）
func (i *Inspector) InterfaceExists(ctx context.Context, name string) bool {
	_, err := i.runner.Run(ctx, "ifconfig", []string{name}, nil)
	return err == nil
}

func parseScutilProxy(out string) proxyState {
	var st proxyState
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "HTTPEnable":
			st.httpEnabled = value == "1"
		case "HTTPProxy":
			st.httpHost = value
		case "HTTPPort":
			st.httpPort, _ = strconv.Atoi(value)
		case "SOCKSEnable":
			st.socksEnabled = value == "1"
		case "SOCKSProxy":
			st.socksHost = value
		case "SOCKSPort":
			st.socksPort, _ = strconv.Atoi(value)
		case "ProxyAutoConfigEnable":
			st.pacEnabled = value == "1"
		case "ProxyAutoConfigURLString":
			st.pacURL = value
		}
	}
	return st
}

func isLoopback(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}
