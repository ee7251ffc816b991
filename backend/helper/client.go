// Package helper 是特权助手进程的客户端。
//
// 助手以 root 运行，监听一个本地 unix socket，提供两类操作：系统网络
// 偏好写入（enable/disable proxy）和内核子进程控制（start/stop）。这里
// 只消费这两类操作；助手自身的注册/安装生命周期在别处管理。
package helper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"kiri/backend/domain"
)

const requestIDHeader = "X-Kiri-Request-Id"

// Client 通过 unix socket 上的 HTTP/JSON 与助手通信。
// 瞬时失败（助手正在重启等）按指数退避重试。
type Client struct {
	socketPath string
	http       *retryablehttp.Client
}

// NewClient 创建助手客户端
func NewClient(socketPath string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 1 * time.Second
	rc.Logger = nil
	rc.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	return &Client{socketPath: socketPath, http: rc}
}

// ProxySettings 助手写入系统网络偏好的参数
type ProxySettings struct {
	HTTPPort        int      `json:"httpPort"`
	SocksPort       int      `json:"socksPort"`
	PACURL          string   `json:"pacUrl,omitempty"`
	FilterInterface bool     `json:"filterInterface"`
	IgnoreList      []string `json:"ignoreList,omitempty"`
}

// ProcessSpec 助手拉起内核子进程的参数
type ProcessSpec struct {
	ExecutablePath string   `json:"executablePath"`
	ConfigPaths    []string `json:"configPaths"`
}

// EnableProxy 让助手将代理写入系统网络偏好（root 级，跨所有网络服务）。
// PACURL 非空时写 PAC 配置，否则写 HTTP/HTTPS/SOCKS 手动代理。
func (c *Client) EnableProxy(ctx context.Context, settings ProxySettings) error {
	return c.post(ctx, "/proxy/enable", settings)
}

// DisableProxy 让助手清除系统网络偏好中的代理设置
func (c *Client) DisableProxy(ctx context.Context, filterInterface bool) error {
	return c.post(ctx, "/proxy/disable", map[string]bool{"filterInterface": filterInterface})
}

// StartProcess 让助手以 root 拉起内核子进程
func (c *Client) StartProcess(ctx context.Context, spec ProcessSpec) error {
	return c.post(ctx, "/process/start", spec)
}

// StopProcess 让助手终止其拉起的内核子进程
func (c *Client) StopProcess(ctx context.Context) error {
	return c.post(ctx, "/process/stop", struct{}{})
}

// Ping 探测助手是否可达
func (c *Client) Ping(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, "http://helper/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSystemConfigurationUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: helper ping returned %s", domain.ErrSystemConfigurationUnavailable, resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode helper request: %w", err)
	}

	// Host 部分被 unix DialContext 忽略，仅用于构造合法 URL。
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, "http://helper"+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSystemConfigurationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("helper %s failed: %s", path, msg)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
