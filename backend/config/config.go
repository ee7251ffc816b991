// Package config 加载守护进程配置：配置文件 + KIRI_* 环境变量覆盖。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/viper"

	"kiri/backend/domain"
)

// Config 守护进程全部可调参数
type Config struct {
	// Listen API 监听地址
	Listen string `mapstructure:"listen"`
	// Dev 开发模式：debug 日志 + gin debug 输出
	Dev bool `mapstructure:"dev"`
	// DataDir 设置文件与内核日志的存放目录
	DataDir string `mapstructure:"data_dir"`

	Core    CoreConfig    `mapstructure:"core"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Helper  HelperConfig  `mapstructure:"helper"`
	Capture CaptureConfig `mapstructure:"capture"`
}

// CoreConfig 外部内核进程的启动参数
type CoreConfig struct {
	// BinaryPath 内核可执行文件路径
	BinaryPath string `mapstructure:"binary_path"`
	// ConfigDir 传给内核的配置目录
	ConfigDir string `mapstructure:"config_dir"`
	// ExtraArgs 附加命令行，按 shell 规则切分
	ExtraArgs string `mapstructure:"extra_args"`
	// Env 仅 manual 模式注入内核的环境变量覆盖
	Env map[string]string `mapstructure:"env"`
}

// ProxyConfig 捕获指向的本机代理入站
type ProxyConfig struct {
	HTTPPort  int    `mapstructure:"http_port"`
	SocksPort int    `mapstructure:"socks_port"`
	PACURL    string `mapstructure:"pac_url"`
	// FilterInterface 只改有线/Wi-Fi 网络服务
	FilterInterface bool `mapstructure:"filter_interface"`
	// IgnoreList 代理例外主机
	IgnoreList []string `mapstructure:"ignore_list"`
}

// HelperConfig 特权助手连接参数
type HelperConfig struct {
	// SocketPath 助手的 unix socket；为空则不启用助手驱动
	SocketPath string `mapstructure:"socket_path"`
}

// CaptureConfig 编排器行为参数
type CaptureConfig struct {
	// SettingsPath 捕获设置文件；为空则落在 DataDir 下
	SettingsPath string `mapstructure:"settings_path"`
	// AttemptTimeout 单驱动激活超时；0 表示不限
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// Load 读取配置。path 为空时按默认位置找 kiri.yaml，找不到就全用默认值。
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kiri")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".kiri"))
		}
	}

	setDefaults(v)
	v.SetEnvPrefix("KIRI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// 默认位置找不到配置文件不算错误
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDerived(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:9870")
	v.SetDefault("dev", false)
	v.SetDefault("data_dir", "")
	v.SetDefault("core.binary_path", "")
	v.SetDefault("core.config_dir", "")
	v.SetDefault("core.extra_args", "")
	v.SetDefault("proxy.http_port", 7890)
	v.SetDefault("proxy.socks_port", 7891)
	v.SetDefault("proxy.pac_url", "")
	v.SetDefault("proxy.filter_interface", true)
	v.SetDefault("proxy.ignore_list", []string{"127.0.0.1", "localhost", "*.local"})
	v.SetDefault("helper.socket_path", "")
	v.SetDefault("capture.settings_path", "")
	v.SetDefault("capture.attempt_timeout", time.Duration(0))
}

// applyDerived 补齐依赖 DataDir 的默认路径
func applyDerived(cfg *Config) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		cfg.DataDir = filepath.Join(home, ".kiri")
	}
	if cfg.Capture.SettingsPath == "" {
		cfg.Capture.SettingsPath = filepath.Join(cfg.DataDir, "capture-settings.json")
	}
	if cfg.Core.ConfigDir == "" {
		cfg.Core.ConfigDir = cfg.DataDir
	}
}

// CoreLogPath 内核 stdout/stderr 的落盘位置
func (c *Config) CoreLogPath() string {
	return filepath.Join(c.DataDir, "core.log")
}

// CoreExtraArgs 切分附加内核参数
func (c *Config) CoreExtraArgs() ([]string, error) {
	if strings.TrimSpace(c.Core.ExtraArgs) == "" {
		return nil, nil
	}
	args, err := shlex.Split(c.Core.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("parse core.extra_args: %w", err)
	}
	return args, nil
}

// ActivationContext 按模式构造激活上下文：端口与配置目录总是携带；
// PAC URL 只给 pac 模式；环境变量覆盖只给 manual 模式。
func (c *Config) ActivationContext(mode domain.CaptureMode) domain.ActivationContext {
	actx := domain.ActivationContext{
		HTTPPort:  c.Proxy.HTTPPort,
		SocksPort: c.Proxy.SocksPort,
		ConfigDir: c.Core.ConfigDir,
	}
	switch mode {
	case domain.ModePAC:
		actx.PACURL = c.Proxy.PACURL
	case domain.ModeManual:
		if len(c.Core.Env) > 0 {
			actx.Env = c.Core.Env
		}
	}
	return actx
}
