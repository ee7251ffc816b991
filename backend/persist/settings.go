package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"kiri/backend/domain"
)

// Settings 跨重启保留的捕获偏好。
// 磁盘格式是纯字符串：模式标识 → 驱动标识映射、上次选中的模式、自动回退开关。
type Settings struct {
	SelectedMode     string            `json:"selectedMode"`
	PreferredDrivers map[string]string `json:"preferredDrivers"`
	AutoFallback     bool              `json:"autoFallback"`
}

// FileStore 基于 JSON 文件的设置存储
type FileStore struct {
	path string

	mu sync.Mutex
}

// NewFileStore 创建设置存储；目录在首次保存时创建。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load 读取设置。文件不存在返回零值；未知模式字符串被丢弃而不是报错
// （未知驱动字符串由编排器在构造时对照注册表丢弃）。
func (s *FileStore) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{PreferredDrivers: map[string]string{}}, nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}

	var st Settings
	if err := json.Unmarshal(raw, &st); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	return sanitize(st), nil
}

// Save 原子写入设置（临时文件 + rename）
func (s *FileStore) Save(st Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st = sanitize(st)
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// sanitize 丢弃未知模式；保持驱动字符串原样（往返必须逐字节保留）。
func sanitize(st Settings) Settings {
	out := Settings{
		AutoFallback:     st.AutoFallback,
		PreferredDrivers: map[string]string{},
	}
	if _, ok := domain.ParseCaptureMode(st.SelectedMode); ok {
		out.SelectedMode = st.SelectedMode
	}
	for mode, driver := range st.PreferredDrivers {
		if _, ok := domain.ParseCaptureMode(mode); !ok {
			continue
		}
		if driver == "" {
			continue
		}
		out.PreferredDrivers[mode] = driver
	}
	return out
}
