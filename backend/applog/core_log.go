// Package applog 收集内核子进程的 stdout/stderr 并支持按偏移量读取。
package applog

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxChunkBytes int64 = 512 * 1024

// CoreLog 内核日志收集器。
// 监管驱动把子进程输出接进 Writer()；API 层用 Since 做增量拉取。
type CoreLog struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewCoreLog 创建收集器；文件按追加打开，目录自动创建。
func NewCoreLog(path string) *CoreLog {
	return &CoreLog{path: path}
}

// Path 返回日志文件路径
func (l *CoreLog) Path() string { return l.path }

// Writer 返回追加写入器，供子进程的 Stdout/Stderr 使用。
// 文件懒打开；打开失败时返回 io.Discard，收集是尽力而为的。
func (l *CoreLog) Writer() io.Writer { return writerFunc(l.write) }

type writerFunc func(p []byte) (int, error)

func (w writerFunc) Write(p []byte) (int, error) { return w(p) }

func (l *CoreLog) write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			return len(p), nil
		}
		f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return len(p), nil
		}
		l.file = f
	}
	n, err := l.file.Write(p)
	if err != nil {
		// 写失败丢弃而不是让子进程的管道阻塞
		return len(p), nil
	}
	return n, nil
}

// Close 关闭底层文件
func (l *CoreLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Snapshot 一次增量读取的结果
type Snapshot struct {
	Running   bool   `json:"running"`
	Pid       int    `json:"pid,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`
	Path      string `json:"path,omitempty"`

	From int64  `json:"from"`
	To   int64  `json:"to"`
	End  int64  `json:"end"`
	Lost bool   `json:"lost"`
	Text string `json:"text"`

	Error string `json:"error,omitempty"`
}

// Since 从偏移 since 读取一段日志。
// 偏移越过文件末尾（轮转/清空）时从头重读并置 Lost。
func (l *CoreLog) Since(since int64, running bool, pid int, startedAt time.Time) Snapshot {
	snap := Snapshot{
		Running: running,
		Pid:     pid,
		Path:    l.path,
	}
	if !startedAt.IsZero() {
		snap.StartedAt = startedAt.Format(time.RFC3339Nano)
	}

	from, to, end, lost, text, err := readChunk(l.path, since, maxChunkBytes)
	snap.From = from
	snap.To = to
	snap.End = end
	snap.Lost = lost
	snap.Text = text
	if err != nil {
		snap.Error = err.Error()
	}
	return snap
}

func readChunk(path string, since, maxBytes int64) (from, to, end int64, lost bool, text string, err error) {
	if since < 0 {
		since = 0
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, 0, false, "", nil
		}
		return 0, 0, 0, false, "", err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, 0, 0, false, "", err
	}
	end = st.Size()

	from = since
	if from > end {
		from = 0
		lost = true
	}

	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return 0, 0, 0, false, "", err
	}

	remaining := end - from
	if remaining <= 0 {
		return from, from, end, lost, "", nil
	}
	toRead := remaining
	if toRead > maxBytes {
		toRead = maxBytes
	}

	data, err := io.ReadAll(io.LimitReader(f, toRead))
	if err != nil {
		return 0, 0, 0, false, "", err
	}
	to = from + int64(len(data))
	return from, to, end, lost, string(data), nil
}
