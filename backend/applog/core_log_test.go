package applog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestCoreLog_WriteAndSince(t *testing.T) {
	l := NewCoreLog(filepath.Join(t.TempDir(), "core.log"))
	defer l.Close()

	w := l.Writer()
	if _, err := w.Write([]byte("line one\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("line two\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap := l.Since(0, true, 123, time.Now())
	if snap.Text != "line one\nline two\n" {
		t.Errorf("Text = %q", snap.Text)
	}
	if snap.Pid != 123 || !snap.Running {
		t.Errorf("metadata lost: %+v", snap)
	}

	// 增量读取：从上次 To 继续
	if _, err := w.Write([]byte("line three\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	next := l.Since(snap.To, true, 123, time.Now())
	if next.Text != "line three\n" {
		t.Errorf("incremental Text = %q", next.Text)
	}
	if next.Lost {
		t.Error("Lost set on forward read")
	}
}

func TestCoreLog_SinceBeyondEndRestartsFromZero(t *testing.T) {
	l := NewCoreLog(filepath.Join(t.TempDir(), "core.log"))
	defer l.Close()

	l.Writer().Write([]byte("short\n"))
	snap := l.Since(10_000, false, 0, time.Time{})
	if !snap.Lost {
		t.Error("Lost not set when offset beyond end")
	}
	if snap.Text != "short\n" {
		t.Errorf("Text = %q, want full reread", snap.Text)
	}
}

func TestCoreLog_SinceMissingFile(t *testing.T) {
	l := NewCoreLog(filepath.Join(t.TempDir(), "never-written.log"))
	snap := l.Since(0, false, 0, time.Time{})
	if snap.Error != "" || snap.Text != "" || snap.End != 0 {
		t.Errorf("missing file should read as empty: %+v", snap)
	}
}
