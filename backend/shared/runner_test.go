package shared

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"

	"kiri/backend/domain"
)

func TestExecRunner_Success(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	out, err := NewExecRunner().Run(context.Background(), "sh", []string{"-c", "echo hello"}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("output = %q, want %q", strings.TrimSpace(out), "hello")
	}
}

func TestExecRunner_NonzeroExitCarriesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	_, err := NewExecRunner().Run(context.Background(), "sh", []string{"-c", "echo boom >&2; exit 3"}, nil)
	if err == nil {
		t.Fatal("expected error for nonzero exit")
	}
	var cmdErr *domain.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error type = %T, want *domain.CommandError", err)
	}
	if cmdErr.Executable != "sh" {
		t.Errorf("Executable = %q, want %q", cmdErr.Executable, "sh")
	}
	if !strings.Contains(cmdErr.Output, "boom") {
		t.Errorf("Output = %q, want stderr captured", cmdErr.Output)
	}
	if !strings.Contains(cmdErr.Error(), "boom") {
		t.Errorf("Error() = %q, want embedded output", cmdErr.Error())
	}
}

func TestExecRunner_MissingExecutable(t *testing.T) {
	_, err := NewExecRunner().Run(context.Background(), "kiri-no-such-tool", nil, nil)
	if !errors.Is(err, domain.ErrExecutableNotFound) {
		t.Errorf("err = %v, want ErrExecutableNotFound", err)
	}
}

func TestExecRunner_EnvOverride(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	out, err := NewExecRunner().Run(context.Background(), "sh", []string{"-c", "printf %s \"$KIRI_PROBE\""},
		map[string]string{"KIRI_PROBE": "42"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "42" {
		t.Errorf("output = %q, want %q", out, "42")
	}
}

func TestMergeEnv(t *testing.T) {
	got := MergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "20", "C": "3"})
	want := []string{"A=1", "B=20", "C=3"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("merged[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
