package shared

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"kiri/backend/domain"
)

// Runner 在异步调用方内同步执行外部命令。
// 非零退出时返回 *domain.CommandError，携带合并的 stdout+stderr 文本。
type Runner interface {
	Run(ctx context.Context, name string, args []string, env map[string]string) (string, error)
}

// ExecRunner 基于 os/exec 的默认实现
type ExecRunner struct{}

func NewExecRunner() *ExecRunner { return &ExecRunner{} }

// Run 执行命令并等待退出，返回合并输出。
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, env map[string]string) (string, error) {
	if _, err := exec.LookPath(name); err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, name)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = MergeEnv(cmd.Environ(), env)
	}
	out, err := cmd.CombinedOutput()
	output := string(out)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, &domain.CommandError{
				Executable: name,
				Args:       append([]string(nil), args...),
				Output:     output,
				Err:        err,
			}
		}
		return output, fmt.Errorf("run %s: %w", name, err)
	}
	return output, nil
}

// MergeEnv 将覆盖项合并进继承的环境（覆盖同名变量，输出确定有序）。
func MergeEnv(inherited []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return inherited
	}
	merged := make([]string, 0, len(inherited)+len(overrides))
	for _, kv := range inherited {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		merged = append(merged, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+overrides[k])
	}
	return merged
}
