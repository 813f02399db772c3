package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	xerrors "nets-observer/internal/errors"
)

// Invocation 描述一次 trace 生成所需的引擎参数。
type Invocation struct {
	System    string
	Agent     string
	AgentUnit string
	Output    string
}

// Engine 抽象外部执行引擎。返回 nil 表示 Output 已写出。
type Engine interface {
	Trace(ctx context.Context, inv Invocation) error
}

// ExecEngine 以子进程方式调用 nets 可执行文件。
type ExecEngine struct {
	bin        string
	workingDir string
}

// NewExecEngine 创建子进程引擎，bin 为空时使用 "nets"。
func NewExecEngine(bin, workingDir string) *ExecEngine {
	if strings.TrimSpace(bin) == "" {
		bin = "nets"
	}
	return &ExecEngine{bin: bin, workingDir: workingDir}
}

// Args 返回固定的参数约定。
func (e *ExecEngine) Args(inv Invocation) []string {
	return []string{
		"trace",
		"--system", inv.System,
		"--agent", inv.Agent,
		"--agent-wasm", inv.AgentUnit,
		"--out", inv.Output,
	}
}

// Trace 同步运行引擎，非零退出时携带 stderr（为空则 stdout）返回。
func (e *ExecEngine) Trace(ctx context.Context, inv Invocation) error {
	command := exec.CommandContext(ctx, e.bin, e.Args(inv)...)
	if e.workingDir != "" {
		command.Dir = e.workingDir
	}

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}
		return xerrors.Wrap(xerrors.CodeExternalFailure, err, fmt.Sprintf("nets trace failed: %s", output),
			xerrors.WithMetadata("system", inv.System),
			xerrors.WithMetadata("agent", inv.Agent),
			xerrors.WithMetadata("stderr", output))
	}
	return nil
}
