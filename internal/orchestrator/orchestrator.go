// Package orchestrator 保证 (system, agent) 对应的 trace 文件存在，缺失时调用外部引擎生成。
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"nets-observer/internal/artifact"
	xerrors "nets-observer/internal/errors"
	"nets-observer/internal/observability/metrics"
	"nets-observer/pkg/logger"
)

// Result 是 EnsureTrace 的结果。
type Result struct {
	Path      string
	Generated bool
}

// Orchestrator 负责按需生成 trace，并合并同一 (system, agent) 的并发请求。
type Orchestrator struct {
	store     *artifact.Store
	engine    Engine
	agentsDir string
	flights   singleflight.Group
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithLogger 覆盖默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建 Orchestrator。
func New(store *artifact.Store, engine Engine, agentsDir string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		engine:    engine,
		agentsDir: agentsDir,
		logger:    logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// EnsureTrace 返回 trace 路径，文件缺失时生成。
//
// 同一 (system, agent) 的并发请求共享一次引擎调用。生成在后台上下文中运行，
// 调用方 ctx 结束只会让本次等待返回超时，生成本身继续进行，结果留给后续请求。
func (o *Orchestrator) EnsureTrace(ctx context.Context, system, agent string) (Result, error) {
	target, err := o.store.TracePath(system, agent)
	if err != nil {
		return Result{}, err
	}
	if readable(target) {
		return Result{Path: target}, nil
	}

	ch := o.flights.DoChan(system+"\x00"+agent, func() (any, error) {
		return o.generate(system, agent, target)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.IncTraceJoin()
		}
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "trace generation still running",
			xerrors.WithMetadata("system", system),
			xerrors.WithMetadata("agent", agent))
	}
}

// LocateAgent 查找 agent 的可执行单元：绝对路径按原样使用，
// 否则在 agents 目录下先找 <agent>.wasm，再找 <agent>。
func (o *Orchestrator) LocateAgent(agent string) (string, error) {
	if filepath.IsAbs(agent) {
		if info, err := os.Stat(agent); err == nil && info.Mode().IsRegular() {
			return filepath.Clean(agent), nil
		}
		return "", xerrors.New(xerrors.CodeAgentNotFound, "agent wasm not found",
			xerrors.WithMetadata("agent", agent))
	}
	if err := artifact.ValidateID("agent", agent); err != nil {
		return "", err
	}
	if o.agentsDir != "" {
		for _, candidate := range []string{
			filepath.Join(o.agentsDir, agent+".wasm"),
			filepath.Join(o.agentsDir, agent),
		} {
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				return candidate, nil
			}
		}
	}
	return "", xerrors.New(xerrors.CodeAgentNotFound, "agent wasm not found",
		xerrors.WithMetadata("agent", agent),
		xerrors.WithMetadata("agents_dir", o.agentsDir))
}

func (o *Orchestrator) generate(system, agent, target string) (Result, error) {
	// 排队期间可能已由上一轮生成写出。
	if readable(target) {
		return Result{Path: target}, nil
	}
	unit, err := o.LocateAgent(agent)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create trace dir failed")
	}

	// 引擎写入同目录的临时文件，成功后再重命名，读者不会看到写了一半的 trace。
	tmp := artifact.TempPath(target)
	inv := Invocation{System: system, Agent: agent, AgentUnit: unit, Output: tmp}
	logger.Audit().Info("trace generation started",
		slog.String("system", system), slog.String("agent", agent), slog.String("agent_unit", unit))

	start := time.Now()
	err = o.engine.Trace(context.Background(), inv)
	elapsed := time.Since(start)
	if err == nil && !readable(tmp) {
		err = xerrors.New(xerrors.CodeExternalFailure, "engine exited 0 but trace file is missing",
			xerrors.WithMetadata("path", tmp))
	}
	if err == nil {
		if rerr := os.Rename(tmp, target); rerr != nil {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, rerr, "publish trace failed",
				xerrors.WithMetadata("path", target))
		}
	}
	if err != nil {
		_ = os.Remove(tmp)
		e, ok := xerrors.From(err)
		if !ok {
			e = xerrors.Wrap(xerrors.CodeExternalFailure, err, "nets trace failed")
			err = e
		}
		metrics.ObserveTraceGeneration(system, "error", elapsed)
		o.logger.Warn("trace generation failed",
			slog.String("system", system), slog.String("agent", agent),
			slog.Duration("elapsed", elapsed), slog.Any("meta", e.Metadata()), slog.Any("error", err))
		logger.Audit().Warn("trace generation failed",
			slog.String("system", system), slog.String("agent", agent), slog.String("code", string(e.Code())))
		return Result{}, err
	}

	metrics.ObserveTraceGeneration(system, "ok", elapsed)
	o.logger.Info("trace generated",
		slog.String("system", system), slog.String("agent", agent),
		slog.String("path", target), slog.Duration("elapsed", elapsed))
	logger.Audit().Info("trace generation finished",
		slog.String("system", system), slog.String("agent", agent), slog.String("path", target))
	return Result{Path: target, Generated: true}, nil
}

func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && info.Mode().IsRegular()
}
