// Package verifier 对照已发布的承诺根、trace 声明的根与欺诈证明，给出核验报告。
package verifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nets-observer/internal/artifact"
	xerrors "nets-observer/internal/errors"
	"nets-observer/internal/observability/alerting"
	"nets-observer/internal/observability/metrics"
	"nets-observer/internal/orchestrator"
	"nets-observer/internal/proofs"
	"nets-observer/pkg/logger"
)

// 告警使用的错误码，不作为 error 返回。
const (
	CodeCommitmentMismatch xerrors.Code = "COMMITMENT_MISMATCH"
	CodeProofInvalid       xerrors.Code = "PROOF_INVALID"
	CodeTraceInconsistent  xerrors.Code = "TRACE_INCONSISTENT"
)

func init() {
	xerrors.Register(CodeCommitmentMismatch, xerrors.Attributes{
		Message: "committed root differs from trace root", Severity: xerrors.SeverityCritical, Alert: true,
	})
	xerrors.Register(CodeProofInvalid, xerrors.Attributes{
		Message: "fraud proof does not verify against committed root", Severity: xerrors.SeverityWarning, Alert: true,
	})
	xerrors.Register(CodeTraceInconsistent, xerrors.Attributes{
		Message: "trace does not reproduce its declared root", Severity: xerrors.SeverityWarning, Alert: true,
	})
}

// Status 是承诺根与 trace 根的比对结论。
type Status string

const (
	StatusMatch         Status = "match"
	StatusMismatch      Status = "mismatch"
	StatusIndeterminate Status = "indeterminate"
)

// ProofOutcome 是欺诈证明的检查结论。
type ProofOutcome string

const (
	ProofAbsent     ProofOutcome = "absent"
	ProofValid      ProofOutcome = "valid"
	ProofInvalid    ProofOutcome = "invalid"
	ProofUnanchored ProofOutcome = "unanchored"
	ProofMalformed  ProofOutcome = "malformed"
)

// Request 描述一次核验。System 为空时取欺诈证明中的 system；Step 非空时额外审计该步。
type Request struct {
	Agent  string
	System string
	Step   *uint64
}

// ProofCheck 记录欺诈证明的复核结果。
type ProofCheck struct {
	Outcome   ProofOutcome `json:"outcome"`
	StepIndex uint64       `json:"stepIndex"`
	Leaf      string       `json:"leaf,omitempty"`
	PathLen   int          `json:"pathLen"`
	Note      string       `json:"note,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// StepCheck 记录从 trace 推导的单步包含证明对承诺根的检查结果。
type StepCheck struct {
	Step  uint64   `json:"step"`
	Leaf  string   `json:"leaf,omitempty"`
	Path  []string `json:"path,omitempty"`
	Valid bool     `json:"valid"`
	Error string   `json:"error,omitempty"`
}

// Report 是一次核验的完整结果。核验失败是结果的一部分，不是错误。
type Report struct {
	Agent  string `json:"agent"`
	System string `json:"system,omitempty"`
	Status Status `json:"status"`
	// Mismatch 仅在两个根都存在时有值。
	Mismatch       *bool                 `json:"mismatch"`
	CommittedRoot  string                `json:"committedRoot,omitempty"`
	TraceRoot      string                `json:"traceRoot,omitempty"`
	TracePath      string                `json:"tracePath,omitempty"`
	TraceGenerated bool                  `json:"traceGenerated"`
	TraceError     string                `json:"traceError,omitempty"`
	Consistency    *artifact.Consistency `json:"consistency,omitempty"`
	Proof          *ProofCheck           `json:"proof,omitempty"`
	StepCheck      *StepCheck            `json:"stepCheck,omitempty"`
	Disqualified   bool                  `json:"disqualified"`
	Balance        *int64                `json:"balance,omitempty"`
	CheckedAt      int64                 `json:"checkedAt"`
}

// TraceEnsurer 由 orchestrator.Orchestrator 实现。
type TraceEnsurer interface {
	EnsureTrace(ctx context.Context, system, agent string) (orchestrator.Result, error)
}

// Verifier 组合工件读取、trace 生成与 Merkle 校验。
type Verifier struct {
	store  *artifact.Store
	traces TraceEnsurer
	alerts alerting.Dispatcher
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Verifier)

// WithAlertDispatcher 设置告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(v *Verifier) { v.alerts = d }
}

// WithLogger 覆盖默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// New 创建 Verifier。
func New(store *artifact.Store, traces TraceEnsurer, opts ...Option) *Verifier {
	v := &Verifier{store: store, traces: traces, logger: logger.Named("verifier")}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify 执行核验。只有参数非法或状态文件损坏时返回 error。
func (v *Verifier) Verify(ctx context.Context, req Request) (*Report, error) {
	if err := artifact.ValidateID("agent", req.Agent); err != nil {
		return nil, err
	}
	report := &Report{Agent: req.Agent, System: req.System, Status: StatusIndeterminate, CheckedAt: time.Now().UnixMilli()}

	// 根 A：已发布的承诺。
	var (
		rootA    common.Hash
		hasRootA bool
	)
	state, _, err := artifact.ReadStateRetry(ctx, v.store, 3, 50*time.Millisecond)
	switch {
	case err == nil:
		rootA, hasRootA = state.Commitment(req.Agent)
		report.Disqualified = state.IsDisqualified(req.Agent)
		if bal, ok := state.Balance(req.Agent); ok {
			report.Balance = &bal
		}
	case xerrors.HasCode(err, xerrors.CodeNotFound):
	default:
		return nil, err
	}
	if hasRootA {
		report.CommittedRoot = rootA.Hex()
	}

	envelope, proofErr := v.readProof(req.Agent)
	if report.System == "" && envelope != nil {
		report.System = envelope.System
	}

	// 根 B：trace 声明的根。
	trace := v.loadTrace(ctx, report)
	var (
		rootB    common.Hash
		hasRootB bool
	)
	if trace != nil {
		rootB, hasRootB = trace.DeclaredRoot()
		if hasRootB {
			report.TraceRoot = rootB.Hex()
		}
		c := trace.Check()
		report.Consistency = &c
	}

	if hasRootA && hasRootB {
		mismatch := rootA != rootB
		report.Mismatch = &mismatch
		report.Status = StatusMatch
		if mismatch {
			report.Status = StatusMismatch
		}
	}

	report.Proof = checkProof(envelope, proofErr, rootA, hasRootA)
	if req.Step != nil {
		report.StepCheck = checkStep(trace, *req.Step, rootA, hasRootA)
	}

	v.record(report)
	return report, nil
}

func (v *Verifier) readProof(agent string) (*artifact.FraudEnvelope, error) {
	envelope, _, err := v.store.ReadFraudProof(agent)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return envelope, nil
}

func (v *Verifier) loadTrace(ctx context.Context, report *Report) *artifact.Trace {
	if report.System == "" {
		report.TraceError = "system not specified and fraud proof names none"
		return nil
	}
	res, err := v.traces.EnsureTrace(ctx, report.System, report.Agent)
	if err != nil {
		report.TraceError = err.Error()
		return nil
	}
	report.TracePath = res.Path
	report.TraceGenerated = res.Generated

	trace, _, err := v.store.ReadTrace(res.Path)
	if err != nil {
		report.TraceError = err.Error()
		return nil
	}
	return trace
}

// checkProof 以承诺根 A 为唯一信任锚复核欺诈证明。
func checkProof(envelope *artifact.FraudEnvelope, readErr error, rootA common.Hash, hasRootA bool) *ProofCheck {
	if readErr != nil {
		return &ProofCheck{Outcome: ProofMalformed, Error: readErr.Error()}
	}
	if envelope == nil {
		return &ProofCheck{Outcome: ProofAbsent}
	}
	p := envelope.Proof
	check := &ProofCheck{
		StepIndex: p.StepIndex,
		Leaf:      p.Leaf().Hex(),
		PathLen:   len(p.MerklePath),
		Note:      envelope.Note,
	}
	switch {
	case !hasRootA:
		check.Outcome = ProofUnanchored
	case p.VerifyAgainst(rootA):
		check.Outcome = ProofValid
	default:
		check.Outcome = ProofInvalid
	}
	return check
}

// checkStep 由 trace 的叶重新构造包含路径，并对承诺根校验。
func checkStep(trace *artifact.Trace, step uint64, rootA common.Hash, hasRootA bool) *StepCheck {
	check := &StepCheck{Step: step}
	if trace == nil {
		check.Error = "trace unavailable"
		return check
	}
	position := -1
	for i, s := range trace.Steps {
		if s.Step == step {
			position = i
			break
		}
	}
	if position < 0 {
		check.Error = "step not present in trace"
		return check
	}
	leaves := trace.LeafHashes()
	path, err := proofs.BuildProof(leaves, uint64(position))
	if err != nil {
		check.Error = err.Error()
		return check
	}
	check.Leaf = leaves[position].Hex()
	for _, h := range path {
		check.Path = append(check.Path, h.Hex())
	}
	if !hasRootA {
		check.Error = "no committed root"
		return check
	}
	check.Valid = proofs.VerifyProof(leaves[position], path, rootA, uint64(position))
	return check
}

func (v *Verifier) record(report *Report) {
	proofOutcome := ProofAbsent
	if report.Proof != nil {
		proofOutcome = report.Proof.Outcome
	}
	metrics.ObserveVerification(string(report.Status), string(proofOutcome))

	attrs := []any{
		slog.String("agent", report.Agent),
		slog.String("system", report.System),
		slog.String("status", string(report.Status)),
		slog.String("proof", string(proofOutcome)),
		slog.String("committed_root", report.CommittedRoot),
		slog.String("trace_root", report.TraceRoot),
	}
	if report.TraceError != "" {
		attrs = append(attrs, slog.String("trace_error", report.TraceError))
	}
	v.logger.Info("verification finished", attrs...)
	logger.Audit().Info("fraud verdict", attrs...)

	for _, event := range alertsFor(report) {
		v.dispatch(event)
	}
}

func alertsFor(report *Report) []alerting.Event {
	base := func(code xerrors.Code) alerting.Event {
		attr := xerrors.AttributesOf(code)
		return alerting.Event{
			Code:     code,
			Message:  attr.Message,
			Severity: attr.Severity,
			Agent:    report.Agent,
			System:   report.System,
			Metadata: map[string]string{
				"committed_root": report.CommittedRoot,
				"trace_root":     report.TraceRoot,
			},
			OccurredAt: time.UnixMilli(report.CheckedAt),
		}
	}
	var events []alerting.Event
	if report.Status == StatusMismatch {
		events = append(events, base(CodeCommitmentMismatch))
	}
	if report.Proof != nil && report.Proof.Outcome == ProofInvalid {
		e := base(CodeProofInvalid)
		e.Metadata["leaf"] = report.Proof.Leaf
		events = append(events, e)
	}
	if report.Consistency != nil && !report.Consistency.Consistent() {
		e := base(CodeTraceInconsistent)
		e.Metadata["recomputed_root"] = report.Consistency.RecomputedRoot
		events = append(events, e)
	}
	return events
}

// dispatch 在后台发送告警。
func (v *Verifier) dispatch(event alerting.Event) {
	if v.alerts == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := v.alerts.Notify(ctx, event); err != nil {
			v.logger.Warn("alert dispatch failed", slog.String("code", string(event.Code)), slog.Any("error", err))
		}
	}()
}
