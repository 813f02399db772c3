package artifact

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"nets-observer/internal/proofs"
)

// System 描述一次运行所针对的系统配置。
type System struct {
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params,omitempty"`
	Seed   json.RawMessage `json:"seed,omitempty"`
}

// Step 是 trace 中的单步记录。Payload 在读取时按系统解析，不参与序列化。
type Step struct {
	Step       uint64          `json:"step"`
	Obs        json.RawMessage `json:"obs"`
	Action     json.RawMessage `json:"action"`
	ObsHash    Bytes32         `json:"obs_hash"`
	ActionHash Bytes32         `json:"action_hash"`
	LeafHash   Bytes32         `json:"leaf_hash"`

	Payload Payload `json:"-"`
}

// Trace 是某个 agent 在某个系统上的完整执行记录。
type Trace struct {
	Agent         string   `json:"agent"`
	System        System   `json:"system"`
	MerkleRoot    *Bytes32 `json:"merkle_root,omitempty"`
	MerkleRootHex string   `json:"merkle_root_hex,omitempty"`
	Steps         []Step   `json:"steps"`

	// PayloadErrors 记录载荷校验失败的步骤，这些步骤的 Payload 为 nil。
	PayloadErrors []PayloadIssue `json:"-"`
}

// PayloadIssue 标识载荷校验失败的一步。
type PayloadIssue struct {
	Step  uint64 `json:"step"`
	Error string `json:"error"`
}

// Consistency 记录 trace 自身声明的值与重新计算结果的比对。
type Consistency struct {
	// LeafMismatches 列出声明的 leaf_hash 与重新计算不一致的步骤下标。
	LeafMismatches []uint64 `json:"leafMismatches"`
	RecomputedRoot string   `json:"recomputedRoot"`
	DeclaredRoot   string   `json:"declaredRoot,omitempty"`
	RootMatches    bool     `json:"rootMatches"`
	// HexMatches 为 false 表示 merkle_root 与 merkle_root_hex 互相矛盾。
	HexMatches bool `json:"hexMatches"`
	// PayloadErrors 只影响展示，不参与一致性判断。
	PayloadErrors []PayloadIssue `json:"payloadErrors"`
}

// Consistent 表示 trace 的叶与根都可由自身内容复现。
func (c Consistency) Consistent() bool {
	return len(c.LeafMismatches) == 0 && c.RootMatches && c.HexMatches
}

// DeclaredRoot 返回 trace 声明的根，优先使用字节形式，缺失时回退到十六进制形式。
func (t *Trace) DeclaredRoot() (common.Hash, bool) {
	if t.MerkleRoot != nil {
		return t.MerkleRoot.Hash(), true
	}
	if strings.TrimSpace(t.MerkleRootHex) != "" {
		if h, err := ParseHex(t.MerkleRootHex); err == nil {
			return h, true
		}
	}
	return common.Hash{}, false
}

// LeafHashes 按步骤顺序重新计算每一步的叶哈希。
func (t *Trace) LeafHashes() []common.Hash {
	out := make([]common.Hash, len(t.Steps))
	for i, s := range t.Steps {
		out[i] = proofs.LeafHash(s.Step, s.ObsHash.Hash(), s.ActionHash.Hash())
	}
	return out
}

// Check 重新计算叶与根，而不是信任文件中的声明值。
func (t *Trace) Check() Consistency {
	leaves := t.LeafHashes()
	recomputed := proofs.BuildRoot(leaves)

	c := Consistency{
		LeafMismatches: []uint64{},
		RecomputedRoot: recomputed.Hex(),
		HexMatches:     true,
		PayloadErrors:  append([]PayloadIssue{}, t.PayloadErrors...),
	}
	for i, s := range t.Steps {
		if s.LeafHash.Hash() != leaves[i] {
			c.LeafMismatches = append(c.LeafMismatches, s.Step)
		}
	}
	if declared, ok := t.DeclaredRoot(); ok {
		c.DeclaredRoot = declared.Hex()
		c.RootMatches = declared == recomputed
	}
	if t.MerkleRoot != nil && strings.TrimSpace(t.MerkleRootHex) != "" {
		h, err := ParseHex(t.MerkleRootHex)
		c.HexMatches = err == nil && h == t.MerkleRoot.Hash()
	}
	return c
}

// decodePayloads 为每一步填充按系统解析的载荷。校验失败的步骤保留原始 obs/action，
// 只记入 PayloadErrors，哈希核对不受影响。
func (t *Trace) decodePayloads() {
	t.PayloadErrors = nil
	for i := range t.Steps {
		p, err := DecodePayload(t.System.ID, t.Steps[i].Obs, t.Steps[i].Action)
		if err != nil {
			t.PayloadErrors = append(t.PayloadErrors, PayloadIssue{Step: t.Steps[i].Step, Error: err.Error()})
			continue
		}
		t.Steps[i].Payload = p
	}
}
