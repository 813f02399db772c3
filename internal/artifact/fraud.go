package artifact

import (
	"github.com/ethereum/go-ethereum/common"

	"nets-observer/internal/proofs"
)

// FraudProof 是外部证明者提交的单步包含证明。
type FraudProof struct {
	StepIndex  uint64    `json:"step_index"`
	ObsHash    Bytes32   `json:"obs_hash"`
	ActionHash Bytes32   `json:"action_hash"`
	MerklePath []Bytes32 `json:"merkle_path"`
}

// FraudEnvelope 是欺诈证明文件的完整内容。
type FraudEnvelope struct {
	Proof  *FraudProof `json:"proof"`
	Note   string      `json:"note,omitempty"`
	Agent  string      `json:"agent,omitempty"`
	System string      `json:"system,omitempty"`
}

// Leaf 由证明中的三元组重新计算叶哈希。
func (p *FraudProof) Leaf() common.Hash {
	return proofs.LeafHash(p.StepIndex, p.ObsHash.Hash(), p.ActionHash.Hash())
}

// Path 返回兄弟路径。
func (p *FraudProof) Path() []common.Hash {
	return Hashes(p.MerklePath)
}

// VerifyAgainst 检查证明是否包含在给定根之下。
func (p *FraudProof) VerifyAgainst(root common.Hash) bool {
	return proofs.VerifyProof(p.Leaf(), p.Path(), root, p.StepIndex)
}
