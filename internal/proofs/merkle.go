package proofs

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrEmptyTree 表示在空叶集合上请求证明路径。
var ErrEmptyTree = errors.New("proofs: empty leaf set")

// LeafHash 计算单个执行步骤的叶哈希：H(le64(index) ‖ obs ‖ action)。
func LeafHash(index uint64, obsHash, actionHash common.Hash) common.Hash {
	var buf [8 + 2*common.HashLength]byte
	binary.LittleEndian.PutUint64(buf[:8], index)
	copy(buf[8:], obsHash[:])
	copy(buf[8+common.HashLength:], actionHash[:])
	return sha256.Sum256(buf[:])
}

// HashPair 计算 H(left ‖ right)，顺序敏感。
func HashPair(left, right common.Hash) common.Hash {
	var buf [2 * common.HashLength]byte
	copy(buf[:common.HashLength], left[:])
	copy(buf[common.HashLength:], right[:])
	return sha256.Sum256(buf[:])
}

// EmptyRoot 返回空叶集合的根，即空字节串的哈希。
func EmptyRoot() common.Hash {
	return sha256.Sum256(nil)
}

// BuildRoot 按叶顺序构建 Merkle 根。层内元素为奇数时，最后一个元素与自身配对。
func BuildRoot(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return EmptyRoot()
	}
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

// BuildProof 返回 leaves[index] 的兄弟路径（由叶到根），与 BuildRoot 使用同一种构造。
func BuildProof(leaves []common.Hash, index uint64) ([]common.Hash, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	if index >= uint64(len(leaves)) {
		return nil, fmt.Errorf("proofs: index %d out of range for %d leaves", index, len(leaves))
	}
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)

	var path []common.Hash
	idx := index
	for len(level) > 1 {
		sibling := idx ^ 1
		if sibling >= uint64(len(level)) {
			// 奇数层末尾：兄弟即自身。
			sibling = idx
		}
		path = append(path, level[sibling])
		level = nextLevel(level)
		idx /= 2
	}
	return path, nil
}

// VerifyProof 沿路径从叶折叠到根，并与给定根逐字节比较。
// 偶数下标计算 H(cur ‖ sib)，奇数下标计算 H(sib ‖ cur)。任何不一致都返回 false。
func VerifyProof(leaf common.Hash, path []common.Hash, root common.Hash, index uint64) bool {
	current := leaf
	idx := index
	for _, sibling := range path {
		if idx%2 == 0 {
			current = HashPair(current, sibling)
		} else {
			current = HashPair(sibling, current)
		}
		idx /= 2
	}
	// 路径耗尽后下标必须归零，否则路径短于树高。
	if idx != 0 {
		return false
	}
	return current == root
}

func nextLevel(level []common.Hash) []common.Hash {
	next := make([]common.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, HashPair(left, right))
	}
	return next
}
