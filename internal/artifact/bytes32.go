package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Bytes32 是工件中的 32 字节摘要，线上格式为 32 个 0..255 整数组成的数组。
type Bytes32 common.Hash

// Hash 返回对应的 common.Hash。
func (b Bytes32) Hash() common.Hash { return common.Hash(b) }

// Hex 返回带 0x 前缀的十六进制形式。
func (b Bytes32) Hex() string { return common.Hash(b).Hex() }

// MarshalJSON 输出整数数组，与引擎写出的格式一致。
func (b Bytes32) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%d", v)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON 接受整数数组，也接受十六进制字符串。
func (b *Bytes32) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		h, err := ParseHex(s)
		if err != nil {
			return err
		}
		*b = Bytes32(h)
		return nil
	}

	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("bytes32: %w", err)
	}
	if len(ints) != common.HashLength {
		return fmt.Errorf("bytes32: expected %d bytes, got %d", common.HashLength, len(ints))
	}
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("bytes32: byte %d out of range: %d", i, v)
		}
		b[i] = byte(v)
	}
	return nil
}

// ParseHex 解析 32 字节十六进制串，0x 前缀可选。
func ParseHex(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("bytes32: %w", err)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("bytes32: expected %d bytes, got %d", common.HashLength, len(raw))
	}
	return common.BytesToHash(raw), nil
}

// Hashes 将 Bytes32 切片转换为 common.Hash 切片。
func Hashes(in []Bytes32) []common.Hash {
	out := make([]common.Hash, len(in))
	for i, v := range in {
		out[i] = common.Hash(v)
	}
	return out
}
