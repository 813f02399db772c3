package artifact

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// State 对应引擎维护的 state.json，本服务只读。
type State struct {
	Balances     []Balance         `json:"balances"`
	Bindings     map[string]string `json:"bindings"`
	Commitments  []Commitment      `json:"commitments"`
	Disqualified []string          `json:"disqualified"`
	Wallets      map[string]int64  `json:"wallets"`
}

// Balance 是线上 [agent, amount] 二元组。
type Balance struct {
	Agent  string
	Amount int64
}

// Commitment 是线上 [agent, root] 二元组。
type Commitment struct {
	Agent string
	Root  Bytes32
}

// MarshalJSON 输出二元组形式。
func (b Balance) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{b.Agent, b.Amount})
}

// UnmarshalJSON 解析 [agent, amount]。
func (b *Balance) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("balance: expected [agent, amount], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &b.Agent); err != nil {
		return fmt.Errorf("balance agent: %w", err)
	}
	if err := json.Unmarshal(pair[1], &b.Amount); err != nil {
		return fmt.Errorf("balance amount: %w", err)
	}
	return nil
}

// MarshalJSON 输出二元组形式。
func (c Commitment) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{c.Agent, c.Root})
}

// UnmarshalJSON 解析 [agent, [32 bytes]]。
func (c *Commitment) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("commitment: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("commitment: expected [agent, root], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &c.Agent); err != nil {
		return fmt.Errorf("commitment agent: %w", err)
	}
	if err := json.Unmarshal(pair[1], &c.Root); err != nil {
		return fmt.Errorf("commitment root: %w", err)
	}
	return nil
}

// Balance 返回 agent 的余额，不存在时为 0。
func (s *State) Balance(agent string) (int64, bool) {
	for _, b := range s.Balances {
		if b.Agent == agent {
			return b.Amount, true
		}
	}
	return 0, false
}

// Commitment 返回 agent 已发布的承诺根。后出现的条目覆盖先出现的。
func (s *State) Commitment(agent string) (common.Hash, bool) {
	var (
		root  common.Hash
		found bool
	)
	for _, c := range s.Commitments {
		if c.Agent == agent {
			root, found = c.Root.Hash(), true
		}
	}
	return root, found
}

// Binding 返回 agent 绑定的钱包。
func (s *State) Binding(agent string) (string, bool) {
	w, ok := s.Bindings[agent]
	return w, ok
}

// IsDisqualified 判断 agent 是否已被取消资格。
func (s *State) IsDisqualified(agent string) bool {
	for _, a := range s.Disqualified {
		if a == agent {
			return true
		}
	}
	return false
}
