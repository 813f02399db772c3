package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Payload 是按系统区分的步骤载荷，在读取 trace 时完成校验。
type Payload interface {
	// System 返回载荷所属的系统族。
	System() string
}

// 已知的系统族。
const (
	SystemSnake = "snake"
	SystemChess = "chess"
	SystemRPS   = "rps"
)

// SnakePayload 是贪吃蛇网格游戏的一步：观测为 [[hx,hy],[ax,ay],body]，动作为标量。
type SnakePayload struct {
	Head  *[2]int  `json:"head,omitempty"`
	Apple *[2]int  `json:"apple,omitempty"`
	Body  [][2]int `json:"body,omitempty"`
	Move  string   `json:"move"`
}

// ChessPayload 是一步棋：0..63 的格子下标，promotion 0 表示不升变，1..4 依次为 q r b n。
type ChessPayload struct {
	From      int `json:"from"`
	To        int `json:"to"`
	Promotion int `json:"promotion"`
}

// RPSPayload 是石头剪刀布的一次出手。
type RPSPayload struct {
	Move string `json:"move"`
}

// GenericPayload 保存未知系统的原始载荷，不做校验。
type GenericPayload struct {
	ID     string          `json:"id"`
	Obs    json.RawMessage `json:"obs,omitempty"`
	Action json.RawMessage `json:"action,omitempty"`
}

func (SnakePayload) System() string     { return SystemSnake }
func (ChessPayload) System() string     { return SystemChess }
func (RPSPayload) System() string       { return SystemRPS }
func (p GenericPayload) System() string { return p.ID }

// Family 将系统 id 归入已知系统族，例如 "snake-10x10" 归入 snake。
func Family(systemID string) string {
	id := strings.ToLower(strings.TrimSpace(systemID))
	for _, family := range []string{SystemSnake, SystemChess, SystemRPS} {
		if id == family || strings.HasPrefix(id, family+"-") || strings.HasPrefix(id, family+"_") {
			return family
		}
	}
	return ""
}

// DecodePayload 按系统 id 解析并校验一步的观测与动作。
func DecodePayload(systemID string, obs, action json.RawMessage) (Payload, error) {
	switch Family(systemID) {
	case SystemSnake:
		return decodeSnake(obs, action)
	case SystemChess:
		return decodeChess(action)
	case SystemRPS:
		return decodeRPS(action)
	default:
		return GenericPayload{ID: systemID, Obs: obs, Action: action}, nil
	}
}

func decodeSnake(obs, action json.RawMessage) (Payload, error) {
	p := SnakePayload{}
	move, err := scalarString(action)
	if err != nil {
		return nil, fmt.Errorf("snake action: %w", err)
	}
	p.Move = move

	if isNull(obs) {
		return p, nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(obs, &parts); err != nil {
		return nil, fmt.Errorf("snake obs: expected [head, apple, body]: %w", err)
	}
	if len(parts) > 0 && !isNull(parts[0]) {
		head, err := decodePoint(parts[0])
		if err != nil {
			return nil, fmt.Errorf("snake head: %w", err)
		}
		p.Head = &head
	}
	if len(parts) > 1 && !isNull(parts[1]) {
		apple, err := decodePoint(parts[1])
		if err != nil {
			return nil, fmt.Errorf("snake apple: %w", err)
		}
		p.Apple = &apple
	}
	if len(parts) > 2 && !isNull(parts[2]) {
		var cells []json.RawMessage
		if err := json.Unmarshal(parts[2], &cells); err != nil {
			return nil, fmt.Errorf("snake body: %w", err)
		}
		for i, cell := range cells {
			pt, err := decodePoint(cell)
			if err != nil {
				return nil, fmt.Errorf("snake body cell %d: %w", i, err)
			}
			p.Body = append(p.Body, pt)
		}
	}
	return p, nil
}

func decodeChess(action json.RawMessage) (Payload, error) {
	var raw struct {
		From      *json.Number `json:"from"`
		To        *json.Number `json:"to"`
		Promotion *json.Number `json:"promotion"`
	}
	dec := json.NewDecoder(bytes.NewReader(action))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("chess action: %w", err)
	}
	if raw.From == nil || raw.To == nil {
		return nil, fmt.Errorf("chess action: from and to are required")
	}
	from, err := boundedInt(*raw.From, 0, 63)
	if err != nil {
		return nil, fmt.Errorf("chess from: %w", err)
	}
	to, err := boundedInt(*raw.To, 0, 63)
	if err != nil {
		return nil, fmt.Errorf("chess to: %w", err)
	}
	p := ChessPayload{From: from, To: to}
	if raw.Promotion != nil {
		promo, err := boundedInt(*raw.Promotion, 0, 4)
		if err != nil {
			return nil, fmt.Errorf("chess promotion: %w", err)
		}
		p.Promotion = promo
	}
	return p, nil
}

var rpsMoves = []string{"rock", "paper", "scissors"}

func decodeRPS(action json.RawMessage) (Payload, error) {
	move, err := scalarString(action)
	if err != nil {
		return nil, fmt.Errorf("rps action: %w", err)
	}
	if n, err := strconv.Atoi(move); err == nil {
		if n < 0 || n >= len(rpsMoves) {
			return nil, fmt.Errorf("rps action: move %d out of range", n)
		}
		return RPSPayload{Move: rpsMoves[n]}, nil
	}
	lower := strings.ToLower(move)
	for _, m := range rpsMoves {
		if lower == m {
			return RPSPayload{Move: m}, nil
		}
	}
	return nil, fmt.Errorf("rps action: unknown move %q", move)
}

func decodePoint(raw json.RawMessage) ([2]int, error) {
	var xy []int
	if err := json.Unmarshal(raw, &xy); err != nil {
		return [2]int{}, err
	}
	if len(xy) < 2 {
		return [2]int{}, fmt.Errorf("expected [x, y], got %d values", len(xy))
	}
	return [2]int{xy[0], xy[1]}, nil
}

// scalarString 将字符串或数字动作统一为字符串。
func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("missing action")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", fmt.Errorf("expected scalar, got %s", raw)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("expected scalar, got %s", raw)
	}
	return n.String(), nil
}

func boundedInt(n json.Number, lo, hi int64) (int, error) {
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("expected integer, got %s", n)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%d outside [%d, %d]", v, lo, hi)
	}
	return int(v), nil
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
