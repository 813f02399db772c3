package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"nets-observer/internal/config"
	xerrors "nets-observer/internal/errors"
)

// Kind 标识文件属于哪一类工件。
type Kind string

const (
	KindState Kind = "state"
	KindTrace Kind = "trace"
	KindFraud Kind = "fraud"
	KindOther Kind = "change"
)

// FileInfo 是目录列举中的一项。
type FileInfo struct {
	Path      string `json:"path"`
	Rel       string `json:"rel"`
	ModTimeMs int64  `json:"mtimeMs"`
}

// FileMeta 描述一次读取所涉及的文件。
type FileMeta struct {
	Path      string `json:"path"`
	Kind      Kind   `json:"kind"`
	ModTimeMs int64  `json:"mtimeMs"`
}

// Store 按配置的路径读取工件，不做任何缓存。
type Store struct {
	statePath string
	tracesDir string
	fraudDir  string
}

// NewStore 基于已解析的路径配置创建 Store。
func NewStore(paths config.PathsConfig) *Store {
	return &Store{
		statePath: cleanOrEmpty(paths.StatePath),
		tracesDir: cleanOrEmpty(paths.TracesDir),
		fraudDir:  cleanOrEmpty(paths.FraudDir),
	}
}

// StatePath 返回状态文件路径。
func (s *Store) StatePath() string { return s.statePath }

// TracesDir 返回 trace 根目录。
func (s *Store) TracesDir() string { return s.tracesDir }

// FraudDir 返回欺诈证明根目录。
func (s *Store) FraudDir() string { return s.fraudDir }

// Classify 按路径归属判断文件类别。目录包含关系按路径分量比较，
// 因此 /data/traces-old 不属于 /data/traces。
func (s *Store) Classify(path string) Kind {
	if path == "" {
		return KindOther
	}
	path = filepath.Clean(path)
	switch {
	case s.statePath != "" && path == s.statePath:
		return KindState
	case Within(s.tracesDir, path):
		return KindTrace
	case Within(s.fraudDir, path):
		return KindFraud
	default:
		return KindOther
	}
}

// ReadState 读取并解析状态文件。
func (s *Store) ReadState() (*State, FileMeta, error) {
	meta := FileMeta{Path: s.statePath, Kind: KindState}
	if s.statePath == "" {
		return nil, meta, xerrors.New(xerrors.CodeNotFound, "state path not configured")
	}
	var state State
	if err := s.readJSON(s.statePath, &meta, &state); err != nil {
		return nil, meta, err
	}
	return &state, meta, nil
}

// ListTraceFiles 递归列出 trace 目录下的 JSON 文件。
func (s *Store) ListTraceFiles() ([]FileInfo, error) {
	return listJSON(s.tracesDir)
}

// ListFraudFiles 递归列出欺诈证明目录下的 JSON 文件。
func (s *Store) ListFraudFiles() ([]FileInfo, error) {
	return listJSON(s.fraudDir)
}

// TracePath 返回 (system, agent) 对应的确定性 trace 路径。
func (s *Store) TracePath(system, agent string) (string, error) {
	if s.tracesDir == "" {
		return "", xerrors.New(xerrors.CodeNotFound, "traces dir not configured")
	}
	if err := ValidateID("system", system); err != nil {
		return "", err
	}
	name, err := TraceName(agent)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.tracesDir, system, name+".json"), nil
}

// TraceName 返回 agent 对应的 trace 文件名（不含扩展名）。
// 普通 id 原样使用；绝对路径取去掉扩展名的文件名，并附加完整路径哈希的前 8 位，
// 避免不同目录下同名的 agent 共用一个 trace。
func TraceName(agent string) (string, error) {
	if !filepath.IsAbs(agent) {
		if err := ValidateID("agent", agent); err != nil {
			return "", err
		}
		return agent, nil
	}
	clean := filepath.Clean(agent)
	base := strings.TrimSuffix(filepath.Base(clean), filepath.Ext(clean))
	if err := ValidateID("agent", base); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(clean))
	return base + "-" + hex.EncodeToString(sum[:4]), nil
}

// ReadTrace 读取 trace 文件并解析每一步的载荷，载荷校验失败记入 PayloadErrors。
func (s *Store) ReadTrace(path string) (*Trace, FileMeta, error) {
	meta := FileMeta{Path: path, Kind: s.Classify(path)}
	var trace Trace
	if err := s.readJSON(path, &meta, &trace); err != nil {
		return nil, meta, err
	}
	trace.decodePayloads()
	return &trace, meta, nil
}

// ReadFraudProof 读取 <fraudDir>/<agent>.json。
func (s *Store) ReadFraudProof(agent string) (*FraudEnvelope, FileMeta, error) {
	if err := ValidateID("agent", agent); err != nil {
		return nil, FileMeta{Kind: KindFraud}, err
	}
	if s.fraudDir == "" {
		return nil, FileMeta{Kind: KindFraud}, xerrors.New(xerrors.CodeNotFound, "fraud dir not configured")
	}
	path := filepath.Join(s.fraudDir, agent+".json")
	meta := FileMeta{Path: path, Kind: KindFraud}
	var env FraudEnvelope
	if err := s.readJSON(path, &meta, &env); err != nil {
		return nil, meta, err
	}
	if env.Proof == nil {
		return nil, meta, xerrors.New(xerrors.CodeMalformed, "fraud envelope has no proof",
			xerrors.WithMetadata("path", path))
	}
	return &env, meta, nil
}

func (s *Store) readJSON(path string, meta *FileMeta, out any) error {
	info, err := os.Stat(path)
	if err != nil {
		return statError(path, err)
	}
	meta.ModTimeMs = info.ModTime().UnixMilli()

	content, err := os.ReadFile(path)
	if err != nil {
		return statError(path, err)
	}
	if err := json.Unmarshal(content, out); err != nil {
		return xerrors.Wrap(xerrors.CodeMalformed, err, "artifact is not valid JSON",
			xerrors.WithMetadata("path", path))
	}
	return nil
}

func statError(path string, err error) error {
	if os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.CodeNotFound, err, "artifact not found", xerrors.WithMetadata("path", path))
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "artifact unreadable", xerrors.WithMetadata("path", path))
}

func listJSON(root string) ([]FileInfo, error) {
	files := []FileInfo{}
	if root == "" {
		return files, nil
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return files, nil
		}
		return nil, statError(root, err)
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// 遍历过程中被删除的条目直接跳过。
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		files = append(files, FileInfo{
			Path:      path,
			Rel:       filepath.ToSlash(rel),
			ModTimeMs: info.ModTime().UnixMilli(),
		})
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list artifacts failed",
			xerrors.WithMetadata("root", root))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// tempMarker 标记生成中的临时文件，生成成功后重命名到正式路径。
const tempMarker = ".tmp-"

// TempPath 返回与 target 同目录的唯一临时路径，保证随后的重命名是原子的。
func TempPath(target string) string {
	return target + tempMarker + uuid.NewString()
}

// IsTemp 判断 path 是否为生成中的临时文件。
func IsTemp(path string) bool {
	return strings.Contains(filepath.Base(path), tempMarker)
}

// ValidateID 拒绝空值以及可能逃逸出工件目录的标识。
func ValidateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, field+" is required")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`+"\x00") {
		return xerrors.New(xerrors.CodeInvalidArgument, "invalid "+field+" id",
			xerrors.WithMetadata(field, id))
	}
	return nil
}

// Within 判断 path 是否位于 root 之下（含 root 本身）。
func Within(root, path string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel))
}

func cleanOrEmpty(p string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	return filepath.Clean(p)
}
