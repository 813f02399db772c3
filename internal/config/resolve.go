package config

import (
	"os"
	"path/filepath"
)

// locator 抽象出候选路径解析所需的环境，便于测试。
type locator struct {
	cwd   string
	home  string
	isDir func(string) bool
	isReg func(string) bool
}

func defaultLocator() locator {
	cwd, _ := os.Getwd()
	home, _ := os.UserHomeDir()
	return locator{
		cwd:  cwd,
		home: home,
		isDir: func(p string) bool {
			info, err := os.Stat(p)
			return err == nil && info.IsDir()
		},
		isReg: func(p string) bool {
			info, err := os.Stat(p)
			return err == nil && info.Mode().IsRegular()
		},
	}
}

// resolvePaths 为未显式配置的工件路径挑选第一个存在的约定位置；都不存在时取第一个候选。
func (c *Config) resolvePaths(loc locator) {
	cwd, home := loc.cwd, loc.home

	if c.Paths.StatePath == "" {
		c.Paths.StatePath = pickFirst(loc.isReg,
			filepath.Join(cwd, "..", "nets-cli", "state.json"),
			filepath.Join(cwd, "..", "nets", "state.json"),
			filepath.Join(home, ".nets", "state.json"),
			filepath.Join(cwd, "src", "data", "state.json"),
		)
	}
	if c.Paths.TracesDir == "" {
		c.Paths.TracesDir = pickFirst(loc.isDir,
			filepath.Join(cwd, "..", "nets-cli", "traces"),
			filepath.Join(cwd, "..", "nets", "traces"),
			filepath.Join(home, ".nets", "traces"),
		)
	}
	if c.Paths.FraudDir == "" {
		c.Paths.FraudDir = pickFirst(loc.isDir,
			filepath.Join(cwd, "..", "nets-cli", "fraud"),
			filepath.Join(cwd, "..", "nets", "fraud"),
			filepath.Join(home, ".nets", "fraud"),
		)
	}
	if c.Paths.AgentsDir == "" {
		c.Paths.AgentsDir = pickFirst(loc.isDir,
			filepath.Join(cwd, "..", "nets-cli", "agents"),
			filepath.Join(cwd, "..", "nets", "agents"),
		)
	}
	if c.Paths.HistoryPath == "" {
		c.Paths.HistoryPath = filepath.Join(home, ".nets", "observer_history.jsonl")
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(home, ".nets", "observer_audit.log")
	}

	for _, p := range []*string{&c.Paths.StatePath, &c.Paths.TracesDir, &c.Paths.FraudDir, &c.Paths.AgentsDir, &c.Paths.HistoryPath} {
		*p = filepath.Clean(*p)
	}
}

func pickFirst(exists func(string) bool, candidates ...string) string {
	for _, candidate := range candidates {
		if exists(candidate) {
			return candidate
		}
	}
	return candidates[0]
}
