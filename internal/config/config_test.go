package config

import (
	"os"
	"path/filepath"
	"testing"
)

func fakeLocator(cwd, home string, existing ...string) locator {
	set := make(map[string]bool, len(existing))
	for _, p := range existing {
		set[filepath.Clean(p)] = true
	}
	has := func(p string) bool { return set[filepath.Clean(p)] }
	return locator{cwd: cwd, home: home, isDir: has, isReg: has}
}

func envOf(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadDefaultsPickFirstCandidate(t *testing.T) {
	cfg, err := load("", envOf(nil), fakeLocator("/work/web", "/home/op"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8787" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Paths.StatePath != "/work/nets-cli/state.json" {
		t.Fatalf("unexpected state path: %s", cfg.Paths.StatePath)
	}
	if cfg.Paths.HistoryPath != "/home/op/.nets/observer_history.jsonl" {
		t.Fatalf("unexpected history path: %s", cfg.Paths.HistoryPath)
	}
	if cfg.Engine.Bin != "nets" {
		t.Fatalf("unexpected engine bin: %s", cfg.Engine.Bin)
	}
}

func TestLoadPrefersExistingCandidate(t *testing.T) {
	loc := fakeLocator("/work/web", "/home/op",
		"/home/op/.nets/state.json",
		"/work/nets/traces",
		"/home/op/.nets/fraud",
	)
	cfg, err := load("", envOf(nil), loc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Paths.StatePath != "/home/op/.nets/state.json" {
		t.Fatalf("unexpected state path: %s", cfg.Paths.StatePath)
	}
	if cfg.Paths.TracesDir != "/work/nets/traces" {
		t.Fatalf("unexpected traces dir: %s", cfg.Paths.TracesDir)
	}
	if cfg.Paths.FraudDir != "/home/op/.nets/fraud" {
		t.Fatalf("unexpected fraud dir: %s", cfg.Paths.FraudDir)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "observer.yaml")
	content := []byte(`
server:
  address: ":9000"
  keep_alive_seconds: 5
paths:
  state_path: data/state.json
  traces_dir: /srv/traces
engine:
  bin: /usr/local/bin/nets
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := load(path, envOf(map[string]string{
		"NETS_TRACES_DIR": "/env/traces",
		"PORT":            "8080",
	}), fakeLocator("/work", "/home/op"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("PORT should override file address, got %s", cfg.Server.Address)
	}
	if cfg.Server.KeepAliveSeconds != 5 {
		t.Fatalf("unexpected keep alive: %d", cfg.Server.KeepAliveSeconds)
	}
	if cfg.Paths.StatePath != filepath.Join(dir, "data", "state.json") {
		t.Fatalf("relative path should resolve against config dir, got %s", cfg.Paths.StatePath)
	}
	if cfg.Paths.TracesDir != "/env/traces" {
		t.Fatalf("env should override file, got %s", cfg.Paths.TracesDir)
	}
	if cfg.Engine.Bin != "/usr/local/bin/nets" {
		t.Fatalf("unexpected engine bin: %s", cfg.Engine.Bin)
	}
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "observer.json")
	if err := os.WriteFile(path, []byte(`{"history":{"driver":"mysql","dsn":"u:p@tcp(db:3306)/nets"}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := load(path, envOf(nil), fakeLocator("/work", "/home/op"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.History.Driver != "mysql" || cfg.History.DSN == "" {
		t.Fatalf("unexpected history config: %+v", cfg.History)
	}
}

func TestValidateRejectsIncompleteDrivers(t *testing.T) {
	cases := map[string]map[string]string{
		"mysql without dsn":  {"NETS_HISTORY_DRIVER": "mysql"},
		"redis without addr": {"NETS_RELAY_DRIVER": "redis"},
		"unknown relay":      {"NETS_RELAY_DRIVER": "kafka"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := load("", envOf(env), fakeLocator("/work", "/home/op")); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
