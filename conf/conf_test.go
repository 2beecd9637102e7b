package conf

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.VM.Mode != "eeyore" {
		t.Errorf("default mode = %q", cfg.VM.Mode)
	}
	if cfg.Debugger.Prompt != "minidbg> " {
		t.Errorf("default prompt = %q", cfg.Debugger.Prompt)
	}
	if cfg.Debugger.Layout != "src" {
		t.Errorf("default layout = %q", cfg.Debugger.Layout)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[vm]
mode = "tigger"
memory = "dense"

[debugger]
prompt = "(mdb) "
layout = "asm"
history = "/tmp/minivm_history"
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if cfg.VM.Mode != "tigger" || cfg.VM.Memory != "dense" {
		t.Errorf("vm section = %+v", cfg.VM)
	}
	if cfg.Debugger.Prompt != "(mdb) " || cfg.Debugger.Layout != "asm" {
		t.Errorf("debugger section = %+v", cfg.Debugger)
	}
	if cfg.HistoryPath() != "/tmp/minivm_history" {
		t.Errorf("HistoryPath() = %q", cfg.HistoryPath())
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "[vm]\nmode = \"tigger\"\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.VM.Mode != "tigger" {
		t.Errorf("mode = %q", cfg.VM.Mode)
	}
	if cfg.Debugger.Prompt != "minidbg> " {
		t.Errorf("prompt lost its default: %q", cfg.Debugger.Prompt)
	}
}

func TestMissingFileIsNil(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil || cfg != nil {
		t.Errorf("LoadFile(absent) = %v, %v; want nil, nil", cfg, err)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad mode":   "[vm]\nmode = \"llvm\"\n",
		"bad memory": "[vm]\nmemory = \"paged\"\n",
		"bad layout": "[debugger]\nlayout = \"tui\"\n",
		"bad toml":   "vm = [\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, content)
			if _, err := LoadFile(path); err == nil {
				t.Errorf("LoadFile accepted %s", name)
			}
		})
	}
}
