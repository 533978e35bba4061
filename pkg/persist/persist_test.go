package persist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ezsetup/ezpf/pkg/runner"
)

// fakeDumper returns a fixed ruleset text.
type fakeDumper struct {
	text string
	err  error
}

func (f *fakeDumper) Dump() (string, error) {
	return f.text, f.err
}

func singleTarget(path, preamble string, dumper *fakeDumper) []Target {
	return []Target{{Path: path, Preamble: preamble, Dump: dumper.Dump}}
}

func TestPersistWritesRulesetAndRestartsUnit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nftables.conf")
	run := runner.NewFake()
	dumper := &fakeDumper{text: "table ip port_forward {\n}\n"}

	p := New(singleTarget(path, NFTPreamble, dumper), run, "nftables", true, zap.NewNop())
	if err := p.Persist(); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ruleset not written: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, NFTPreamble) {
		t.Errorf("missing preamble:\n%s", content)
	}
	if !strings.Contains(content, "port_forward") {
		t.Errorf("missing dump content:\n%s", content)
	}

	lines := run.CommandLines()
	if len(lines) != 2 || lines[0] != "systemctl enable nftables" || lines[1] != "systemctl restart nftables" {
		t.Errorf("unexpected service commands: %v", lines)
	}

	// No prior file existed, so no backup is taken.
	backups, _ := filepath.Glob(path + ".*.bak")
	if len(backups) != 0 {
		t.Errorf("unexpected backups: %v", backups)
	}
}

func TestPersistPerFamilyTargets(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "rules")
	run := runner.NewFake()
	v4 := &fakeDumper{text: "*nat\n-A EZPF-PREROUTING -p tcp --dport 8080 -j DNAT --to-destination 10.0.0.5:8080\nCOMMIT\n"}
	v6 := &fakeDumper{text: "*nat\n-A EZPF-PREROUTING -p tcp --dport 443 -j DNAT --to-destination [2001:db8::1]:8443\nCOMMIT\n"}

	targets := []Target{
		{Path: base + ".v4", Dump: v4.Dump},
		{Path: base + ".v6", Dump: v6.Dump},
	}
	p := New(targets, run, "netfilter-persistent", true, zap.NewNop())
	if err := p.Persist(); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	// Each family's save lands in its own file, with no cross
	// contamination; a mixed file would abort either restore tool.
	data4, err := os.ReadFile(base + ".v4")
	if err != nil {
		t.Fatalf("v4 save not written: %v", err)
	}
	if !strings.Contains(string(data4), "10.0.0.5:8080") || strings.Contains(string(data4), "2001:db8::1") {
		t.Errorf("v4 save content wrong:\n%s", data4)
	}
	data6, err := os.ReadFile(base + ".v6")
	if err != nil {
		t.Fatalf("v6 save not written: %v", err)
	}
	if !strings.Contains(string(data6), "[2001:db8::1]:8443") || strings.Contains(string(data6), "10.0.0.5") {
		t.Errorf("v6 save content wrong:\n%s", data6)
	}

	lines := run.CommandLines()
	if len(lines) != 2 || lines[0] != "systemctl enable netfilter-persistent" || lines[1] != "systemctl restart netfilter-persistent" {
		t.Errorf("unexpected service commands: %v", lines)
	}
}

func TestPersistBacksUpPreviousRuleset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nftables.conf")
	if err := os.WriteFile(path, []byte("old ruleset\n"), 0644); err != nil {
		t.Fatal(err)
	}

	run := runner.NewFake()
	dumper := &fakeDumper{text: "new ruleset\n"}
	p := New(singleTarget(path, NFTPreamble, dumper), run, "nftables", true, zap.NewNop())

	if err := p.Persist(); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	backups, err := filepath.Glob(path + ".*.bak")
	if err != nil || len(backups) != 1 {
		t.Fatalf("expected 1 backup, got %v (%v)", backups, err)
	}
	backup, _ := os.ReadFile(backups[0])
	if string(backup) != "old ruleset\n" {
		t.Errorf("backup content = %q", string(backup))
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "new ruleset") {
		t.Errorf("canonical file not overwritten: %q", string(data))
	}
}

func TestPersistBackupsDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nftables.conf")
	if err := os.WriteFile(path, []byte("old\n"), 0644); err != nil {
		t.Fatal(err)
	}

	p := New(singleTarget(path, "", &fakeDumper{text: "new\n"}), runner.NewFake(), "nftables", false, zap.NewNop())
	if err := p.Persist(); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	backups, _ := filepath.Glob(path + ".*.bak")
	if len(backups) != 0 {
		t.Errorf("backups taken although disabled: %v", backups)
	}
}

func TestPersistServiceFailureIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nftables.conf")
	run := runner.NewFake()
	run.Errs["systemctl enable nftables"] = errors.New("no systemd")
	run.Errs["systemctl restart nftables"] = errors.New("no systemd")

	p := New(singleTarget(path, "", &fakeDumper{text: "ruleset\n"}), run, "nftables", true, zap.NewNop())
	if err := p.Persist(); err != nil {
		t.Fatalf("service failures must not fail Persist: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("ruleset file missing: %v", err)
	}
}

func TestPersistDumpFailure(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "rules")
	targets := []Target{
		{Path: base + ".v4", Dump: (&fakeDumper{text: "v4\n"}).Dump},
		{Path: base + ".v6", Dump: (&fakeDumper{err: errors.New("save unavailable")}).Dump},
	}
	p := New(targets, runner.NewFake(), "netfilter-persistent", true, zap.NewNop())

	if err := p.Persist(); err == nil {
		t.Fatal("expected Persist to fail when a dump fails")
	}
	// All dumps are taken before the first write, so even the healthy
	// target's file stays untouched.
	if _, err := os.Stat(base + ".v4"); !os.IsNotExist(err) {
		t.Error("v4 file written despite failed dump")
	}
	if _, err := os.Stat(base + ".v6"); !os.IsNotExist(err) {
		t.Error("v6 file written despite failed dump")
	}
}
