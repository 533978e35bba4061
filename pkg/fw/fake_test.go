package fw

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestFakeEngineAddForwarding(t *testing.T) {
	engine := NewFakeEngine(zap.NewNop())

	rule := ForwardingRule{Family: FamilyIPv4, LocalPort: 8080, RemoteAddr: "10.0.0.5", RemotePort: 8080}
	if err := engine.AddForwarding(rule); err != nil {
		t.Fatalf("AddForwarding failed: %v", err)
	}

	if got := len(engine.Rules()); got != 4 {
		t.Fatalf("expected 4 rules, got %d", got)
	}

	exists, err := engine.TableExists()
	if err != nil || !exists {
		t.Fatalf("TableExists = %v, %v", exists, err)
	}

	dump, err := engine.Dump()
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if !strings.Contains(dump, "dport 8080") || !strings.Contains(dump, "10.0.0.5:8080") {
		t.Errorf("dump missing forwarded port or target:\n%s", dump)
	}
	if !strings.Contains(dump, "masquerade") {
		t.Errorf("dump missing masquerade rules:\n%s", dump)
	}
}

func TestFakeEngineIPv6BracketedTarget(t *testing.T) {
	engine := NewFakeEngine(zap.NewNop())

	rule := ForwardingRule{Family: FamilyIPv6, LocalPort: 443, RemoteAddr: "2001:db8::1", RemotePort: 8443}
	if err := engine.AddForwarding(rule); err != nil {
		t.Fatalf("AddForwarding failed: %v", err)
	}

	dump, _ := engine.Dump()
	if !strings.Contains(dump, "dnat to [2001:db8::1]:8443") {
		t.Errorf("IPv6 DNAT target not bracketed:\n%s", dump)
	}
}

func TestFakeEngineDumpFamily(t *testing.T) {
	engine := NewFakeEngine(zap.NewNop())

	v4 := ForwardingRule{Family: FamilyIPv4, LocalPort: 8080, RemoteAddr: "10.0.0.5", RemotePort: 8080}
	if err := engine.AddForwarding(v4); err != nil {
		t.Fatalf("AddForwarding failed: %v", err)
	}

	dump4, err := engine.DumpFamily(FamilyIPv4)
	if err != nil {
		t.Fatalf("DumpFamily(v4) failed: %v", err)
	}
	if !strings.Contains(dump4, "10.0.0.5:8080") {
		t.Errorf("v4 dump missing rule:\n%s", dump4)
	}

	dump6, err := engine.DumpFamily(FamilyIPv6)
	if err != nil {
		t.Fatalf("DumpFamily(v6) failed: %v", err)
	}
	if dump6 != "" {
		t.Errorf("expected empty v6 dump, got:\n%s", dump6)
	}
}

func TestFakeEngineDeleteAll(t *testing.T) {
	engine := NewFakeEngine(zap.NewNop())

	if err := engine.DeleteAll(); !errors.Is(err, ErrNothingToClear) {
		t.Fatalf("expected ErrNothingToClear, got %v", err)
	}

	rule := ForwardingRule{Family: FamilyIPv4, LocalPort: 8080, RemoteAddr: "10.0.0.5", RemotePort: 8080}
	if err := engine.AddForwarding(rule); err != nil {
		t.Fatalf("AddForwarding failed: %v", err)
	}
	if err := engine.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	if got := len(engine.Rules()); got != 0 {
		t.Errorf("expected 0 rules after clear, got %d", got)
	}
	exists, _ := engine.TableExists()
	if exists {
		t.Error("table still reported after DeleteAll")
	}
}

func TestFakeEngineFailAdd(t *testing.T) {
	engine := NewFakeEngine(zap.NewNop())
	engine.FailAdd = errors.New("injected")

	rule := ForwardingRule{Family: FamilyIPv4, LocalPort: 8080, RemoteAddr: "10.0.0.5", RemotePort: 8080}
	if err := engine.AddForwarding(rule); err == nil {
		t.Fatal("expected injected failure")
	}
	if got := len(engine.Rules()); got != 0 {
		t.Errorf("expected no rules after failed add, got %d", got)
	}
}
