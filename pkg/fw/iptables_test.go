package fw

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ezsetup/ezpf/pkg/runner"
)

// fakeIPT is an in-memory IPTHandle recording chains and rules.
type fakeIPT struct {
	chains map[string][]string // table/chain -> rulespecs
	fail   map[string]error    // chain -> error on AppendUnique
}

func newFakeIPT() *fakeIPT {
	return &fakeIPT{
		chains: make(map[string][]string),
		fail:   make(map[string]error),
	}
}

func (f *fakeIPT) key(table, chain string) string { return table + "/" + chain }

func (f *fakeIPT) ChainExists(table, chain string) (bool, error) {
	_, ok := f.chains[f.key(table, chain)]
	return ok, nil
}

func (f *fakeIPT) NewChain(table, chain string) error {
	f.chains[f.key(table, chain)] = []string{}
	return nil
}

func (f *fakeIPT) ClearChain(table, chain string) error {
	f.chains[f.key(table, chain)] = []string{}
	return nil
}

func (f *fakeIPT) DeleteChain(table, chain string) error {
	delete(f.chains, f.key(table, chain))
	return nil
}

func (f *fakeIPT) AppendUnique(table, chain string, rulespec ...string) error {
	if err := f.fail[chain]; err != nil {
		return err
	}
	k := f.key(table, chain)
	if _, ok := f.chains[k]; !ok {
		// iptables implicitly knows the built-in hook chains.
		f.chains[k] = []string{}
	}
	spec := strings.Join(rulespec, " ")
	for _, existing := range f.chains[k] {
		if existing == spec {
			return nil
		}
	}
	f.chains[k] = append(f.chains[k], spec)
	return nil
}

func (f *fakeIPT) DeleteIfExists(table, chain string, rulespec ...string) error {
	k := f.key(table, chain)
	spec := strings.Join(rulespec, " ")
	var kept []string
	for _, existing := range f.chains[k] {
		if existing != spec {
			kept = append(kept, existing)
		}
	}
	f.chains[k] = kept
	return nil
}

func newTestIPTEngine() (*IPTEngine, *fakeIPT, *fakeIPT) {
	v4 := newFakeIPT()
	v6 := newFakeIPT()
	return NewIPTEngineWithHandles(v4, v6, runner.NewFake(), zap.NewNop()), v4, v6
}

func TestIPTEngineEnsureTableIdempotent(t *testing.T) {
	engine, v4, _ := newTestIPTEngine()

	for i := 0; i < 3; i++ {
		if err := engine.EnsureTable(FamilyIPv4); err != nil {
			t.Fatalf("EnsureTable #%d failed: %v", i+1, err)
		}
	}

	if _, ok := v4.chains["nat/"+preChain]; !ok {
		t.Error("prerouting chain missing")
	}
	if _, ok := v4.chains["nat/"+postChain]; !ok {
		t.Error("postrouting chain missing")
	}
	// AppendUnique keeps the jump rules single.
	if got := len(v4.chains["nat/PREROUTING"]); got != 1 {
		t.Errorf("expected 1 PREROUTING jump rule, got %d", got)
	}
	if got := len(v4.chains["nat/POSTROUTING"]); got != 1 {
		t.Errorf("expected 1 POSTROUTING jump rule, got %d", got)
	}
}

func TestIPTEngineAddForwarding(t *testing.T) {
	engine, v4, _ := newTestIPTEngine()

	rule := ForwardingRule{Family: FamilyIPv4, LocalPort: 8080, RemoteAddr: "10.0.0.5", RemotePort: 8080}
	if err := engine.AddForwarding(rule); err != nil {
		t.Fatalf("AddForwarding failed: %v", err)
	}

	pre := v4.chains["nat/"+preChain]
	post := v4.chains["nat/"+postChain]
	if len(pre) != 2 || len(post) != 2 {
		t.Fatalf("expected 2+2 rules, got %d+%d", len(pre), len(post))
	}
	for _, spec := range pre {
		if !strings.Contains(spec, "--to-destination 10.0.0.5:8080") {
			t.Errorf("DNAT rule missing target: %q", spec)
		}
	}
	for _, spec := range post {
		if !strings.Contains(spec, "-j MASQUERADE") || !strings.Contains(spec, "-d 10.0.0.5") {
			t.Errorf("masquerade rule malformed: %q", spec)
		}
	}
}

func TestIPTEngineIPv6BracketedDestination(t *testing.T) {
	engine, _, v6 := newTestIPTEngine()

	rule := ForwardingRule{Family: FamilyIPv6, LocalPort: 443, RemoteAddr: "2001:db8::1", RemotePort: 8443}
	if err := engine.AddForwarding(rule); err != nil {
		t.Fatalf("AddForwarding failed: %v", err)
	}

	found := false
	for _, spec := range v6.chains["nat/"+preChain] {
		if strings.Contains(spec, "--to-destination [2001:db8::1]:8443") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected bracketed IPv6 destination, rules: %v", v6.chains["nat/"+preChain])
	}
}

func TestIPTEngineBestEffortPartialFailure(t *testing.T) {
	engine, v4, _ := newTestIPTEngine()
	if err := engine.EnsureTable(FamilyIPv4); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}
	v4.fail[postChain] = errors.New("injected")

	rule := ForwardingRule{Family: FamilyIPv4, LocalPort: 8080, RemoteAddr: "10.0.0.5", RemotePort: 8080}
	if err := engine.AddForwarding(rule); err == nil {
		t.Fatal("expected failure")
	}

	// Best-effort semantics: the DNAT rules that succeeded stay applied.
	if got := len(v4.chains["nat/"+preChain]); got != 2 {
		t.Errorf("expected 2 applied DNAT rules, got %d", got)
	}
}

func TestIPTEngineDeleteAll(t *testing.T) {
	engine, v4, _ := newTestIPTEngine()

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

	if _, ok := v4.chains["nat/"+preChain]; ok {
		t.Error("prerouting chain still present after DeleteAll")
	}
	if got := len(v4.chains["nat/PREROUTING"]); got != 0 {
		t.Errorf("jump rule still present after DeleteAll: %d", got)
	}

	exists, err := engine.TableExists()
	if err != nil {
		t.Fatalf("TableExists failed: %v", err)
	}
	if exists {
		t.Error("chains still reported after DeleteAll")
	}
}

func TestIPTEngineTableExistsWithOnlyPostroutingChain(t *testing.T) {
	engine, v4, _ := newTestIPTEngine()

	// A failed EnsureTable can leave just one of the two chains behind;
	// it must still be reported so the operator can clear it.
	if err := v4.NewChain(natTable, postChain); err != nil {
		t.Fatal(err)
	}

	exists, err := engine.TableExists()
	if err != nil {
		t.Fatalf("TableExists failed: %v", err)
	}
	if !exists {
		t.Fatal("lone postrouting chain not reported")
	}

	if err := engine.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	if _, ok := v4.chains["nat/"+postChain]; ok {
		t.Error("postrouting chain still present after DeleteAll")
	}
}

func TestIPTEngineDumpFamily(t *testing.T) {
	v4 := newFakeIPT()
	v6 := newFakeIPT()
	run := runner.NewFake()
	run.Outputs["iptables-save -t nat"] = []byte("*nat\n-A EZPF-PREROUTING -p tcp --dport 8080 -j DNAT --to-destination 10.0.0.5:8080\nCOMMIT\n")
	run.Outputs["ip6tables-save -t nat"] = []byte("*nat\n-A EZPF-PREROUTING -p tcp --dport 443 -j DNAT --to-destination [2001:db8::1]:8443\nCOMMIT\n")
	engine := NewIPTEngineWithHandles(v4, v6, run, zap.NewNop())

	// Each family's save must stay family-pure: iptables-restore aborts
	// on IPv6 rules and vice versa, so the persisted files cannot mix.
	dump4, err := engine.DumpFamily(FamilyIPv4)
	if err != nil {
		t.Fatalf("DumpFamily(v4) failed: %v", err)
	}
	if !strings.Contains(dump4, "10.0.0.5:8080") || strings.Contains(dump4, "2001:db8::1") {
		t.Errorf("v4 dump content wrong: %q", dump4)
	}

	dump6, err := engine.DumpFamily(FamilyIPv6)
	if err != nil {
		t.Fatalf("DumpFamily(v6) failed: %v", err)
	}
	if !strings.Contains(dump6, "[2001:db8::1]:8443") || strings.Contains(dump6, "10.0.0.5") {
		t.Errorf("v6 dump content wrong: %q", dump6)
	}
}

func TestIPTEngineDump(t *testing.T) {
	v4 := newFakeIPT()
	v6 := newFakeIPT()
	run := runner.NewFake()
	run.Outputs["iptables-save -t nat"] = []byte("*nat\n-A EZPF-PREROUTING ...\nCOMMIT\n")
	run.Outputs["ip6tables-save -t nat"] = []byte("*nat\nCOMMIT\n")
	engine := NewIPTEngineWithHandles(v4, v6, run, zap.NewNop())

	dump, err := engine.Dump()
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if !strings.Contains(dump, "EZPF-PREROUTING") {
		t.Errorf("unexpected dump: %q", dump)
	}
}
