package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/roostlabs/roost/pkg/plugin"
	"go.uber.org/zap"
)

// testPlugin is a minimal plugin for testing.
type testPlugin struct {
	info      plugin.PluginInfo
	initErr   error
	startErr  error
	initOrder *[]string
	stopOrder *[]string
}

func newTestPlugin(name string, deps ...string) *testPlugin {
	return &testPlugin{
		info: plugin.PluginInfo{
			Name:         name,
			Version:      "1.0.0",
			Description:  "test plugin " + name,
			Dependencies: deps,
			APIVersion:   plugin.APIVersionCurrent,
		},
	}
}

func (p *testPlugin) Info() plugin.PluginInfo { return p.info }

func (p *testPlugin) Init(_ context.Context, _ plugin.Dependencies) error {
	if p.initOrder != nil {
		*p.initOrder = append(*p.initOrder, p.info.Name)
	}
	return p.initErr
}

func (p *testPlugin) Start(_ context.Context) error { return p.startErr }

func (p *testPlugin) Stop(_ context.Context) error {
	if p.stopOrder != nil {
		*p.stopOrder = append(*p.stopOrder, p.info.Name)
	}
	return nil
}

// testHTTPPlugin implements both Plugin and HTTPProvider.
type testHTTPPlugin struct {
	testPlugin
	routes []plugin.Route
}

func (p *testHTTPPlugin) Routes() []plugin.Route { return p.routes }

func noDeps(string) plugin.Dependencies { return plugin.Dependencies{} }

func TestRegisterDuplicate(t *testing.T) {
	r := New(zap.NewNop())
	if err := r.Register(newTestPlugin("roster")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(newTestPlugin("roster")); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestRegisterEmptyName(t *testing.T) {
	r := New(zap.NewNop())
	if err := r.Register(newTestPlugin("")); err == nil {
		t.Fatal("empty plugin name accepted")
	}
}

func TestValidateOrdersDependenciesFirst(t *testing.T) {
	r := New(zap.NewNop())
	var order []string
	lookout := newTestPlugin("lookout", "roster")
	lookout.initOrder = &order
	relay := newTestPlugin("relay", "roster")
	relay.initOrder = &order
	roster := newTestPlugin("roster")
	roster.initOrder = &order

	// Register dependents first to prove ordering is computed, not insertion.
	for _, p := range []plugin.Plugin{lookout, relay, roster} {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.InitAll(context.Background(), noDeps); err != nil {
		t.Fatalf("InitAll: %v", err)
	}

	if len(order) != 3 || order[0] != "roster" {
		t.Errorf("init order = %v, want roster first", order)
	}
}

func TestValidateMissingDependency(t *testing.T) {
	r := New(zap.NewNop())
	required := newTestPlugin("lookout", "roster")
	required.info.Required = true
	r.Register(required)
	if err := r.Validate(); err == nil {
		t.Fatal("missing dependency of required plugin accepted")
	}
}

func TestValidateDisablesOptionalOnMissingDependency(t *testing.T) {
	r := New(zap.NewNop())
	r.Register(newTestPlugin("lookout", "roster"))
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, ok := r.Get("lookout"); ok {
		t.Error("plugin with missing dependency still active")
	}
}

func TestValidateCycle(t *testing.T) {
	r := New(zap.NewNop())
	r.Register(newTestPlugin("a", "b"))
	r.Register(newTestPlugin("b", "a"))
	if err := r.Validate(); err == nil {
		t.Fatal("dependency cycle accepted")
	}
}

func TestValidateAPIVersion(t *testing.T) {
	r := New(zap.NewNop())
	stale := newTestPlugin("stale")
	stale.info.APIVersion = plugin.APIVersionCurrent + 1
	r.Register(stale)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, ok := r.Get("stale"); ok {
		t.Error("plugin with unsupported API version still active")
	}
}

func TestInitFailureDisablesOptional(t *testing.T) {
	r := New(zap.NewNop())
	bad := newTestPlugin("bad")
	bad.initErr = errors.New("boom")
	r.Register(bad)
	r.Register(newTestPlugin("good"))
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.InitAll(context.Background(), noDeps); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	if _, ok := r.Get("bad"); ok {
		t.Error("failed plugin still active")
	}
	if _, ok := r.Get("good"); !ok {
		t.Error("healthy plugin disabled")
	}
}

func TestInitFailureRequiredAborts(t *testing.T) {
	r := New(zap.NewNop())
	bad := newTestPlugin("bad")
	bad.initErr = errors.New("boom")
	bad.info.Required = true
	r.Register(bad)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.InitAll(context.Background(), noDeps); err == nil {
		t.Fatal("required plugin init failure ignored")
	}
}

func TestStopAllReverseOrder(t *testing.T) {
	r := New(zap.NewNop())
	var stops []string
	roster := newTestPlugin("roster")
	roster.stopOrder = &stops
	lookout := newTestPlugin("lookout", "roster")
	lookout.stopOrder = &stops
	r.Register(roster)
	r.Register(lookout)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.InitAll(context.Background(), noDeps); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	r.StopAll(context.Background())

	if len(stops) != 2 || stops[0] != "lookout" || stops[1] != "roster" {
		t.Errorf("stop order = %v, want dependents first", stops)
	}
}

func TestAllRoutes(t *testing.T) {
	r := New(zap.NewNop())
	hp := &testHTTPPlugin{
		testPlugin: *newTestPlugin("lookout"),
		routes: []plugin.Route{
			{Method: "GET", Path: "/fleet", Handler: nil},
		},
	}
	r.Register(hp)
	r.Register(newTestPlugin("roster"))
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	routes := r.AllRoutes()
	if len(routes) != 1 || len(routes["lookout"]) != 1 {
		t.Errorf("AllRoutes() = %v", routes)
	}
}

func TestResolveByRole(t *testing.T) {
	r := New(zap.NewNop())
	roster := newTestPlugin("roster")
	roster.info.Roles = []string{"trust_store"}
	r.Register(roster)
	r.Register(newTestPlugin("lookout"))
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	matches := r.ResolveByRole("trust_store")
	if len(matches) != 1 {
		t.Fatalf("ResolveByRole returned %d plugins, want 1", len(matches))
	}
	if matches[0].Info().Name != "roster" {
		t.Errorf("resolved %q", matches[0].Info().Name)
	}
}
