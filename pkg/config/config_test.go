package config

import (
	"testing"

	"gopkg.in/yaml.v3"
)

// TestHostSettingsDecodesAllThreeShapes exercises spec.md §6.2: hosts may be
// a mapping (keyword args), a list (positional args), or a bare scalar.
func TestHostSettingsDecodesAllThreeShapes(t *testing.T) {
	var cc ClusterConfig
	doc := `
backend: redis
hosts:
  0: { host: localhost, port: 6379 }
  1: [localhost, 6380]
  2: localhost:6381
`
	if err := yaml.Unmarshal([]byte(doc), &cc); err != nil {
		t.Fatal(err)
	}
	if err := cc.resolveHosts(); err != nil {
		t.Fatal(err)
	}
	if len(cc.HostsMap) != 3 {
		t.Fatalf("got %d hosts, want 3", len(cc.HostsMap))
	}
	if cc.HostsMap["0"].Mapping["host"] != "localhost" {
		t.Fatalf("host 0 mapping not decoded: %+v", cc.HostsMap["0"])
	}
	if len(cc.HostsMap["1"].Positional) != 2 {
		t.Fatalf("host 1 positional list not decoded: %+v", cc.HostsMap["1"])
	}
	if cc.HostsMap["2"].Scalar != "localhost:6381" {
		t.Fatalf("host 2 scalar not decoded: %+v", cc.HostsMap["2"])
	}
}

// TestHostSettingsMergeHostValuesWin exercises spec.md §6.2's "defaults
// merged into each host's settings (host values win)".
func TestHostSettingsMergeHostValuesWin(t *testing.T) {
	h := HostSettings{Mapping: map[string]any{"port": 6380, "db": 2}}
	defaults := map[string]any{"port": 6379, "password": "secret"}

	merged := h.Merge(defaults)
	if merged["port"] != 6380 {
		t.Fatalf("host port should win over default, got %v", merged["port"])
	}
	if merged["password"] != "secret" {
		t.Fatalf("default password should carry through, got %v", merged["password"])
	}
	if merged["db"] != 2 {
		t.Fatalf("host-only key should carry through, got %v", merged["db"])
	}
}

// TestOrderedHostsSortsNumericallyNotLexically guards against a mapping
// whose string keys ("2","10") would sort wrong as plain strings.
func TestOrderedHostsSortsNumericallyNotLexically(t *testing.T) {
	cc := ClusterConfig{HostsMap: map[string]HostSettings{
		"10": {Scalar: "b"},
		"2":  {Scalar: "a"},
		"0":  {Scalar: "c"},
	}}
	indices, _, err := cc.OrderedHosts()
	if err != nil {
		t.Fatal(err)
	}
	want := []int{0, 2, 10}
	if len(indices) != len(want) {
		t.Fatalf("got %v, want %v", indices, want)
	}
	for i := range want {
		if indices[i] != want[i] {
			t.Fatalf("got %v, want %v", indices, want)
		}
	}
}

// TestBackendNameFallsBackToLegacyEngineAlias exercises spec.md §6.2's
// "backend (or legacy alias engine)".
func TestBackendNameFallsBackToLegacyEngineAlias(t *testing.T) {
	cc := ClusterConfig{Engine: "redis"}
	if got := cc.BackendName(); got != "redis" {
		t.Fatalf("got %q, want \"redis\"", got)
	}
	cc = ClusterConfig{Backend: "pgkv", Engine: "redis"}
	if got := cc.BackendName(); got != "pgkv" {
		t.Fatalf("Backend should take precedence over Engine, got %q", got)
	}
}
