package stats

import (
	"encoding/json"
	"strings"
	"testing"
)

type stubProvider struct {
	name  string
	stats interface{}
}

func (p *stubProvider) GetStatsName() string  { return p.name }
func (p *stubProvider) GetStats() interface{} { return p.stats }

func TestRegisterAndCollect(t *testing.T) {
	sc := NewStatsCollector()
	sc.RegisterProvider(&stubProvider{name: "alpha", stats: map[string]interface{}{"count": 1}})
	sc.RegisterProvider(&stubProvider{name: "beta", stats: map[string]interface{}{"count": 2}})

	if sc.GetProviderCount() != 2 {
		t.Fatalf("expected 2 providers, got %d", sc.GetProviderCount())
	}

	all := sc.GetAllStats()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if _, ok := all["alpha"]; !ok {
		t.Fatal("alpha stats missing")
	}
}

func TestProviderNamesKeepRegistrationOrder(t *testing.T) {
	sc := NewStatsCollector()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		sc.RegisterProvider(&stubProvider{name: name, stats: map[string]interface{}{}})
	}

	names := sc.GetProviderNames()
	want := []string{"zeta", "alpha", "mid"}
	for i, n := range names {
		if n != want[i] {
			t.Fatalf("registration order lost: got %v", names)
		}
	}
}

func TestUnregisterProvider(t *testing.T) {
	sc := NewStatsCollector()
	sc.RegisterProvider(&stubProvider{name: "alpha", stats: map[string]interface{}{}})
	sc.RegisterProvider(&stubProvider{name: "beta", stats: map[string]interface{}{}})

	sc.UnregisterProvider("alpha")
	if sc.GetProviderCount() != 1 {
		t.Fatalf("expected 1 provider after unregister, got %d", sc.GetProviderCount())
	}
	if names := sc.GetProviderNames(); len(names) != 1 || names[0] != "beta" {
		t.Fatalf("unexpected names after unregister: %v", names)
	}
}

func TestReRegisterReplacesProvider(t *testing.T) {
	sc := NewStatsCollector()
	sc.RegisterProvider(&stubProvider{name: "alpha", stats: map[string]interface{}{"v": 1}})
	sc.RegisterProvider(&stubProvider{name: "alpha", stats: map[string]interface{}{"v": 2}})

	if sc.GetProviderCount() != 1 {
		t.Fatalf("re-registration duplicated provider, count=%d", sc.GetProviderCount())
	}
	all := sc.GetAllStats()
	stats := all["alpha"].(map[string]interface{})
	if stats["v"] != 2 {
		t.Fatalf("expected replacement stats, got %v", stats)
	}
}

func TestGetStatsAsJSON(t *testing.T) {
	sc := NewStatsCollector()
	sc.RegisterProvider(&stubProvider{name: "beta", stats: map[string]interface{}{"requests": int64(5)}})
	sc.RegisterProvider(&stubProvider{name: "alpha", stats: struct {
		Count int `json:"count"`
	}{Count: 3}})

	data, err := sc.GetStatsAsJSON()
	if err != nil {
		t.Fatalf("GetStatsAsJSON failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, data)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 top-level keys, got %v", decoded)
	}

	// Registration order must survive into the serialized document.
	if strings.Index(string(data), `"beta"`) > strings.Index(string(data), `"alpha"`) {
		t.Fatalf("providers serialized out of registration order:\n%s", data)
	}
}
