package routing

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRoutes(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.json")
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write routes file: %v", err)
	}
	return path
}

func TestResolverResolveCluster(t *testing.T) {
	path := writeRoutes(t, `{
  "default_cluster": "cluster-a",
  "clusters": {
    "cluster-a": {"brokers": ["localhost:9092"]},
    "cluster-b": {"brokers": ["localhost:9093"]}
  },
  "routes": [
    {"tenant_id": "tenant-1", "location_id": "loc-1", "cluster": "cluster-b"}
  ]
}`)
	resolver, err := Load(path)
	if err != nil {
		t.Fatalf("load routes: %v", err)
	}
	if got, ok := resolver.ResolveCluster("tenant-1", "loc-1"); !ok || got != "cluster-b" {
		t.Fatalf("expected cluster-b, got %q (ok=%v)", got, ok)
	}
	if got, ok := resolver.ResolveCluster("tenant-2", "loc-2"); !ok || got != "cluster-a" {
		t.Fatalf("expected default cluster-a, got %q (ok=%v)", got, ok)
	}
}

func TestResolverResolveTopic(t *testing.T) {
	path := writeRoutes(t, `{
  "default_topic": "ingest.partner.orders",
  "topic_map": {"payment.captured": "ingest.payments.webhooks"},
  "clusters": {
    "cluster-a": {"brokers": ["localhost:9092"]}
  }
}`)
	resolver, err := Load(path)
	if err != nil {
		t.Fatalf("load routes: %v", err)
	}
	if got := resolver.ResolveTopic("payment.captured", ""); got != "ingest.payments.webhooks" {
		t.Fatalf("topic map not applied, got %q", got)
	}
	if got := resolver.ResolveTopic("order.placed", ""); got != "ingest.partner.orders" {
		t.Fatalf("default topic not applied, got %q", got)
	}
	if got := resolver.ResolveTopic("order.placed", "ingest.pos.orders"); got != "ingest.pos.orders" {
		t.Fatalf("requested topic should win, got %q", got)
	}
}

func TestLoadRejectsBadRoutes(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"missing location", `{
  "clusters": {"a": {"brokers": ["localhost:9092"]}},
  "routes": [{"tenant_id": "t1", "cluster": "a"}]
}`},
		{"unknown cluster", `{
  "clusters": {"a": {"brokers": ["localhost:9092"]}},
  "routes": [{"tenant_id": "t1", "location_id": "l1", "cluster": "b"}]
}`},
		{"duplicate route", `{
  "clusters": {"a": {"brokers": ["localhost:9092"]}},
  "routes": [
    {"tenant_id": "t1", "location_id": "l1", "cluster": "a"},
    {"tenant_id": "T1", "location_id": "L1", "cluster": "a"}
  ]
}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeRoutes(t, tc.data)); err == nil {
				t.Fatalf("expected load to fail")
			}
		})
	}
}
