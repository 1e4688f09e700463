package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestApplyConfigMap(t *testing.T) {
	cfg := Config{DispatchBatchSize: 10, HandlerTimeoutMS: 3000}
	var problems []Problem
	applyConfigMap(&cfg, map[string]any{
		"dispatch_batch_size": 25,
		"HANDLER_TIMEOUT_MS":  "1500",
		"RELAY_ENABLED":       true,
		"KAFKA_BROKERS":       []any{"k1:9092", " ", "k2:9092"},
		"EVENT_MAX_RETRIES":   "not-a-number",
		"UNKNOWN_KEY":         "ignored",
	}, &problems)

	if cfg.DispatchBatchSize != 25 {
		t.Fatalf("DispatchBatchSize = %d", cfg.DispatchBatchSize)
	}
	if cfg.HandlerTimeoutMS != 1500 {
		t.Fatalf("HandlerTimeoutMS = %d", cfg.HandlerTimeoutMS)
	}
	if !cfg.RelayEnabled {
		t.Fatalf("RelayEnabled not set")
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("KafkaBrokers = %#v", cfg.KafkaBrokers)
	}
	if len(problems) != 1 || problems[0].Field != "EVENT_MAX_RETRIES" {
		t.Fatalf("unexpected problems: %#v", problems)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	cfg, problems := Load("dispatcher", 8083)
	for _, p := range problems {
		if p.Field == "ENV" {
			t.Fatalf("ENV was provided, problem unexpected: %#v", p)
		}
	}
	if cfg.DispatchBatchSize != 10 || cfg.DispatchIdleSleepMS != 1000 || cfg.HandlerTimeoutMS != 3000 || cfg.EventMaxRetries != 5 {
		t.Fatalf("unexpected dispatch defaults: %+v", cfg)
	}
	if cfg.ServiceName != "dispatcher" || cfg.HTTPPort != 8083 {
		t.Fatalf("unexpected service defaults: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("DISPATCH_BATCH_SIZE", "7")
	t.Setenv("DISPATCH_IDLE_SLEEP_MS", "250")
	t.Setenv("TENANT_BASE_DOMAIN", "dinehub.io")
	cfg, _ := Load("dispatcher", 8083)
	if cfg.DispatchBatchSize != 7 || cfg.DispatchIdleSleepMS != 250 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.TenantBaseDomain != "dinehub.io" {
		t.Fatalf("TenantBaseDomain = %q", cfg.TenantBaseDomain)
	}
}
