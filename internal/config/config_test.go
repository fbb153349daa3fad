package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ORDER_PAGE_SIZE", "")
	t.Setenv("STRICT_STOCK", "")
	t.Setenv("EVENTS_DRIVER", "")

	cfg := Load()
	if cfg.OrderPageSize != 100 {
		t.Fatalf("expected default page size 100, got %d", cfg.OrderPageSize)
	}
	if cfg.StrictStock {
		t.Fatalf("expected permissive stock mode by default")
	}
	if cfg.EventsDriver != "none" {
		t.Fatalf("expected events driver none, got %q", cfg.EventsDriver)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("STRICT_STOCK", "true")
	t.Setenv("ORDER_PAGE_SIZE", "25")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("EVENTS_DRIVER", "KAFKA")

	cfg := Load()
	if !cfg.StrictStock {
		t.Fatalf("expected strict stock mode")
	}
	if cfg.OrderPageSize != 25 {
		t.Fatalf("expected page size 25, got %d", cfg.OrderPageSize)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.EventsDriver != "kafka" {
		t.Fatalf("expected kafka driver, got %q", cfg.EventsDriver)
	}
}

func TestLoadRejectsInvalidPageSize(t *testing.T) {
	t.Setenv("ORDER_PAGE_SIZE", "-5")

	if got := Load().OrderPageSize; got != 100 {
		t.Fatalf("expected fallback 100, got %d", got)
	}
}
