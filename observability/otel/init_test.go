package otel

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer abc ,x-team=escrow,,broken, =skip")
	if len(headers) != 2 {
		t.Fatalf("expected 2 headers, got %v", headers)
	}
	if headers["authorization"] != "Bearer abc" || headers["x-team"] != "escrow" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "k=v")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")

	cfg := FromEnv(Config{ServiceName: "escrowd"})
	if cfg.Endpoint != "collector:4318" || cfg.Headers["k"] != "v" || !cfg.Insecure {
		t.Fatalf("unexpected config %+v", cfg)
	}
	cfg = FromEnv(Config{ServiceName: "escrowd", Endpoint: "explicit:4318"})
	if cfg.Endpoint != "explicit:4318" {
		t.Fatalf("explicit endpoint overridden: %s", cfg.Endpoint)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
	shutdown, err := Init(context.Background(), Config{ServiceName: "escrowd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []Config{
		{ServiceName: "  "},
		{ServiceName: "escrowd", SampleRatio: 1.5},
		{ServiceName: "escrowd", SampleRatio: -0.1},
		{ServiceName: "escrowd", MetricInterval: -time.Second},
	}
	for _, cfg := range cases {
		if _, err := Init(context.Background(), cfg); err == nil {
			t.Fatalf("expected %+v to be rejected", cfg)
		}
	}
}

func TestSamplerSelection(t *testing.T) {
	if got := sampler(0).Description(); !strings.Contains(got, "AlwaysOnSampler") {
		t.Fatalf("expected always-on root sampler, got %s", got)
	}
	if got := sampler(0.25).Description(); !strings.Contains(got, "TraceIDRatioBased{0.25}") {
		t.Fatalf("expected ratio sampler, got %s", got)
	}
}

func TestFromEnvSampleRatio(t *testing.T) {
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.5")
	if cfg := FromEnv(Config{ServiceName: "gw"}); cfg.SampleRatio != 0.5 {
		t.Fatalf("expected ratio from env, got %v", cfg.SampleRatio)
	}
	if cfg := FromEnv(Config{ServiceName: "gw", SampleRatio: 0.1}); cfg.SampleRatio != 0.1 {
		t.Fatalf("explicit ratio overridden: %v", cfg.SampleRatio)
	}
}

func TestShutdownChainReportsEveryFailure(t *testing.T) {
	var order []int
	errFirst, errLast := errors.New("first"), errors.New("last")
	chain := shutdownChain{
		func(context.Context) error { order = append(order, 1); return errFirst },
		func(context.Context) error { order = append(order, 2); return nil },
		func(context.Context) error { order = append(order, 3); return errLast },
	}
	err := chain.run(context.Background())
	if !errors.Is(err, errFirst) || !errors.Is(err, errLast) {
		t.Fatalf("expected both failures, got %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Fatalf("expected reverse order, got %v", order)
	}
}
