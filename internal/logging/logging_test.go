package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithOperation(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := WithOperation(context.Background(), base, "sync")
	id := OperationID(ctx)
	if id == "" {
		t.Fatal("OperationID returned empty string")
	}

	WithContext(ctx, nil).Info("transfer done")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["op"] != "sync" {
		t.Errorf("op field = %v, want sync", fields["op"])
	}
	if fields["operation_id"] != id {
		t.Errorf("operation_id field = %v, want %s", fields["operation_id"], id)
	}
}

func TestWithOperation_UniqueIDs(t *testing.T) {
	a := OperationID(WithOperation(context.Background(), zap.NewNop(), "cp"))
	b := OperationID(WithOperation(context.Background(), zap.NewNop(), "cp"))
	if a == b {
		t.Errorf("operation IDs should differ, both %q", a)
	}
}

func TestWithContext_Fallback(t *testing.T) {
	fallback := zap.NewNop()
	if got := WithContext(context.Background(), fallback); got != fallback {
		t.Error("WithContext should return the fallback when the context has no logger")
	}
	if WithContext(context.Background(), nil) == nil {
		t.Error("WithContext(nil fallback) returned nil")
	}
}

func TestInit(t *testing.T) {
	defer SetLogger(nil)

	if err := Init(Config{Level: "debug", Format: "console"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !L().Core().Enabled(zap.DebugLevel) {
		t.Error("debug level should be enabled after Init(debug)")
	}

	if err := Init(Config{Level: "error", Format: "json"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if L().Core().Enabled(zap.InfoLevel) {
		t.Error("info level should be disabled after Init(error)")
	}
}

func TestPackageHelpers(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	SetLogger(zap.New(core))
	defer SetLogger(nil)

	Debug("hidden")
	Info("hidden")
	Warn("close backends")
	Error("metrics server error")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != zap.WarnLevel || entries[1].Level != zap.ErrorLevel {
		t.Errorf("levels = %v, %v", entries[0].Level, entries[1].Level)
	}
}
