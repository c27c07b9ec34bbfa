package errors

import (
	"fmt"
	"testing"
)

func TestCategories(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		protocol  bool
		invalid   bool
		benign    bool
		retriable bool
	}{
		{"overflow", NewOverflow("message", 70000, 65536), true, false, false, false},
		{"parse", fmt.Errorf("field: %w", ErrProtocolParse), true, false, false, false},
		{"conflict", Wrap(ErrStoreConflict, "insert brw_stats_data"), false, false, true, false},
		{"connectivity", Wrapf(ErrStoreConnectivity, "epoch %d", 7), false, false, false, true},
		{"missing", NewMissingField("kafka.brokers"), false, true, false, false},
		{"invalid value", NewInvalidValue("store.driver", "mysql", "want duckdb or pgx"), false, true, false, false},
		{"not found", NewNotFound("ost", "fs1-OST0000"), false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsProtocolError(tt.err); got != tt.protocol {
				t.Errorf("IsProtocolError() = %v, want %v", got, tt.protocol)
			}
			if got := IsValidation(tt.err); got != tt.invalid {
				t.Errorf("IsValidation() = %v, want %v", got, tt.invalid)
			}
			if got := IsBenign(tt.err); got != tt.benign {
				t.Errorf("IsBenign() = %v, want %v", got, tt.benign)
			}
			if got := IsRetriable(tt.err); got != tt.retriable {
				t.Errorf("IsRetriable() = %v, want %v", got, tt.retriable)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "ctx") != nil || Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("wrapping nil returned an error")
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.Err() != nil {
		t.Fatal("empty collector returned an error")
	}

	v.Add(nil)
	v.AddField("collector.interval", "must be at least 1s")
	v.AddMissing("store.dsn")
	if !v.HasErrors() || len(v.Errors) != 2 {
		t.Fatalf("collected %d errors, want 2", len(v.Errors))
	}

	err := v.Err()
	if !Is(err, ErrInvalidConfig) || !Is(err, ErrMissingField) {
		t.Errorf("Err() = %v does not match both causes", err)
	}
}
