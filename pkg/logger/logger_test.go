package logger

import (
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"console", FormatConsole, false},
		{"text", FormatConsole, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnableCategoryAll(t *testing.T) {
	cfg := NewConfig()
	cfg.EnableCategory(DebugAll)
	for _, cat := range allCategories {
		if !cfg.IsCategoryEnabled(cat) {
			t.Errorf("category %s not enabled by %s", cat, DebugAll)
		}
	}
	if !cfg.IsDebugEnabled() {
		t.Error("IsDebugEnabled() = false after enabling categories")
	}
}

func TestEnableCategorySingle(t *testing.T) {
	cfg := NewConfig()
	cfg.EnableCategory(DebugIOCtl)
	if !cfg.IsCategoryEnabled(DebugIOCtl) {
		t.Error("ioctl category not enabled")
	}
	if cfg.IsCategoryEnabled(DebugFrame) {
		t.Error("frame category unexpectedly enabled")
	}
}

func TestFlagsToConfig(t *testing.T) {
	f := &Flags{LogLevel: "debug", LogFormat: "json", Debug: "frame, ioctl"}
	cfg, err := f.ToConfig()
	if err != nil {
		t.Fatalf("ToConfig() error = %v", err)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("Format = %q, want %q", cfg.Format, FormatJSON)
	}
	if !cfg.IsCategoryEnabled(DebugFrame) || !cfg.IsCategoryEnabled(DebugIOCtl) {
		t.Error("debug categories from flag list not enabled")
	}
}

func TestFlagsToConfigRejectsUnknownCategory(t *testing.T) {
	f := &Flags{LogLevel: "info", LogFormat: "console", Debug: "nal"}
	if _, err := f.ToConfig(); err == nil {
		t.Error("ToConfig() accepted unknown debug category")
	}
}
