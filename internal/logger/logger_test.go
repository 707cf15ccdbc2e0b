package logger

import (
	"testing"

	"go.uber.org/zap"
)

// TestNewWithConfig tests logger creation with various configurations
func TestNewWithConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name:    "defaults",
			config:  &Config{},
			wantErr: false,
		},
		{
			name:    "debug console",
			config:  &Config{Level: "debug", Encoding: "console", Development: true},
			wantErr: false,
		},
		{
			name:    "invalid level",
			config:  &Config{Level: "loud"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := NewWithConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewWithConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && log == nil {
				t.Error("NewWithConfig() returned nil logger")
			}
		})
	}
}

// TestNew tests the level/format convenience constructor
func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console", "production"} {
		log, err := New("info", format)
		if err != nil {
			t.Fatalf("New(info, %s) error = %v", format, err)
		}
		if log == nil {
			t.Fatalf("New(info, %s) returned nil logger", format)
		}
	}
}

// TestWithComponent tests component field attachment
func TestWithComponent(t *testing.T) {
	log := WithComponent(zap.NewNop(), "fetcher")
	if log == nil {
		t.Fatal("WithComponent() returned nil")
	}
}
