package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/retrosync/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: verbose\n",
			mention: "server.log_level",
		},
		{
			name:    "zero output rate",
			yaml:    "audio:\n  output_rate: 0\n",
			mention: "audio.output_rate",
		},
		{
			name:    "negative output rate",
			yaml:    "audio:\n  output_rate: -48000\n",
			mention: "audio.output_rate",
		},
		{
			name:    "zero buffer",
			yaml:    "audio:\n  buffer_frames: 0\n",
			mention: "audio.buffer_frames",
		},
		{
			name:    "huge buffer",
			yaml:    "audio:\n  buffer_frames: 100000000\n",
			mention: "audio.buffer_frames",
		},
		{
			name:    "invalid sink",
			yaml:    "audio:\n  sink: pulse\n",
			mention: "audio.sink",
		},
		{
			name:    "negative pull period",
			yaml:    "audio:\n  pull_period: -5ms\n",
			mention: "audio.pull_period",
		},
		{
			name:    "missing core name",
			yaml:    "core:\n  name: \"\"\n",
			mention: "core.name",
		},
		{
			name:    "empty game file",
			yaml:    "core:\n  game_files: [\"a.sfc\", \"\"]\n",
			mention: "core.game_files[1]",
		},
		{
			name:    "wasm without module",
			yaml:    "core:\n  name: wasm\n",
			mention: "wasm requires",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error should mention %q, got: %v", tt.mention, err)
			}
		})
	}
}

func TestValidate_WasmWithGameFilesIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
core:
  name: wasm
  game_dir: /srv/games
  game_files: [demo.wasm]
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_UnknownCoreOnlyWarns(t *testing.T) {
	t.Parallel()
	if _, err := config.LoadFromReader(strings.NewReader("core:\n  name: libretro-snes9x\n")); err != nil {
		t.Errorf("unknown core name should not fail validation, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
audio:
  output_rate: 0
  sink: pulse
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"server.log_level", "audio.output_rate", "audio.sink"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_Direct(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate(Default()) = %v", err)
	}
	cfg.Audio.Sink = ""
	if err := config.Validate(cfg); err == nil {
		t.Error("expected error for empty sink")
	}
}
