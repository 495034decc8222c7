package config

import "testing"

func TestParseSize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "plain bytes", input: "1024", want: 1024},
		{name: "kilobytes", input: "10K", want: 10 * 1024},
		{name: "megabytes", input: "50M", want: 50 * 1024 * 1024},
		{name: "gigabytes", input: "2G", want: 2 * 1024 * 1024 * 1024},
		{name: "lowercase suffix", input: "5m", want: 5 * 1024 * 1024},
		{name: "whitespace", input: " 10K ", want: 10 * 1024},
		{name: "empty", input: "", wantErr: true},
		{name: "garbage", input: "lots", wantErr: true},
		{name: "suffix only", input: "M", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestGetEnvStringSlice(t *testing.T) {
	t.Setenv("TEST_FORMATS", "image/jpeg, image/png ,,image/gif")
	got := getEnvStringSlice("TEST_FORMATS", nil)
	want := []string{"image/jpeg", "image/png", "image/gif"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestGetEnvStringSliceDefault(t *testing.T) {
	got := getEnvStringSlice("TEST_FORMATS_UNSET", []string{"image/jpeg"})
	if len(got) != 1 || got[0] != "image/jpeg" {
		t.Errorf("default not returned: %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default Port=8080, got %s", cfg.Port)
	}
	if cfg.DBType != "sqlite" {
		t.Errorf("expected default DBType=sqlite, got %s", cfg.DBType)
	}
	if cfg.StorageBackend != "disk" {
		t.Errorf("expected default StorageBackend=disk, got %s", cfg.StorageBackend)
	}
	if cfg.DefaultMaxFileSize != 50*1024*1024 {
		t.Errorf("expected 50M default max file size, got %d", cfg.DefaultMaxFileSize)
	}
	if !cfg.DuplicateDetection {
		t.Error("duplicate detection should default on")
	}
	if len(cfg.DefaultAllowedFormats) == 0 {
		t.Error("no default allowed formats")
	}
	if cfg.AutoFinalizeSchedule == "" || cfg.StaleBatchSweep == "" {
		t.Error("job schedules not defaulted")
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "false")
	if getEnvBool("TEST_BOOL", true) {
		t.Error("explicit false ignored")
	}
	t.Setenv("TEST_BOOL", "not-a-bool")
	if !getEnvBool("TEST_BOOL", true) {
		t.Error("unparseable value must fall back to default")
	}
}
