package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sample = `{
	"id": 1,
	"f": 1,
	"secret": "cluster secret",
	"state_timeout": "250ms",
	"replicas": {
		"0": "127.0.0.1:7070",
		"1": "127.0.0.1:7071",
		"2": "127.0.0.1:7072",
		"3": "127.0.0.1:7073"
	}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bftsmr.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRead(t *testing.T) {
	c, err := Read(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if c.Id != 1 || c.F != 1 || !c.BFT {
		t.Errorf("id=%d f=%d bft=%v", c.Id, c.F, c.BFT)
	}
	if c.StateTimeout != 250*time.Millisecond {
		t.Errorf("state timeout = %v", c.StateTimeout)
	}
	if c.HighMark != 10000 || c.RevivalHighMark != 10 {
		t.Errorf("marks = %d/%d", c.HighMark, c.RevivalHighMark)
	}
	if c.Replicas[3] != "127.0.0.1:7073" {
		t.Errorf("replicas = %v", c.Replicas)
	}
	ids := c.IDs()
	if len(ids) != 4 || ids[0] != 0 || ids[3] != 3 {
		t.Errorf("ids = %v", ids)
	}
	v := c.View()
	if v.Id != 0 || v.N() != 4 || v.F != 1 {
		t.Errorf("view = %+v", v)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("BFTSMR_ID", "3")
	c, err := Read(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if c.Id != 3 {
		t.Errorf("id = %d, want 3", c.Id)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Id:              0,
			F:               1,
			BFT:             true,
			Replicas:        map[int32]string{0: "a", 1: "b", 2: "c", 3: "d"},
			Secret:          "s",
			StateTimeout:    time.Second,
			HighMark:        100,
			RevivalHighMark: 10,
			BatchSize:       1,
		}
	}
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"too few for byzantine", func(c *Config) { delete(c.Replicas, 3) }, "replicas"},
		{"enough for crash", func(c *Config) { delete(c.Replicas, 3); c.BFT = false }, ""},
		{"too few for crash", func(c *Config) {
			c.Replicas = map[int32]string{0: "a", 1: "b"}
			c.BFT = false
		}, "replicas"},
		{"unknown id", func(c *Config) { c.Id = 9 }, "id"},
		{"no secret", func(c *Config) { c.Secret = "" }, "secret"},
		{"marks", func(c *Config) { c.HighMark = 5 }, "high_mark"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.modify(c)
			err := c.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), "field: "+tt.field) {
				t.Errorf("error does not name %s: %v", tt.field, err)
			}
		})
	}
}

func TestReadMissingFile(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file accepted")
	}
}
