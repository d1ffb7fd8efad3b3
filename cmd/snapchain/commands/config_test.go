package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/thoreinstein/snapchain/internal/config"
	"github.com/thoreinstein/snapchain/internal/errors"
)

func TestConfigGet(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		setupValue func()
		wantOutput string
	}{
		{
			name: "unset key prints not set",
			key:  "nonexistent_key",
			setupValue: func() {
				// Don't set anything
			},
			wantOutput: "not set\n",
		},
		{
			name: "scalar value prints the value",
			key:  config.KeyLevel,
			setupValue: func() {
				viper.Set(config.KeyLevel, 9)
			},
			wantOutput: "9\n",
		},
		{
			name: "string slice prints one per line",
			key:  config.KeyRoots,
			setupValue: func() {
				viper.Set(config.KeyRoots, []string{"/a", "/b"})
			},
			wantOutput: "/a\n/b\n",
		},
		{
			name: "interface slice prints one per line",
			key:  config.KeyExclude,
			setupValue: func() {
				viper.Set(config.KeyExclude, []any{"/tmp", "/var/cache"})
			},
			wantOutput: "/tmp\n/var/cache\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			tt.setupValue()

			var buf bytes.Buffer
			if err := runConfigGetWithWriter(&buf, tt.key); err != nil {
				t.Fatalf("config get failed: %v", err)
			}
			if buf.String() != tt.wantOutput {
				t.Errorf("config get %s = %q, want %q", tt.key, buf.String(), tt.wantOutput)
			}
		})
	}
}

func TestConfigShow(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"yaml", "level: 3\n"},
		{"toml", "level = 3\n"},
		{"json", `"level": 3`},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			tr := newTree(t)
			configShowFormat = tt.format

			var buf bytes.Buffer
			if err := runConfigShowWithWriter(&buf); err != nil {
				t.Fatalf("config show failed: %v", err)
			}
			out := buf.String()
			if !strings.Contains(out, tt.want) {
				t.Errorf("%s output missing %q:\n%s", tt.format, tt.want, out)
			}
			if !strings.Contains(out, tr.src) {
				t.Errorf("%s output should list the root %s:\n%s", tt.format, tr.src, out)
			}
		})
	}

	t.Run("unknown format", func(t *testing.T) {
		newTree(t)
		configShowFormat = "ini"
		err := runConfigShowWithWriter(&bytes.Buffer{})
		if exitCode(err) != errors.ExitUser {
			t.Errorf("expected a user error, got %v", err)
		}
	})
}

func TestConfigInit(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()
	root := t.TempDir()

	path := filepath.Join(dir, "config.yaml")
	configInitRoots = []string{root}

	var buf bytes.Buffer
	if err := runConfigInitWithWriter(&buf, []string{path}); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Wrote "+path) {
		t.Errorf("unexpected output:\n%s", buf.String())
	}

	var written config.Config
	if err := yaml.Unmarshal([]byte(readFile(t, path)), &written); err != nil {
		t.Fatalf("written file is not YAML: %v", err)
	}
	if len(written.Roots) != 1 || written.Roots[0] != root {
		t.Errorf("roots = %v, want [%s]", written.Roots, root)
	}
	if errs := config.Validate(&written); len(errs) > 0 {
		t.Errorf("written settings are invalid: %v", errs)
	}

	// A second init refuses to overwrite.
	err := runConfigInitWithWriter(&bytes.Buffer{}, []string{path})
	if exitCode(err) != errors.ExitUser {
		t.Errorf("expected a user error for an existing file, got %v", err)
	}

	configInitForce = true
	if err := runConfigInitWithWriter(&bytes.Buffer{}, []string{path}); err != nil {
		t.Errorf("--force should overwrite: %v", err)
	}
}

func TestConfigInit_TOMLDefaultLocation(t *testing.T) {
	resetFlags(t)
	t.Cleanup(xdg.Reload)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()
	configInitFormat = "toml"

	var buf bytes.Buffer
	if err := runConfigInitWithWriter(&buf, nil); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(buf.String(), "config.toml") {
		t.Errorf("expected a TOML file:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "Add the paths to back up") {
		t.Errorf("missing hint about roots:\n%s", buf.String())
	}
}

func TestCheckConfig_OutputOverride(t *testing.T) {
	tr := newTree(t)
	prevErr, prevOutput := configLoadErr, outputFlag
	t.Cleanup(func() { configLoadErr, outputFlag = prevErr, prevOutput })
	configLoadErr = nil

	out := t.TempDir()
	outputFlag = out
	if err := checkConfig(listCmd, nil); err != nil {
		t.Fatalf("checkConfig failed: %v", err)
	}
	if tr.cfg.Output != out {
		t.Errorf("Output = %q, want %q", tr.cfg.Output, out)
	}

	tr.cfg.Strictness = "paranoid"
	err := checkConfig(listCmd, nil)
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	configLoadErr = os.ErrNotExist
	if err := checkConfig(versionCmd, nil); err != nil {
		t.Errorf("version should not need valid settings: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	prevErr := configLoadErr
	t.Cleanup(func() { configLoadErr = prevErr })
	configLoadErr = nil

	tr := newTree(t)
	var buf bytes.Buffer
	if err := runConfigValidateWithWriter(&buf); err != nil {
		t.Fatalf("validate failed: %v\n%s", err, buf.String())
	}
	if !strings.Contains(buf.String(), "Settings are valid") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}

	tr.cfg.Level = 40
	configValidateFormat = "json"
	buf.Reset()
	err := runConfigValidateWithWriter(&buf)
	if exitCode(err) != errors.ExitUser {
		t.Errorf("exit code = %d, want %d (%v)", exitCode(err), errors.ExitUser, err)
	}
	if !strings.Contains(buf.String(), `"field": "level"`) {
		t.Errorf("JSON output should name the field:\n%s", buf.String())
	}

	configValidateFormat = "xml"
	if err := runConfigValidateWithWriter(&bytes.Buffer{}); exitCode(err) != errors.ExitUser {
		t.Errorf("unknown format should be a user error, got %v", err)
	}
}
