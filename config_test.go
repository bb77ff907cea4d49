package webtrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("missing file must fall back to defaults: %v", err)
	}
	if cfg.Listen != ":3000" || cfg.ProbeBudget != 3 || cfg.CookieName != DefaultIdentityCookie {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if got := cfg.Duration(cfg.ProbeWindow, 0); got != time.Minute {
		t.Fatalf("probe window = %v", got)
	}
}

func TestLoadConfigOverridesAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "webtrap.json")
	if err := os.WriteFile(path, []byte(`{"listen":":8080","probeBudget":5,"probeWindow":"30s"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.ProbeBudget != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if got := cfg.Duration(cfg.ProbeWindow, 0); got != 30*time.Second {
		t.Fatalf("probe window = %v", got)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"probeWindow":"soon"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Fatal("unparseable duration must be rejected")
	}
}

func TestLoadSignatureOverlays(t *testing.T) {
	dir := t.TempDir()
	overlay := `{"technique":"scanner_tool","confidence":0.7,"patterns":["(?i)evilbot"]}`
	if err := os.WriteFile(filepath.Join(dir, "custom.json"), []byte(overlay), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	// Non-JSON files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("notes"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}

	cats, err := LoadSignatureOverlays(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cats) != 1 {
		t.Fatalf("expected one category, got %d", len(cats))
	}
	if cats[0].Technique != EventScannerTool || cats[0].Confidence != 0.7 {
		t.Fatalf("unexpected category: %+v", cats[0])
	}
	if !cats[0].Patterns[0].MatchString("EvilBot/2.0") {
		t.Fatal("pattern did not compile case-insensitively")
	}
}

func TestLoadSignatureOverlaysRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown.json":    `{"technique":"no_such","confidence":0.5,"patterns":["x"]}`,
		"confidence.json": `{"technique":"xss","confidence":1.5,"patterns":["x"]}`,
		"pattern.json":    `{"technique":"xss","confidence":0.5,"patterns":["("]}`,
	}
	for name, content := range cases {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := LoadSignatureOverlays(dir); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestLoadSignatureOverlaysMissingDir(t *testing.T) {
	cats, err := LoadSignatureOverlays(filepath.Join(t.TempDir(), "nope"))
	if err != nil || cats != nil {
		t.Fatalf("missing directory must load nothing: %v %v", cats, err)
	}
}
