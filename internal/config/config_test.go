package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plus.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Quotes.QuoteTTL != 15*time.Second {
		t.Errorf("Quotes.QuoteTTL = %v, want 15s", cfg.Quotes.QuoteTTL)
	}
	if cfg.Plus.OptionPremiumRate != 0.05 {
		t.Errorf("Plus.OptionPremiumRate = %v, want 0.05", cfg.Plus.OptionPremiumRate)
	}
	if cfg.Leaderboard.BigGainerPct != 0.05 || cfg.Leaderboard.ActiveTraderOrders != 5 {
		t.Errorf("unexpected leaderboard defaults %+v", cfg.Leaderboard)
	}
	if cfg.Leaderboard.Valuation != "mark" {
		t.Errorf("Leaderboard.Valuation = %q, want mark", cfg.Leaderboard.Valuation)
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := writeTemp(t, `
server:
  port: "9000"
quotes:
  quote_ttl: 30s
plus:
  option_premium_rate: 0.1
  max_leverage: 20
leaderboard:
  timezone: UTC
  top_n: 3
logging:
  level: debug
`)
	t.Setenv("PORT", "9100")
	t.Setenv("FX_TTL", "1m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("env should override yaml port, got %q", cfg.Server.Port)
	}
	if cfg.Quotes.QuoteTTL != 30*time.Second {
		t.Errorf("Quotes.QuoteTTL = %v, want 30s", cfg.Quotes.QuoteTTL)
	}
	if cfg.Quotes.FXTTL != time.Minute {
		t.Errorf("Quotes.FXTTL = %v, want 1m", cfg.Quotes.FXTTL)
	}
	if cfg.Plus.OptionPremiumRate != 0.1 || cfg.Plus.MaxLeverage != 20 {
		t.Errorf("unexpected plus config %+v", cfg.Plus)
	}
	if cfg.Leaderboard.TopN != 3 || cfg.Location() != time.UTC {
		t.Errorf("unexpected leaderboard config %+v", cfg.Leaderboard)
	}
	// Unset keys keep their defaults.
	if cfg.Leaderboard.ComebackOrders != 3 {
		t.Errorf("ComebackOrders = %d, want default 3", cfg.Leaderboard.ComebackOrders)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"premium":   "plus:\n  option_premium_rate: 1.5\n",
		"leverage":  "plus:\n  max_leverage: 0\n",
		"timezone":  "leaderboard:\n  timezone: Mars/Olympus\n",
		"level":     "logging:\n  level: loud\n",
		"valuation": "leaderboard:\n  valuation: book\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeTemp(t, content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("QUOTE_TTL", "soon")
	if _, err := Load(""); err == nil {
		t.Error("expected error for unparsable duration")
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	if err != nil || lvl != slog.LevelWarn {
		t.Errorf("ParseLevel(WARN) = %v, %v", lvl, err)
	}
}
