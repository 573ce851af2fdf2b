package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/policyspider/spiderd/internal/spider"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.EqualValues(t, 100, cfg.Crawler.ErrorThreshold)
	require.Equal(t, 30*time.Second, cfg.Lease())
	require.Equal(t, 10*time.Second, cfg.Heartbeat())
	require.Equal(t, time.Second, cfg.Delay())
	require.True(t, cfg.Logging.Development)
	require.Empty(t, cfg.Targets)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: 9090
redis:
  addr: redis:6379
  db: 2
crawler:
  delay_ms: 250
  error_threshold: 50
targets:
  - key: nhsa
    name: National Healthcare Security Administration
    list_url: https://example.gov/list
    per_page: 20
    sections:
      - id: laws
        name: Laws
        total_records: 95
      - id: notices
        name: Notices
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, 250*time.Millisecond, cfg.Delay())
	require.EqualValues(t, 50, cfg.Crawler.ErrorThreshold)

	require.Len(t, cfg.Targets, 2)
	require.Equal(t, "nhsa", cfg.Targets[0].Key)
	require.Len(t, cfg.Targets[0].Sections, 2)
	require.Equal(t, 95, cfg.Targets[0].Sections[0].TotalRecords)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Auth.Enabled = true
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Crawler.HeartbeatSeconds = cfg.Crawler.LeaseSeconds
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Targets = []spider.TargetConfig{{Key: "nhsa", ListURL: "https://example.gov", PerPage: 20}}
	require.Error(t, cfg.Validate(), "section-less target must fail")

	cfg = base()
	cfg.Targets = []spider.TargetConfig{
		{Key: "nhsa", ListURL: "https://example.gov", PerPage: 20, Sections: []spider.SectionConfig{{ID: "laws"}}},
		{Key: "nhsa", ListURL: "https://example.gov", PerPage: 20, Sections: []spider.SectionConfig{{ID: "laws"}}},
	}
	require.Error(t, cfg.Validate(), "duplicate target key must fail")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SPIDER_SERVER_PORT", "7070")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}
