package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"intelvault/core"
	"intelvault/service"

	"github.com/fatih/color"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
storage:
  backend: bbolt
data_paths:
  data_dir: ./data
tenants:
  - id: acme
    name: Acme Corp
    quota:
      max_indicators: 10
      max_threat_actors: -1
      max_campaigns: -1
      max_reports: -1
      max_api_requests_per_hour: -1
      max_active_users: -1
      max_data_size_bytes: -1
    features:
      data_export: true
`

// setupWorkspace moves into a fresh directory holding config.yaml.
func setupWorkspace(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("config.yaml", []byte(testConfigYAML), 0o600))
	color.NoColor = true
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", "config.yaml", "--no-color"}, args...))
	err := root.Execute()
	return out.String(), err
}

func addFeed(t *testing.T, url, format string) *core.IntelligenceFeed {
	t.Helper()
	out, err := runCLI(t, "--json", "feeds", "add",
		"--tenant", "acme", "--name", "test feed", "--url", url, "--format", format, "--interval", "30m")
	require.NoError(t, err, out)
	var feed core.IntelligenceFeed
	require.NoError(t, json.Unmarshal([]byte(out), &feed))
	return &feed
}

func TestFeedsLifecycle(t *testing.T) {
	setupWorkspace(t)

	feed := addFeed(t, "https://feeds.example.com/intel.json", "json")
	assert.NotEmpty(t, feed.ID)
	assert.Equal(t, "acme", feed.TenantID)
	assert.Equal(t, 30*time.Minute, feed.PollingInterval)
	assert.True(t, feed.Enabled)

	out, err := runCLI(t, "feeds", "list")
	require.NoError(t, err)
	assert.Contains(t, out, feed.ID)
	assert.Contains(t, out, "Total: 1 feeds")

	out, err = runCLI(t, "feeds", "show", feed.ID, "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "Feed Details: test feed")
	assert.Contains(t, out, "30m0s")

	_, err = runCLI(t, "feeds", "show", feed.ID, "--tenant", "other")
	assert.Error(t, err, "feeds are tenant scoped")

	_, err = runCLI(t, "feeds", "disable", feed.ID, "--tenant", "acme")
	require.NoError(t, err)
	out, err = runCLI(t, "feeds", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No feeds configured")
	out, err = runCLI(t, "feeds", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, feed.ID)

	_, err = runCLI(t, "feeds", "delete", feed.ID, "--tenant", "acme")
	require.NoError(t, err)
	_, err = runCLI(t, "feeds", "delete", feed.ID, "--tenant", "acme")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestFeedsAddValidation(t *testing.T) {
	setupWorkspace(t)

	_, err := runCLI(t, "feeds", "add", "--tenant", "acme", "--name", "bad", "--url", "not a url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_url")

	_, err = runCLI(t, "feeds", "add", "--tenant", "acme", "--name", "missing url")
	assert.Error(t, err)
}

func TestFeedsSync(t *testing.T) {
	setupWorkspace(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "# sample feed")
		fmt.Fprintln(w, "203.0.113.7")
		fmt.Fprintln(w, "evil.example.com")
	}))
	defer srv.Close()

	feed := addFeed(t, srv.URL+"/feed.txt", "txt")

	out, err := runCLI(t, "--json", "feeds", "sync", feed.ID, "--tenant", "acme")
	require.NoError(t, err, out)
	var res service.IngestResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Received)
	assert.Equal(t, 2, res.Created)

	out, err = runCLI(t, "feeds", "sync", feed.ID, "--tenant", "acme")
	require.NoError(t, err, out)
	assert.Regexp(t, `Created:\s+0`, out)
	assert.Regexp(t, `Updated:\s+2`, out)

	out, err = runCLI(t, "--json", "tenants", "usage", "acme")
	require.NoError(t, err)
	var rows []tenantUsageRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Usage.Indicators)
	assert.Equal(t, int64(10), rows[0].Tenant.Quota.MaxIndicators)
}

func TestFeedsImportExport(t *testing.T) {
	setupWorkspace(t)

	require.NoError(t, os.WriteFile("feeds.yaml", []byte(`
feeds:
  - tenant: acme
    name: abuse list
    source_url: https://feeds.example.com/abuse.csv
    format: csv
    polling_interval: 2h
    tags: [abuse]
    processing_rules:
      - field: value
        pattern: '\.onion$'
        action: exclude
  - tenant: acme
    name: broken
    source_url: nope
`), 0o600))

	out, err := runCLI(t, "feeds", "import", "feeds.yaml")
	require.Error(t, err, "one feed is invalid")
	assert.Contains(t, out, "Imported feed: abuse list")
	assert.Contains(t, out, "Failed to import feed broken")

	out, err = runCLI(t, "feeds", "export", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "name: abuse list")
	assert.Contains(t, out, "polling_interval: 2h0m0s")
	assert.Contains(t, out, "action: exclude")
	assert.NotContains(t, out, "broken")

	_, err = runCLI(t, "feeds", "import", filepath.Join("..", "feeds.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path traversal")
}

func TestTenantsUsage_Table(t *testing.T) {
	setupWorkspace(t)

	out, err := runCLI(t, "tenants", "usage")
	require.NoError(t, err)
	assert.Contains(t, out, "TENANT acme (Acme Corp)")
	assert.Contains(t, out, "unlimited")
	assert.Regexp(t, `indicators\s+0\s+10\s+0%`, out)

	_, err = runCLI(t, "tenants", "usage", "ghost")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	setupWorkspace(t)

	out, err := runCLI(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, "bbolt (codec json)")

	require.NoError(t, os.WriteFile("config.yaml", []byte("storage:\n  backend: floppy\n"), 0o600))
	_, err = runCLI(t, "config", "validate")
	assert.Error(t, err)
}

func TestValidateFilePath(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative file", "feeds.yaml", false},
		{"nested", "configs/feeds.yaml", false},
		{"parent traversal", "../feeds.yaml", true},
		{"encoded traversal", "%2e%2e/feeds.yaml", true},
		{"absolute outside", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFormatters(t *testing.T) {
	color.NoColor = true

	assert.Equal(t, "Never", formatTimeSince(time.Time{}))
	assert.Equal(t, "5m ago", formatTimeSince(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "1 day ago", formatTimeSince(time.Now().Add(-25*time.Hour)))
	assert.Equal(t, "Yes", formatBool(true))
	assert.Equal(t, "unlimited", formatLimit(core.Unlimited))
	assert.Equal(t, "FULL", formatHeadroom(5, 5))
	assert.Equal(t, "80%", formatHeadroom(8, 10))
	assert.Equal(t, "", formatHeadroom(8, -1))
	assert.Equal(t, "abc...", truncate("abcdefghij", 6))
	assert.True(t, strings.HasPrefix(truncate("short", 10), "short"))
}

func TestTenantsSeed(t *testing.T) {
	setupWorkspace(t)

	require.NoError(t, os.WriteFile("seed.yaml", []byte(`
tenants:
  - tenant: acme
    threat_actors:
      - name: APT-Example
        type: nation_state
        aliases: [Example Bear]
    campaigns:
      - name: Operation Example
        start_date: 2025-03-01T00:00:00Z
    indicators:
      - type: domain
        value: evil.example.com
        severity: high
        context:
          threat_actors: [APT-Example]
      - type: ip
        value: 198.51.100.23
      - type: domain
        value: typo.example.com
        colour: red
  - tenant: ghost
    reports:
      - title: never stored
`), 0o600))

	out, err := runCLI(t, "--json", "tenants", "seed", "seed.yaml")
	require.Error(t, err, "the unknown field and the unprovisioned tenant fail")

	var totals map[core.Kind]seedCounts
	require.NoError(t, json.Unmarshal([]byte(out), &totals))
	assert.Equal(t, seedCounts{Created: 1}, totals[core.KindThreatActor])
	assert.Equal(t, seedCounts{Created: 1}, totals[core.KindCampaign])
	assert.Equal(t, seedCounts{Created: 2, Failed: 1}, totals[core.KindIndicator])
	assert.Equal(t, seedCounts{Failed: 1}, totals[core.KindReport])

	out, err = runCLI(t, "--json", "tenants", "usage", "acme")
	require.NoError(t, err)
	var rows []tenantUsageRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Usage.Indicators)
	assert.Equal(t, int64(1), rows[0].Usage.ThreatActors)
	assert.Equal(t, int64(1), rows[0].Usage.Campaigns)
}
