package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(`
server:
  port: "8080"
jwt:
  secret: dev-secret
ledger:
  admin: "0xAdmin"
  verifiers: ["0xverifier"]
scorer:
  url: http://scorer.local
  timeout: 3s
outbox:
  interval: 500ms
`), 0o600))
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SCORER_URL", "http://scorer.env")

	cfg, err := Load("local", dir)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "0xAdmin", cfg.Ledger.Admin)
	assert.Equal(t, []string{"0xverifier"}, cfg.Ledger.Verifiers)
	assert.True(t, cfg.Ledger.EnforceAllocation, "default survives partial yaml")
	assert.Equal(t, StoreMemory, cfg.Ledger.Store)
	assert.Equal(t, "http://scorer.env", cfg.Scorer.URL)
	assert.Equal(t, 3*time.Second, cfg.Scorer.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Outbox.Interval)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, "heritrust.events", cfg.MQ.Exchange)
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.admin is required")
	assert.Contains(t, err.Error(), "jwt.secret is required")

	cfg.Ledger.Admin = "${LEDGER_ADMIN}"
	cfg.JWT.Secret = "s"
	assert.Error(t, cfg.Validate(), "unresolved placeholder")

	cfg.Ledger.Admin = "0xadmin"
	assert.NoError(t, cfg.Validate())

	cfg.Ledger.Store = StorePostgres
	assert.Error(t, cfg.Validate())

	cfg.DB.Host, cfg.DB.Name = "localhost", "heritrust"
	assert.NoError(t, cfg.Validate())

	cfg.Ledger.Store = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg.Ledger.Store = StoreMemory
	cfg.Scorer.AutoVerify = true
	assert.Error(t, cfg.Validate(), "auto verify without verifier")

	cfg.Scorer.URL, cfg.Scorer.Verifier = "http://scorer", "0xverifier"
	assert.NoError(t, cfg.Validate())
}
