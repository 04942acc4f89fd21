package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadConfig_MergesEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  port: "8080"
db:
  host: localhost
  port: 5432
ledger:
  verifiers: ["${VERIFIER_ONE}"]
`)
	writeFile(t, dir, "staging.yaml", `
db:
  host: db.staging
jwt:
  secret: ${JWT_SECRET_VALUE}
`)
	writeFile(t, dir, "secrets.env", `
# comment
JWT_SECRET_VALUE="s3cret"
`)
	t.Setenv("VERIFIER_ONE", "0xverifier")

	cfg, err := LoadConfig("staging", dir)
	require.NoError(t, err)

	db := cfg["db"].(map[string]interface{})
	assert.Equal(t, "db.staging", db["host"])
	assert.Equal(t, 5432, db["port"])
	assert.Equal(t, "8080", cfg["server"].(map[string]interface{})["port"])
	assert.Equal(t, "s3cret", cfg["jwt"].(map[string]interface{})["secret"])
	assert.Equal(t, []interface{}{"0xverifier"}, cfg["ledger"].(map[string]interface{})["verifiers"])
}

func TestLoadConfig_MissingBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	assert.Error(t, err)
}

func TestOverrideFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "pg")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("JWT_SECRET", "env-secret")

	db := DBConfig{Host: "localhost", Port: 5432}
	OverrideDBFromEnv(&db)
	assert.Equal(t, "pg", db.Host)
	assert.Equal(t, 6543, db.Port)

	srv := ServerConfig{Port: "8080"}
	OverrideServerFromEnv(&srv)
	assert.Equal(t, "9000", srv.Port)

	jwt := JWTConfig{}
	OverrideJWTFromEnv(&jwt)
	assert.Equal(t, "env-secret", jwt.Secret)
}

func TestDBConfig_DSN(t *testing.T) {
	c := DBConfig{Host: "h", Port: 5432, User: "u", Password: "p", Name: "n"}
	assert.Equal(t, "postgres://u:p@h:5432/n?sslmode=disable", c.DSN())
}
