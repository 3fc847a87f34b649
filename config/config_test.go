package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "rail-ingest.db", cfg.Database.Path)
	assert.Equal(t, "rail.exchange", cfg.RabbitMQ.Exchange)
	assert.Equal(t, "rail.wagon.updates", cfg.RabbitMQ.Queue)
	assert.Equal(t, "rail.exchange.dlq", cfg.RabbitMQ.DeadLetterExchange)
	assert.Equal(t, "rail.wagon.updates.dlq", cfg.RabbitMQ.DeadLetterQueue)
	assert.Equal(t, 10, cfg.RabbitMQ.Prefetch)
	assert.True(t, cfg.RabbitMQ.IsDurable())
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Cache.LedgerTTL)
	assert.Equal(t, 50, cfg.Batch.MaxErrors)
}

func TestLoad_FileWithEnvExpansion(t *testing.T) {
	t.Setenv("RAIL_TEST_MQ_PASSWORD", "s3cret")
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
log_level: debug
database:
  driver: postgres
  dsn: host=db user=rail dbname=rail
rabbitmq:
  host: mq.internal
  port: 5673
  username: rail
  password: ${RAIL_TEST_MQ_PASSWORD}
  vhost: prod
  prefetch: 32
  durable: false
  reconnect_backoff: 3s
cache:
  backend: redis
  redis_addr: cache:6379
  stats_ttl: 90s
inbox:
  files:
    depot_a: /data/a/*.csv
    depot_b:
      glob: /data/b/**/*.csv
      error_dir: /data/bad
metrics:
  port: 9102
  sources: [asu-gruz, depot-feed]
`)

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "s3cret", cfg.RabbitMQ.Password)
	assert.Equal(t, 32, cfg.RabbitMQ.Prefetch)
	assert.False(t, cfg.RabbitMQ.IsDurable())
	assert.Equal(t, 3*time.Second, cfg.RabbitMQ.ReconnectBackoff)
	assert.Equal(t, 90*time.Second, cfg.Cache.StatsTTL)
	assert.Equal(t, 9102, cfg.Metrics.Port)
	assert.Equal(t, []string{"asu-gruz", "depot-feed"}, cfg.Metrics.Sources)

	uri, err := amqp.ParseURI(cfg.RabbitMQ.AMQPURL())
	require.NoError(t, err)
	assert.Equal(t, "mq.internal", uri.Host)
	assert.Equal(t, 5673, uri.Port)
	assert.Equal(t, "rail", uri.Username)
	assert.Equal(t, "s3cret", uri.Password)
	assert.Equal(t, "prod", uri.Vhost)

	require.Len(t, cfg.Inbox.Files.Items, 2)
	assert.Equal(t, InputFileConfig{Name: "depot_a", Glob: "/data/a/*.csv"}, cfg.Inbox.Files.Items[0])
	assert.Equal(t, InputFileConfig{Name: "depot_b", Glob: "/data/b/**/*.csv", ErrorDir: "/data/bad"}, cfg.Inbox.Files.Items[1])
}

func TestLoad_FilesListForm(t *testing.T) {
	var cfg Config
	require.NoError(t, Parse([]byte(`
inbox:
  files:
    - name: one
      glob: /in/*.csv
`), &cfg))
	assert.Equal(t, []InputFileConfig{{Name: "one", Glob: "/in/*.csv"}}, cfg.Inbox.Files.Items)
}

func TestLoad_URLWins(t *testing.T) {
	var cfg Config
	require.NoError(t, Parse([]byte("rabbitmq:\n  url: amqp://u:p@broker:5672/\n  host: ignored\n"), &cfg))
	cfg.ApplyDefaults()
	assert.Equal(t, "amqp://u:p@broker:5672/", cfg.RabbitMQ.AMQPURL())
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"unknown driver":   "database:\n  driver: oracle\n",
		"postgres no dsn":  "database:\n  driver: postgres\n",
		"redis no addr":    "cache:\n  backend: redis\n",
		"bad log level":    "log_level: chatty\n",
		"negative metrics": "metrics:\n  port: -1\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, "c.yaml", body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))

	p := writeFile(t, dir, "test.env", "RAIL_TEST_FROM_DOTENV=yes\n")
	t.Setenv("RAIL_TEST_FROM_DOTENV", "")
	require.NoError(t, os.Unsetenv("RAIL_TEST_FROM_DOTENV"))
	require.NoError(t, LoadEnvFile(p))
	assert.Equal(t, "yes", os.Getenv("RAIL_TEST_FROM_DOTENV"))
}
