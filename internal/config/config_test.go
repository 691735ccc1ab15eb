package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2016, time.May, 4, 13, 0, 0, 0, time.UTC)

func flags(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)
	cfg.RegisterRouteFlags(fs)
	cfg.RegisterRunFlags(fs)
	cfg.RegisterInputFlags(fs)
	return fs
}

func TestDefaults(t *testing.T) {
	cfg, err := Defaults(day).Complete()
	require.NoError(t, err)

	assert.Equal(t, "localhost:9092", cfg.KafkaServer)
	assert.Equal(t, "gdelt", cfg.InputTopic)
	assert.Equal(t, "gdelt-india", cfg.OutputTopic)
	assert.Equal(t, int64(-1), cfg.Duration)
	assert.Equal(t, "20160504", cfg.Date)
	assert.Equal(t, "http://data.gdeltproject.org/events/20160504.export.CSV.zip", cfg.Input)
	assert.Equal(t, "IN", cfg.Target)
	assert.Equal(t, "india", cfg.Key)
	assert.NotEmpty(t, cfg.Instance)
	assert.Zero(t, cfg.RunDuration())
}

func TestFlags(t *testing.T) {
	cfg := Defaults(day)
	err := flags(&cfg).Parse([]string{
		"--kafka-server", "kafka:9092",
		"--input-topic", "events",
		"--output-topic", "events-us",
		"--duration", "30",
		"--date", "20200101",
		"--country", "US",
		"--key", "usa",
	})
	require.NoError(t, err)

	cfg, err = cfg.Complete()
	require.NoError(t, err)

	assert.Equal(t, "kafka:9092", cfg.KafkaServer)
	assert.Equal(t, "events", cfg.InputTopic)
	assert.Equal(t, "events-us", cfg.OutputTopic)
	assert.Equal(t, 30*time.Second, cfg.RunDuration())
	assert.Equal(t, InputFor("20200101"), cfg.Input)
	assert.Equal(t, "US", cfg.Target)
	assert.Equal(t, "usa", cfg.Key)
}

func TestExplicitInputWins(t *testing.T) {
	cfg := Defaults(day)
	require.NoError(t, flags(&cfg).Parse([]string{"--input", "/tmp/20160504.export.CSV.zip"}))

	cfg, err := cfg.Complete()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/20160504.export.CSV.zip", cfg.Input)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"no broker", func(c *Config) { c.KafkaServer = " " }, "kafka server"},
		{"no input topic", func(c *Config) { c.InputTopic = "" }, "input topic"},
		{"no output topic", func(c *Config) { c.OutputTopic = "" }, "output topic"},
		{"same topics", func(c *Config) { c.OutputTopic = c.InputTopic }, "must differ"},
		{"empty country", func(c *Config) { c.Target = "" }, "country"},
		{"long country", func(c *Config) { c.Target = "IND" }, "country"},
		{"no key", func(c *Config) { c.Key = "" }, "key"},
		{"bad date", func(c *Config) { c.Date = "2016-05-04" }, "yyyyMMdd"},
		{"no application", func(c *Config) { c.ApplicationName = "" }, "application"},
		{"no instance", func(c *Config) { c.Instance = "" }, "instance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults(day)
			tt.modify(&cfg)
			_, err := cfg.Complete()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAttrs(t *testing.T) {
	attrs := Defaults(day).Attrs()
	require.Len(t, attrs, 20)
	assert.Equal(t, "kafka_server", attrs[0])
	assert.Equal(t, "localhost:9092", attrs[1])
}
