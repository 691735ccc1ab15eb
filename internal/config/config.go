// Package config holds the process configuration. A Config is built once at
// start from flags and then only read.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/pflag"
)

const (
	// EventsURL is where the GDELT project publishes daily event exports.
	EventsURL = "http://data.gdeltproject.org/events/"

	// DateLayout is the layout of export dates (yyyyMMdd).
	DateLayout = "20060102"

	DefaultKafkaServer     = "localhost:9092"
	DefaultInputTopic      = "gdelt"
	DefaultOutputTopic     = "gdelt-india"
	DefaultApplicationName = "gdelt-region-router"
	DefaultTarget          = "IN"
	DefaultKey             = "india"
)

// Config is the configuration of the router and its helper commands.
type Config struct {
	KafkaServer string
	InputTopic  string
	OutputTopic string

	// Duration is the run time in seconds; zero or less runs until signalled.
	Duration int64

	// Date selects the daily export, Input overrides the path derived from it.
	Date  string
	Input string

	Target string
	Key    string

	ApplicationName string
	Instance        string
	LogLevel        string
}

// Defaults returns the configuration used when no flag is given.
func Defaults(now time.Time) Config {
	return Config{
		KafkaServer:     DefaultKafkaServer,
		InputTopic:      DefaultInputTopic,
		OutputTopic:     DefaultOutputTopic,
		Duration:        -1,
		Date:            now.Format(DateLayout),
		Target:          DefaultTarget,
		Key:             DefaultKey,
		ApplicationName: DefaultApplicationName,
		Instance:        hostname(),
		LogLevel:        "info",
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "pid-" + strconv.Itoa(os.Getpid())
	}
	return name
}

// RegisterFlags binds the broker and topic flags to c.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.KafkaServer, "kafka-server", c.KafkaServer, "Kafka bootstrap servers")
	fs.StringVar(&c.InputTopic, "input-topic", c.InputTopic, "Kafka topic name")
	fs.StringVar(&c.OutputTopic, "output-topic", c.OutputTopic, "Kafka output topic name")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
}

// RegisterRouteFlags binds the region selection flags to c.
func (c *Config) RegisterRouteFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Target, "country", c.Target, "country code of the records to keep")
	fs.StringVar(&c.Key, "key", c.Key, "key of the routed records")
}

// RegisterRunFlags binds the flags of the long running router to c.
func (c *Config) RegisterRunFlags(fs *pflag.FlagSet) {
	fs.Int64Var(&c.Duration, "duration", c.Duration, "pipeline duration to wait until finish in seconds, -1 runs until signalled")
	fs.StringVar(&c.ApplicationName, "application", c.ApplicationName, "application name, used as consumer group")
	fs.StringVar(&c.Instance, "instance", c.Instance, "instance name, used for the transactional id")
}

// RegisterInputFlags binds the export selection flags to c.
func (c *Config) RegisterInputFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Date, "date", c.Date, "GDELT file date (yyyyMMdd)")
	fs.StringVar(&c.Input, "input", c.Input, "input path or URL (default: export of --date)")
}

// Complete fills the values derived from other flags and validates the result.
func (c Config) Complete() (Config, error) {
	c.KafkaServer = strings.TrimSpace(c.KafkaServer)
	c.InputTopic = strings.TrimSpace(c.InputTopic)
	c.OutputTopic = strings.TrimSpace(c.OutputTopic)

	if c.Input == "" {
		c.Input = InputFor(c.Date)
	}

	return c, c.Validate()
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error

	if c.KafkaServer == "" {
		errs = append(errs, errors.New("kafka server must be set"))
	}
	if c.InputTopic == "" {
		errs = append(errs, errors.New("input topic must be set"))
	}
	if c.OutputTopic == "" {
		errs = append(errs, errors.New("output topic must be set"))
	}
	if c.InputTopic != "" && c.InputTopic == c.OutputTopic {
		errs = append(errs, fmt.Errorf("input and output topic must differ, both are %q", c.InputTopic))
	}
	if n := utf8.RuneCountInString(c.Target); n == 0 || n > 2 {
		errs = append(errs, fmt.Errorf("country %q must have one or two characters", c.Target))
	}
	if c.Key == "" {
		errs = append(errs, errors.New("key must be set"))
	}
	if _, err := time.Parse(DateLayout, c.Date); err != nil {
		errs = append(errs, fmt.Errorf("date %q is not in yyyyMMdd format", c.Date))
	}
	if c.ApplicationName == "" {
		errs = append(errs, errors.New("application name must be set"))
	}
	if c.Instance == "" {
		errs = append(errs, errors.New("instance must be set"))
	}

	return errors.Join(errs...)
}

// RunDuration returns how long the router runs, zero meaning until signalled.
func (c Config) RunDuration() time.Duration {
	if c.Duration <= 0 {
		return 0
	}
	return time.Duration(c.Duration) * time.Second
}

// InputFor returns the URL of the daily export of date.
func InputFor(date string) string {
	return EventsURL + date + ".export.CSV.zip"
}

// Attrs lists the configuration as slog attributes.
func (c Config) Attrs() []any {
	return []any{
		"kafka_server", c.KafkaServer,
		"input_topic", c.InputTopic,
		"output_topic", c.OutputTopic,
		"duration", c.Duration,
		"date", c.Date,
		"input", c.Input,
		"country", c.Target,
		"key", c.Key,
		"application", c.ApplicationName,
		"instance", c.Instance,
	}
}
