package config

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"logship-agent/internal/model"
)

type Config struct {
	Server      ServerConfig
	Credentials CredentialsConfig
	Queue       QueueConfig
	Upload      UploadConfig
	Settings    Settings
}

type ServerConfig struct {
	Port string
}

type CredentialsConfig struct {
	File string
}

type QueueConfig struct {
	Path string
}

type UploadConfig struct {
	// EndpointURL is the backend batch-write endpoint.
	EndpointURL string
}

// Settings holds the live-tunable knobs. A Settings value is immutable;
// reconfiguration swaps the whole value through a Holder so readers never
// observe a torn update. A zero limit or period disables that policy.
type Settings struct {
	MaxLogEntrySize       int64
	MaxLogSize            int64
	RetentionPeriod       time.Duration
	UploadInterval        time.Duration
	SignalingSeverity     model.Severity
	IncludeSourceLocation bool
}

func NewConfig() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("CREDENTIALS_FILE", "./service_account.json")
	viper.SetDefault("QUEUE_PATH", "./logship/pending.ndjson")
	viper.SetDefault("ENDPOINT_URL", "https://logging.googleapis.com/v2/entries:write")
	viper.SetDefault("MAX_LOG_ENTRY_SIZE", 256000)
	viper.SetDefault("MAX_LOG_SIZE", 10000000)
	viper.SetDefault("RETENTION_PERIOD", "720h")
	viper.SetDefault("UPLOAD_INTERVAL", "1h")
	viper.SetDefault("SIGNALING_SEVERITY", "CRITICAL")
	viper.SetDefault("INCLUDE_SOURCE_LOCATION", false)

	if err := viper.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("Error reading config file")
	}

	var config Config
	config.Server.Port = viper.GetString("SERVER_PORT")
	config.Credentials.File = viper.GetString("CREDENTIALS_FILE")
	config.Queue.Path = viper.GetString("QUEUE_PATH")
	config.Upload.EndpointURL = viper.GetString("ENDPOINT_URL")

	config.Settings.MaxLogEntrySize = viper.GetInt64("MAX_LOG_ENTRY_SIZE")
	config.Settings.MaxLogSize = viper.GetInt64("MAX_LOG_SIZE")
	config.Settings.RetentionPeriod = viper.GetDuration("RETENTION_PERIOD")
	config.Settings.UploadInterval = viper.GetDuration("UPLOAD_INTERVAL")
	config.Settings.IncludeSourceLocation = viper.GetBool("INCLUDE_SOURCE_LOCATION")

	sev, err := model.ParseSeverity(viper.GetString("SIGNALING_SEVERITY"))
	if err != nil {
		log.Warn().Err(err).Msg("Invalid SIGNALING_SEVERITY, falling back to CRITICAL")
		sev = model.SeverityCritical
	}
	config.Settings.SignalingSeverity = sev

	log.Info().Interface("config", config).Msg("Config loaded")
	return &config, nil
}
