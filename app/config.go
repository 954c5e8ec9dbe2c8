package app

import (
	"encoding/json"
	"os"
	"time"

	"github.com/gobuffalo/nulls"
	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/web_server"
	"go.uber.org/zap/zapcore"
)

// Defaults that are applied in LoadConfig when the matching field is unset.
const (
	defaultStalenessWindow    = 5 * time.Minute
	defaultSweepInterval      = time.Minute
	defaultSummaryFireHour    = 9
	defaultTextAfter          = time.Minute
	defaultVoiceAfter         = 2 * time.Minute
	defaultLongPollTimeout    = 30 * time.Second
	defaultLogFileMaxSizeMB   = 64
	defaultLogFileKeepDays    = 14
	defaultEscalationInterval = 30 * time.Second
)

// LogConfig is the logging part of Config.
type LogConfig struct {
	// StdoutLogLevel is the minimum level for stdout log output. Defaults to
	// info.
	StdoutLogLevel string `json:"stdout_log_level"`
	// HighPriorityOutput is an optional file for warnings and errors.
	HighPriorityOutput nulls.String `json:"high_priority_output"`
	// DebugOutput is an optional file for all log output.
	DebugOutput nulls.String `json:"debug_output"`
	// MaxSize is the maximum log file size in megabytes before rotation.
	MaxSize int `json:"max_size"`
	// KeepDays is how many days rotated log files are kept.
	KeepDays int `json:"keep_days"`
	// SystemDebugStatsInterval is the optional interval in minutes in which
	// runtime stats are logged.
	SystemDebugStatsInterval nulls.Int `json:"system_debug_stats_interval"`
}

// Config is the configuration needed in order to boot an App.
type Config struct {
	// DBConn is the connection string for the PostgreSQL database.
	DBConn string `json:"db_conn"`
	// ServeAddr is the address the web server listens on. Defaults to
	// web_server.DefaultServeAddr.
	ServeAddr string `json:"serve_addr"`
	// MQTTAddr is the optional address of the MQTT server to announce on.
	MQTTAddr nulls.String `json:"mqtt_addr"`
	// MessengerBaseURL is the base URL of the bot API including the token.
	MessengerBaseURL string `json:"messenger_base_url"`
	// PrimaryDevice is the device that summaries and status commands report
	// on.
	PrimaryDevice string `json:"primary_device"`
	// AdminChatIDs is the allow-list for privileged commands.
	AdminChatIDs []int64 `json:"admin_chat_ids"`
	// UTCOffsetHours is the fixed zone offset all day buckets and wall-clock
	// decisions use.
	UTCOffsetHours int `json:"utc_offset_hours"`
	// StalenessWindowSecs is the maximum silence duration in seconds after
	// which a device is presumed offline.
	StalenessWindowSecs int `json:"staleness_window_secs"`
	// SweepIntervalSecs is the interval in seconds for the staleness sweep.
	SweepIntervalSecs int `json:"sweep_interval_secs"`
	// BroadcastStateSync describes whether transitions from state-sync reports
	// are broadcast to subscribers.
	BroadcastStateSync bool `json:"broadcast_state_sync"`
	// SummaryFireHour is the local wall-clock hour for summary broadcasts.
	SummaryFireHour int `json:"summary_fire_hour"`
	// SummaryFireMinute is the local wall-clock minute for summary broadcasts.
	SummaryFireMinute int `json:"summary_fire_minute"`
	// TextAfterSecs is how long a device needs to be offline in seconds before
	// the text escalation fires.
	TextAfterSecs int `json:"text_after_secs"`
	// VoiceAfterSecs is how long a device needs to be offline in seconds
	// before the voice escalation fires. Must be greater than TextAfterSecs.
	VoiceAfterSecs int `json:"voice_after_secs"`
	// VoiceAsset is the path of the audio file for voice escalations.
	VoiceAsset string `json:"voice_asset"`
	// LongPollTimeoutSecs is the server-side timeout for update polling.
	LongPollTimeoutSecs int `json:"long_poll_timeout_secs"`
	// Log is the logging configuration.
	Log LogConfig `json:"log"`
}

// LoadConfig reads the Config from the JSON file at the given path and applies
// defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.NewInternalErrorFromErr(err, "read config file", errors.Details{"path": path})
	}
	var config Config
	err = json.Unmarshal(raw, &config)
	if err != nil {
		return Config{}, errors.NewInvalidPayloadError("parse config file", errors.Details{
			"path": path,
			"err":  err.Error(),
		})
	}
	applyConfigDefaults(&config)
	return config, nil
}

func applyConfigDefaults(config *Config) {
	if config.ServeAddr == "" {
		config.ServeAddr = web_server.DefaultServeAddr
	}
	if config.StalenessWindowSecs <= 0 {
		config.StalenessWindowSecs = int(defaultStalenessWindow.Seconds())
	}
	if config.SweepIntervalSecs <= 0 {
		config.SweepIntervalSecs = int(defaultSweepInterval.Seconds())
	}
	if config.SummaryFireHour == 0 && config.SummaryFireMinute == 0 {
		config.SummaryFireHour = defaultSummaryFireHour
	}
	if config.TextAfterSecs <= 0 {
		config.TextAfterSecs = int(defaultTextAfter.Seconds())
	}
	if config.VoiceAfterSecs <= 0 {
		config.VoiceAfterSecs = int(defaultVoiceAfter.Seconds())
	}
	if config.LongPollTimeoutSecs <= 0 {
		config.LongPollTimeoutSecs = int(defaultLongPollTimeout.Seconds())
	}
	if config.Log.MaxSize <= 0 {
		config.Log.MaxSize = defaultLogFileMaxSizeMB
	}
	if config.Log.KeepDays <= 0 {
		config.Log.KeepDays = defaultLogFileKeepDays
	}
}

// ValidateConfig assures that the given Config can be used for booting an App.
func ValidateConfig(config Config) error {
	if config.DBConn == "" {
		return errors.NewInvalidPayloadError("missing db conn", nil)
	}
	if config.MessengerBaseURL == "" {
		return errors.NewInvalidPayloadError("missing messenger base url", nil)
	}
	if config.PrimaryDevice == "" {
		return errors.NewInvalidPayloadError("missing primary device", nil)
	}
	if config.VoiceAfterSecs <= config.TextAfterSecs {
		return errors.NewInvalidPayloadError("voice-after must be greater than text-after", errors.Details{
			"text_after_secs":  config.TextAfterSecs,
			"voice_after_secs": config.VoiceAfterSecs,
		})
	}
	return nil
}

// parseLogLevel parses a textual log level like "debug" or "warn".
func parseLogLevel(raw string) (zapcore.Level, error) {
	var level zapcore.Level
	err := level.UnmarshalText([]byte(raw))
	if err != nil {
		return 0, errors.NewInvalidPayloadError("unknown log level",
			errors.Details{"was": raw})
	}
	return level, nil
}
