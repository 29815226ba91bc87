package config

import (
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// SetupLogger configures the global zerolog logger.
func SetupLogger(cfg Logging, out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	SetLevel(cfg.Level)
}

// SetLevel changes the global level. Unknown levels are logged and ignored.
func SetLevel(level string) {
	l, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		log.Error().Err(err).Str("level", level).Msg("couldn't parse log level")
		return
	}
	zerolog.SetGlobalLevel(l)
	log.Info().Str("level", l.String()).Msg("log level set")
}

// WatchLevel reloads logging.level whenever the config file changes.
func WatchLevel(v *viper.Viper) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(in fsnotify.Event) {
		if in.Op&fsnotify.Create == 0 {
			SetLevel(v.GetString("logging.level"))
		}
	})
	v.WatchConfig()
}
