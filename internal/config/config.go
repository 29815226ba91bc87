// Package config loads settings for the dispatcher and the worker from
// zimfarm.yaml and ZIMFARM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type (
	Config struct {
		HTTP      HTTP      `mapstructure:"http"`
		DB        DB        `mapstructure:"db"`
		Scheduler Scheduler `mapstructure:"scheduler"`
		Redis     Redis     `mapstructure:"redis"`
		AMQP      AMQP      `mapstructure:"amqp"`
		Auth      Auth      `mapstructure:"auth"`
		Upload    Upload    `mapstructure:"upload"`
		Logging   Logging   `mapstructure:"logging"`
		Worker    Worker    `mapstructure:"worker"`
	}

	HTTP struct {
		Addr       string  `mapstructure:"addr"`
		APIPrefix  string  `mapstructure:"api_prefix"`
		RatePerSec float64 `mapstructure:"rate_per_sec"`
		RateBurst  int     `mapstructure:"rate_burst"`
	}

	DB struct {
		Path string `mapstructure:"path"`
	}

	Scheduler struct {
		Interval time.Duration `mapstructure:"interval"`
		LockTTL  time.Duration `mapstructure:"lock_ttl"`
	}

	// Redis is optional. Without an address the beat locks in-process.
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	}

	// AMQP is optional. Without a URL events are dropped.
	AMQP struct {
		URL          string `mapstructure:"url"`
		DialAttempts int    `mapstructure:"dial_attempts"`
	}

	Auth struct {
		Secret        string        `mapstructure:"secret"`
		AccessTTL     time.Duration `mapstructure:"access_ttl"`
		RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
		AdminUsername string        `mapstructure:"admin_username"`
		AdminPassword string        `mapstructure:"admin_password"`
	}

	Upload struct {
		LogsURI      string `mapstructure:"logs_uri"`
		ZimURI       string `mapstructure:"zim_uri"`
		ArtifactsURI string `mapstructure:"artifacts_uri"`
		Expiration   int    `mapstructure:"expiration"`
	}

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	}

	Worker struct {
		Name           string        `mapstructure:"name"`
		Queues         []string      `mapstructure:"queues"`
		APIURL         string        `mapstructure:"api_url"`
		Username       string        `mapstructure:"username"`
		Password       string        `mapstructure:"password"`
		Poll           time.Duration `mapstructure:"poll"`
		Concurrency    int           `mapstructure:"concurrency"`
		DockerPrefix   string        `mapstructure:"docker_prefix"`
		OutputDir      string        `mapstructure:"output_dir"`
		Resources      bool          `mapstructure:"resources"`
		CancelPoll     time.Duration `mapstructure:"cancel_poll"`
		TimeoutFactor  float64       `mapstructure:"timeout_factor"`
		DefaultTimeout time.Duration `mapstructure:"default_timeout"`
		OIDC           OIDC          `mapstructure:"oidc"`
	}

	// OIDC switches the worker from username/password to an external
	// provider when ClientID is set.
	OIDC struct {
		ClientID     string `mapstructure:"client_id"`
		AuthURL      string `mapstructure:"auth_url"`
		TokenURL     string `mapstructure:"token_url"`
		RevokeURL    string `mapstructure:"revoke_url"`
		RefreshToken string `mapstructure:"refresh_token"`
	}
)

var defaults = map[string]any{
	"http.addr":                 ":8000",
	"http.api_prefix":           "/api/v1",
	"http.rate_per_sec":         20.0,
	"http.rate_burst":           40,
	"db.path":                   "zimfarm.db",
	"scheduler.interval":        "30s",
	"scheduler.lock_ttl":        "1m",
	"redis.addr":                "",
	"redis.password":            "",
	"amqp.url":                  "",
	"amqp.dial_attempts":        5,
	"auth.secret":               "",
	"auth.access_ttl":           "1h",
	"auth.refresh_ttl":          "720h",
	"auth.admin_username":       "admin",
	"auth.admin_password":       "",
	"upload.logs_uri":           "",
	"upload.zim_uri":            "",
	"upload.artifacts_uri":      "",
	"upload.expiration":         0,
	"logging.level":             "info",
	"logging.format":            "console",
	"worker.name":               "",
	"worker.queues":             []string{"medium"},
	"worker.api_url":            "http://localhost:8000/api/v1",
	"worker.username":           "",
	"worker.password":           "",
	"worker.poll":               "1m",
	"worker.concurrency":        1,
	"worker.docker_prefix":      "docker run --rm -v /srv/zimfarm:/output",
	"worker.output_dir":         "/output",
	"worker.resources":          true,
	"worker.cancel_poll":        "1m",
	"worker.timeout_factor":     2.0,
	"worker.default_timeout":    "168h",
	"worker.oidc.client_id":     "",
	"worker.oidc.auth_url":      "",
	"worker.oidc.token_url":     "",
	"worker.oidc.revoke_url":    "",
	"worker.oidc.refresh_token": "",
}

// Load reads path, or zimfarm.yaml from . or /etc/zimfarm when path is
// empty. A missing file is fine; every key has a default.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("zimfarm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/zimfarm/")
	}

	v.SetEnvPrefix("zimfarm")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, v, nil
}

// ValidateDispatcher checks the keys the dispatcher cannot run without.
func (c *Config) ValidateDispatcher() error {
	var missing []string
	if c.Auth.Secret == "" {
		missing = append(missing, "auth.secret")
	}
	if c.DB.Path == "" {
		missing = append(missing, "db.path")
	}
	if c.Scheduler.Interval <= 0 {
		missing = append(missing, "scheduler.interval")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing or invalid %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateWorker checks the keys the worker cannot run without.
func (c *Config) ValidateWorker() error {
	var missing []string
	if c.Worker.Name == "" {
		missing = append(missing, "worker.name")
	}
	if c.Worker.APIURL == "" {
		missing = append(missing, "worker.api_url")
	}
	if c.Worker.OIDC.ClientID == "" && c.Worker.Username == "" {
		missing = append(missing, "worker.username")
	}
	if c.Worker.Concurrency < 1 {
		missing = append(missing, "worker.concurrency")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing or invalid %s", strings.Join(missing, ", "))
	}
	return nil
}
