package config

import (
	"time"
)

type AppConfig struct {
	Env            string        `yaml:"env" env:"APP_ENV" env-default:"local" validate:"oneof=local dev prod"`
	HTTPAddr       string        `yaml:"http_addr" env:"APP_HTTP_ADDR" env-default:":8080" validate:"required"`
	MountPoint     string        `yaml:"mount_point" env:"APP_MOUNT_POINT" env-default:"/" validate:"required,startswith=/"`
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"APP_DEFAULT_TIMEOUT" env-default:"5s" validate:"gt=0"`
	LogLevel       string        `yaml:"log_level" env:"APP_LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	LogFormat      string        `yaml:"log_format" env:"APP_LOG_FORMAT" env-default:"pretty" validate:"oneof=pretty json"`
}
