package config

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

type EngineConfig struct {
	Backend     string `yaml:"backend" env:"ENGINE_BACKEND" env-default:"memory" validate:"oneof=memory postgres badger"`
	Capacity    uint64 `yaml:"capacity" env:"ENGINE_CAPACITY" env-default:"16777216" validate:"gte=4096"`
	Compression string `yaml:"compression" env:"ENGINE_COMPRESSION" env-default:"zlib" validate:"oneof=none zlib lz4"`
	BadgerDir   string `yaml:"badger_dir" env:"ENGINE_BADGER_DIR"`
	Table       string `yaml:"table" env:"ENGINE_TABLE" env-default:"jffs2_nodes"`
}
