package config

// Default configuration values.
const (
	DefaultRoot          = "."
	DefaultMocksDir      = "__mocks__"
	DefaultDependencyDir = "node_modules"
	DefaultHistoryDir    = ".vtest"
)

func applyDefaults(cfg *Config) {
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	if cfg.MocksDir == "" {
		cfg.MocksDir = DefaultMocksDir
	}
	if cfg.DependencyDir == "" {
		cfg.DependencyDir = DefaultDependencyDir
	}
	if cfg.HistoryDir == "" {
		cfg.HistoryDir = DefaultHistoryDir
	}
}
