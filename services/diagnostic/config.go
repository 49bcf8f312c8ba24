package diagnostic

import "fmt"

type Config struct {
	File   string `toml:"file"`
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func NewConfig() Config {
	return Config{
		File:   "STDERR",
		Level:  "INFO",
		Format: "console",
	}
}

func (c Config) Validate() error {
	switch c.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown logging format %q, must be 'console' or 'json'", c.Format)
	}
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	return nil
}
