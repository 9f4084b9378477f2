package lithoglyph

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config configures a database instance.
type Config struct {
	// Path is the directory holding the block file and the journal.
	Path string `yaml:"path"`

	// Name is the database name recorded in the superblock on creation.
	Name string `yaml:"name"`

	// MinimumFreeBytes refuses to open when the filesystem holding Path
	// has less free space than this. Zero disables the check.
	MinimumFreeBytes uint64 `yaml:"minimum_free_bytes"`

	// Logger receives structured logs from every component. Defaults to
	// a fresh logrus logger.
	Logger *logrus.Logger `yaml:"-"`
}

func (c *Config) withDefaults() {
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.Name == "" {
		c.Name = "lithoglyph"
	}
}

// LoadConfig reads a YAML config file. Missing fields keep their zero
// values and are defaulted at Open.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}
