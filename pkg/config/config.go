package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir    string = ".memsnap"
	configDirXdg string = "memsnap"
	configFile   string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// FramesToKeep is the number of frames handed to the update callback.
	FramesToKeep uint `yaml:"frames-to-keep,omitempty"`
	// RefreshRateMs is the duration of a capture cycle in milliseconds.
	// Zero means one second divided by FramesToKeep.
	RefreshRateMs int `yaml:"refresh-rate-ms,omitempty"`
	// MaxFailures is the number of consecutive failed cycles after which
	// capture stops.
	MaxFailures int `yaml:"max-failures,omitempty"`
	// MaxDepth bounds followed pointer chains.
	MaxDepth int `yaml:"max-depth,omitempty"`
	// AttachRetryMs, if set, makes attach wait for the target to appear,
	// polling with this period.
	AttachRetryMs int `yaml:"attach-retry-ms,omitempty"`

	// LayoutFiles are loaded when attach is not given --layouts.
	LayoutFiles []string `yaml:"layout-files"`
}

// RefreshRate returns RefreshRateMs as a duration.
func (c *Config) RefreshRate() time.Duration {
	return time.Duration(c.RefreshRateMs) * time.Millisecond
}

// AttachRetry returns AttachRetryMs as a duration.
func (c *Config) AttachRetry() time.Duration {
	return time.Duration(c.AttachRetryMs) * time.Millisecond
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Closing config file failed: %v.\n", err)
		}
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for memsnap.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Number of frames kept in the history and handed to the update callback.
# frames-to-keep: 2

# Duration of a capture cycle in milliseconds. Defaults to 1000 / frames-to-keep.
# refresh-rate-ms: 500

# Consecutive failed cycles after which capture stops.
# max-failures: 10

# Maximum length of followed pointer chains.
# max-depth: 64

# Uncomment to wait for the target process to appear, polling every N milliseconds.
# attach-retry-ms: 1000

# Layout documents loaded when attach is not given --layouts.
layout-files: []
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
// $XDG_CONFIG_HOME/memsnap is used when XDG_CONFIG_HOME is set, ~/.memsnap
// otherwise.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return path.Join(xdg, configDirXdg, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
