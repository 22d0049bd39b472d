package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/memscan/memscan/pkg/pointers"
	"github.com/memscan/memscan/pkg/snapshot"
	"github.com/memscan/memscan/pkg/task"
	"github.com/memscan/memscan/pkg/value"
)

const (
	configDir  string = ".memscan"
	configFile string = "config.yml"
)

// RegionFilter selects the mappings captured by a first collection.
type RegionFilter struct {
	Writable   bool   `yaml:"writable"`
	Executable bool   `yaml:"executable"`
	SkipShared bool   `yaml:"skip-shared"`
	MinSize    uint64 `yaml:"min-size,omitempty"`
	MaxSize    uint64 `yaml:"max-size,omitempty"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// DataType is the element type of new snapshots, in the form accepted
	// by value.ParseDataType.
	DataType string `yaml:"data-type,omitempty"`
	// Alignment of elements in new snapshots, the size of DataType if
	// unset.
	Alignment int `yaml:"alignment,omitempty"`
	// Workers is the number of regions processed in parallel.
	Workers int `yaml:"workers,omitempty"`

	RegionFilter RegionFilter `yaml:"region-filter"`

	PointerMaxOffset uint64 `yaml:"pointer-max-offset,omitempty"`
	PointerMaxDepth  int    `yaml:"pointer-max-depth,omitempty"`
	PointerSize      int    `yaml:"pointer-size,omitempty"`
	PointerMinValue  uint64 `yaml:"pointer-min-value,omitempty"`
	// PointerStrategy is one of auto, direct and indexed.
	PointerStrategy string `yaml:"pointer-strategy,omitempty"`

	// ProgressEvery is the minimum interval between two progress
	// notifications.
	ProgressEvery time.Duration `yaml:"progress-every,omitempty"`
	// PageCacheSize is the number of pages cached while resolving pointer
	// paths.
	PageCacheSize int `yaml:"page-cache-size,omitempty"`
}

// Default values of unset options.
const (
	DefaultDataType         = "i32"
	DefaultPointerMaxOffset = 0x1000
	DefaultPointerMinValue  = 0x10000
)

// ElementType returns the configured data type.
func (c *Config) ElementType() (value.DataType, error) {
	s := c.DataType
	if s == "" {
		s = DefaultDataType
	}
	return value.ParseDataType(s)
}

// CollectOptions returns the options of a first collection.
func (c *Config) CollectOptions() (snapshot.CollectOptions, error) {
	dt, err := c.ElementType()
	if err != nil {
		return snapshot.CollectOptions{}, err
	}
	if c.Alignment < 0 {
		return snapshot.CollectOptions{}, fmt.Errorf("invalid alignment %d", c.Alignment)
	}
	return snapshot.CollectOptions{
		DataType:  dt,
		Alignment: c.Alignment,
		Workers:   c.Workers,
		Filter: snapshot.Filter{
			Writable:   c.RegionFilter.Writable,
			Executable: c.RegionFilter.Executable,
			SkipShared: c.RegionFilter.SkipShared,
			MinSize:    c.RegionFilter.MinSize,
			MaxSize:    c.RegionFilter.MaxSize,
		},
	}, nil
}

// PointerOptions returns the options of a pointer search.
func (c *Config) PointerOptions() (pointers.Options, error) {
	strategy, err := pointers.ParseStrategy(c.PointerStrategy)
	if err != nil {
		return pointers.Options{}, err
	}
	opts := pointers.Options{
		MaxOffset:   c.PointerMaxOffset,
		PointerSize: c.PointerSize,
		MaxDepth:    c.PointerMaxDepth,
		MinPointer:  c.PointerMinValue,
		Strategy:    strategy,
		Workers:     c.Workers,
	}
	if opts.MaxOffset == 0 {
		opts.MaxOffset = DefaultPointerMaxOffset
	}
	if opts.MinPointer == 0 {
		opts.MinPointer = DefaultPointerMinValue
	}
	if opts.PointerSize == 0 {
		opts.PointerSize = 8
	}
	if opts.PointerSize != 4 && opts.PointerSize != 8 {
		return pointers.Options{}, fmt.Errorf("unsupported pointer size %d", opts.PointerSize)
	}
	return opts, nil
}

// CachePages returns the number of pages cached while resolving pointer
// paths.
func (c *Config) CachePages() int {
	if c.PageCacheSize > 0 {
		return c.PageCacheSize
	}
	return pointers.ResolveCachePages
}

// Apply installs the process-wide settings of c.
func (c *Config) Apply() {
	if c.ProgressEvery > 0 {
		task.ProgressInterval = c.ProgressEvery
	}
	if c.PageCacheSize > 0 {
		pointers.ResolveCachePages = c.PageCacheSize
	}
}

// Parse decodes a configuration file.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, err
	}
	if _, err := c.ElementType(); err != nil {
		return nil, err
	}
	if _, err := c.PointerOptions(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	c, err := Parse(data)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	return c
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

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w, defaultConfig)
	return err
}

const defaultConfig = `# Configuration file for memscan.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Element type of new snapshots: i8, u8, i16, u16, i32, u32, i64, u64,
# f32, f64 (append "be" for big endian) or bytes:N.
# data-type: i32

# Alignment of elements, defaults to the size of the element type.
# alignment: 4

# Number of regions processed in parallel, defaults to the number of CPUs.
# workers: 4

# Mappings captured by a new snapshot. Unreadable mappings are never captured.
region-filter:
  writable: true
  # executable: false
  # skip-shared: false
  # min-size: 0
  # max-size: 0

# Largest offset between a pointer and the address it leads to.
# pointer-max-offset: 4096

# Largest number of dereferences of a pointer path.
# pointer-max-depth: 3

# Pointer size of the target, 4 or 8.
# pointer-size: 8

# Smallest value considered a pointer.
# pointer-min-value: 65536

# Pointer search strategy: auto, direct or indexed.
# pointer-strategy: auto

# Minimum interval between two progress notifications.
# progress-every: 50ms

# Pages cached while rescanning pointer paths.
# page-cache-size: 4096
`

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv("MEMSCAN_CONFIG_DIR"); dir != "" {
		return path.Join(dir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
