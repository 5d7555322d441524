package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"

	"github.com/physmem/pmem/pkg/channel"
)

const (
	configDir  string = ".pmem"
	configFile string = "config.yml"
	// configEnv names an alternative configuration file.
	configEnv string = "PMEM_CONFIG"
)

// IoctlCodes overrides the device-control codes used to talk to the helper.
// Zero fields keep the default code.
type IoctlCodes struct {
	ControlRegister uint32 `yaml:"control-register,omitempty"`
	ReadPhysical    uint32 `yaml:"read-physical,omitempty"`
	WritePhysical   uint32 `yaml:"write-physical,omitempty"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Device is the logical name of the helper device.
	Device string `yaml:"device,omitempty"`
	// Ioctl overrides the helper's device-control codes.
	Ioctl IoctlCodes `yaml:"ioctl"`

	// Commands aliases for the console.
	Aliases map[string][]string `yaml:"aliases"`

	// DisassembleFlavor is the syntax used by the disassemble command:
	// intel, gnu or go.
	DisassembleFlavor string `yaml:"disassemble-flavor,omitempty"`

	// HexdumpWidth is the number of bytes shown per hexdump line.
	HexdumpWidth int `yaml:"hexdump-width,omitempty"`
}

// DeviceName returns the configured device name or the default one.
func (c *Config) DeviceName() string {
	if c.Device == "" {
		return channel.DefaultDeviceName
	}
	return c.Device
}

// Codes returns the device-control codes, falling back to the defaults for
// anything left unset.
func (c *Config) Codes() channel.Codes {
	codes := channel.DefaultCodes
	if c.Ioctl.ControlRegister != 0 {
		codes.ControlRegister = c.Ioctl.ControlRegister
	}
	if c.Ioctl.ReadPhysical != 0 {
		codes.ReadPhysical = c.Ioctl.ReadPhysical
	}
	if c.Ioctl.WritePhysical != 0 {
		codes.WritePhysical = c.Ioctl.WritePhysical
	}
	return codes
}

// LoadConfig reads ~/.pmem/config.yml, creating it with the default
// contents on first use, or the file named by $PMEM_CONFIG. Problems are
// reported on stdout and an empty Config is returned.
func LoadConfig() *Config {
	c, err := loadConfigFile()
	if err != nil {
		fmt.Printf("%v.\n", err)
		return &Config{}
	}
	return c
}

func loadConfigFile() (*Config, error) {
	fullConfigFile := os.Getenv(configEnv)
	if fullConfigFile == "" {
		if err := createConfigPath(); err != nil {
			return nil, fmt.Errorf("could not create config directory: %v", err)
		}
		var err error
		fullConfigFile, err = GetConfigFilePath(configFile)
		if err != nil {
			return nil, fmt.Errorf("unable to get config file path: %v", err)
		}
	}

	f, err := os.Open(fullConfigFile)
	if os.IsNotExist(err) {
		f, err = createDefaultConfig(fullConfigFile)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %v", err)
	}
	defer f.Close()

	c, err := readConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %v", fullConfigFile, err)
	}
	return c, nil
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConfig writes conf to the configuration file, replacing the
// commented default.
func SaveConfig(conf *Config) error {
	fullConfigFile := os.Getenv(configEnv)
	if fullConfigFile == "" {
		var err error
		fullConfigFile, err = GetConfigFilePath(configFile)
		if err != nil {
			return err
		}
	}
	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	return os.WriteFile(fullConfigFile, out, 0600)
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	if err := writeDefaultConfig(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w, defaultConfig)
	return err
}

const defaultConfig = `# Configuration file for pmem.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Logical name of the physical memory helper device.
# device: '\\.\cpuz141'

# Device-control codes understood by the helper.
ioctl:
  # control-register: 0x9C402428
  # read-physical: 0x9C402420
  # write-physical: 0x9C402430

# Provided aliases will be added to the default aliases for a given console command.
aliases:
  # command: ["alias1", "alias2"]

# Syntax used by the disassemble command: intel, gnu or go.
# disassemble-flavor: intel

# Number of bytes per hexdump line.
# hexdump-width: 16
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
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
