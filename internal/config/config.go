// Package config loads the flat key/value configuration file: top-level
// run settings plus nested DEVICE...END blocks describing known parts.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/trol73/tboot-go/internal/device"
)

// Config is the top-level run configuration, defaulted per the original
// tool's built-in values before Load overrides them from a file.
type Config struct {
	Port             string
	Baudrate         int
	Verify           bool
	Verbose          bool
	QuellProgress    bool
	Smart            bool
	NoWrite          bool
	ReadTimeoutUs    int
	WriteTimeoutUs   int
	LoggingLevel     int
	DeviceID         string
	StartCommand     string
	FinishCommand    string

	Devices *device.Registry
}

// Default returns a Config with the original tool's built-in defaults.
func Default() Config {
	return Config{
		Port:           "/dev/ttyS0",
		Baudrate:       115200,
		Verify:         true,
		Smart:          true,
		ReadTimeoutUs:  1000,
		WriteTimeoutUs: 1000,
		Devices:        device.NewRegistry(),
	}
}

// Error reports a config-file problem with its 1-based line number.
type Error struct {
	Line int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: line %d: %s", e.Line, e.Msg)
}

// Load parses r into cfg's fields, following the flat key=value grammar
// with nested DEVICE...END blocks. cfg must already carry its defaults;
// Load only overrides what the file sets.
func Load(r io.Reader, cfg *Config) error {
	if cfg.Devices == nil {
		cfg.Devices = device.NewRegistry()
	}
	scanner := bufio.NewScanner(r)
	line := 0
	var dev *device.Descriptor
	for scanner.Scan() {
		line++
		s := strings.TrimSpace(scanner.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		switch s {
		case "DEVICE":
			if dev != nil {
				return &Error{line, "'END' expected"}
			}
			dev = &device.Descriptor{}
			continue
		case "END":
			if dev == nil {
				return &Error{line, "'DEVICE' expected"}
			}
			cfg.Devices.Add(*dev)
			dev = nil
			continue
		}

		name, value, ok := splitKeyValue(s)
		if !ok {
			return &Error{line, fmt.Sprintf("malformed line %q", s)}
		}

		var err error
		if dev == nil {
			err = setTopLevel(cfg, name, value, line)
		} else {
			err = setDeviceField(dev, name, value, line)
		}
		if err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if dev != nil {
		return &Error{line, "'END' expected before end of file"}
	}
	return nil
}

func splitKeyValue(s string) (name, value string, ok bool) {
	i := strings.IndexByte(s, '=')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:]), true
}

func setTopLevel(cfg *Config, name, value string, line int) error {
	switch name {
	case "port":
		return setStr(&cfg.Port, value, line)
	case "baudrate":
		return setInt(&cfg.Baudrate, value, line)
	case "verify":
		return setBool(&cfg.Verify, value, line)
	case "verbose":
		return setBool(&cfg.Verbose, value, line)
	case "quellprogress":
		return setBool(&cfg.QuellProgress, value, line)
	case "smart":
		return setBool(&cfg.Smart, value, line)
	case "device":
		return setStr(&cfg.DeviceID, value, line)
	case "readTimeout":
		return setInt(&cfg.ReadTimeoutUs, value, line)
	case "writeTimeout":
		return setInt(&cfg.WriteTimeoutUs, value, line)
	case "loggingLevel":
		return setInt(&cfg.LoggingLevel, value, line)
	case "startCommand":
		return setStr(&cfg.StartCommand, value, line)
	case "finishCommand":
		return setStr(&cfg.FinishCommand, value, line)
	default:
		return &Error{line, fmt.Sprintf("unknown config param: %s", name)}
	}
	return nil
}

func setDeviceField(dev *device.Descriptor, name, value string, line int) error {
	switch name {
	case "id":
		return setStr(&dev.ID, value, line)
	case "desc":
		return setStr(&dev.Desc, value, line)
	case "rom_size":
		return setInt(&dev.ROMSize, value, line)
	case "page_size":
		return setInt(&dev.PageSize, value, line)
	case "eeprom_size":
		return setInt(&dev.EEPROMSize, value, line)
	default:
		return &Error{line, fmt.Sprintf("unknown config device param: %s", name)}
	}
	return nil
}

// setStr strips value's surrounding double quotes into dst, per the
// original's InitStrParam: string values must be quoted.
func setStr(dst *string, value string, line int) error {
	if len(value) < 2 || value[0] != '"' || value[len(value)-1] != '"' {
		return &Error{line, fmt.Sprintf("invalid string param %q, want a quoted value", value)}
	}
	*dst = value[1 : len(value)-1]
	return nil
}

func setInt(dst *int, value string, line int) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return &Error{line, fmt.Sprintf("invalid integer %q", value)}
	}
	*dst = v
	return nil
}

func setBool(dst *bool, value string, line int) error {
	switch value {
	case "true":
		*dst = true
	case "false":
		*dst = false
	default:
		return &Error{line, fmt.Sprintf("invalid boolean %q, want true or false", value)}
	}
	return nil
}
