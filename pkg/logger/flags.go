package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds the logging-related command-line flags.
type Flags struct {
	LogLevel  string
	LogFormat string
	LogFile   string
	Debug     string
}

// RegisterFlags registers logging flags with the given FlagSet.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"log level: trace, debug, info, warn, error")
	fs.StringVar(&f.LogFormat, "log-format", "console",
		"log output format: console, json")
	fs.StringVar(&f.LogFile, "log-file", "",
		"log output file path (default: stdout)")
	fs.StringVar(&f.Debug, "debug", "",
		"comma-separated debug categories: frame,ioctl,fifo,cloud,tutk,rtsp,all")

	return f
}

// ToConfig converts parsed flags to a logger Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()
	cfg.Level = f.LogLevel
	cfg.OutputFile = f.LogFile

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	for _, name := range strings.Split(f.Debug, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		switch DebugCategory(name) {
		case DebugFrame, DebugIOCtl, DebugFIFO, DebugCloud, DebugTUTK, DebugRTSP, DebugAll:
			cfg.EnableCategory(DebugCategory(name))
		default:
			return nil, fmt.Errorf("unknown debug category: %s", name)
		}
	}

	return cfg, nil
}

// String renders the effective flag values for startup logging.
func (f *Flags) String() string {
	parts := []string{
		fmt.Sprintf("level=%s", f.LogLevel),
		fmt.Sprintf("format=%s", f.LogFormat),
	}
	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}
	if f.Debug != "" {
		parts = append(parts, fmt.Sprintf("debug=[%s]", f.Debug))
	}
	return strings.Join(parts, " ")
}
