package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/soypat/cowstick/flash"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const levelTrace = slog.LevelDebug - 1

type simConfig struct {
	Image     string `mapstructure:"image"`
	Out       string `mapstructure:"out"`
	Pcap      string `mapstructure:"pcap"`
	MSS       int    `mapstructure:"mss"`
	LogLevel  string `mapstructure:"log-level"`
	LogFile   string `mapstructure:"log-file"`
	FlashSize uint32 `mapstructure:"flash-size"`
}

// loadConfig merges flags, COWSIM_ environment variables and the optional
// config file, in decreasing order of precedence.
func loadConfig(flags *pflag.FlagSet, path string) (simConfig, error) {
	var cfg simConfig
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return cfg, err
	}
	v.SetEnvPrefix("cowsim")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, cfg.validate()
}

func (cfg *simConfig) validate() error {
	switch {
	case cfg.Image == "":
		return errors.New("no image given")
	case cfg.Out == "":
		return errors.New("no output file given")
	case cfg.MSS <= 0 || cfg.MSS > 1460:
		return fmt.Errorf("mss %d out of range [1, 1460]", cfg.MSS)
	case cfg.FlashSize == 0 || cfg.FlashSize%flash.RowSize != 0:
		return fmt.Errorf("flash size %d not a multiple of %d", cfg.FlashSize, flash.RowSize)
	}
	_, err := parseLevel(cfg.LogLevel)
	return err
}

func parseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "trace") {
		return levelTrace, nil
	}
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	if err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", s)
	}
	return level, nil
}

// newLogger returns the logger selected by cfg and a function that releases
// its output.
func newLogger(cfg simConfig, stderr io.Writer) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	w := stderr
	closer := func() error { return nil }
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
		}
		w = lj
		closer = lj.Close
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h), closer, nil
}
