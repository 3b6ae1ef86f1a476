package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/soypat/mt7601u"
	"github.com/soypat/mt7601u/telemetry"
	"github.com/soypat/mt7601u/usbtransport"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is the on-disk configuration of the mt7601u command.
type Config struct {
	// Channel is the control channel to tune to, 1 to 14.
	Channel uint8 `koanf:"Channel" yaml:"Channel"`
	// ChanType is one of noht, ht20, ht40- or ht40+.
	ChanType string `koanf:"ChanType" yaml:"ChanType"`
	// PhyInit runs the initial radio calibration. It needs a firmware
	// command channel.
	PhyInit bool `koanf:"PhyInit" yaml:"PhyInit"`

	RxEntries    int `koanf:"RxEntries" yaml:"RxEntries"`
	RxBufferSize int `koanf:"RxBufferSize" yaml:"RxBufferSize"`
	TxEntries    int `koanf:"TxEntries" yaml:"TxEntries"`

	Cal  CalConfig  `koanf:"Cal" yaml:"Cal"`
	USB  USBConfig  `koanf:"USB" yaml:"USB"`
	MQTT MQTTConfig `koanf:"MQTT" yaml:"MQTT"`
	Log  LogConfig  `koanf:"Log" yaml:"Log"`
}

// CalConfig holds the EEPROM values the calibration engine needs.
type CalConfig struct {
	FreqOffset uint8 `koanf:"FreqOffset" yaml:"FreqOffset"`
	RefTemp    int8  `koanf:"RefTemp" yaml:"RefTemp"`
	LNAGain    int8  `koanf:"LNAGain" yaml:"LNAGain"`
	ChanPower  []int `koanf:"ChanPower" yaml:"ChanPower"`
	TSSI       bool  `koanf:"TSSI" yaml:"TSSI"`
}

type USBConfig struct {
	VendorID    uint16 `koanf:"VendorID" yaml:"VendorID"`
	ProductID   uint16 `koanf:"ProductID" yaml:"ProductID"`
	OpenRetries int    `koanf:"OpenRetries" yaml:"OpenRetries"`
}

type MQTTConfig struct {
	Enabled  bool   `koanf:"Enabled" yaml:"Enabled"`
	Broker   string `koanf:"Broker" yaml:"Broker"`
	ClientID string `koanf:"ClientID" yaml:"ClientID"`
	Topic    string `koanf:"Topic" yaml:"Topic"`

	// IntervalSeconds between snapshots.
	IntervalSeconds int `koanf:"IntervalSeconds" yaml:"IntervalSeconds"`
}

type LogConfig struct {
	// Level is one of trace, debug, info, warn or error.
	Level string `koanf:"Level" yaml:"Level"`

	// File enables a rotated log file in addition to stderr.
	File       string `koanf:"File" yaml:"File"`
	MaxSizeMB  int    `koanf:"MaxSizeMB" yaml:"MaxSizeMB"`
	MaxBackups int    `koanf:"MaxBackups" yaml:"MaxBackups"`
	MaxAgeDays int    `koanf:"MaxAgeDays" yaml:"MaxAgeDays"`
}

func defaultConfig() Config {
	dev := mt7601u.DefaultConfig()
	usb := usbtransport.DefaultConfig()
	mq := telemetry.DefaultConfig()
	power := make([]int, 14)
	for i := range power {
		power[i] = 0x1a
	}
	return Config{
		Channel:      dev.Channel.Number,
		ChanType:     "ht20",
		RxEntries:    dev.RxEntries,
		RxBufferSize: dev.RxBufferSize,
		TxEntries:    dev.TxEntries,
		Cal: CalConfig{
			FreqOffset: 0x3a,
			RefTemp:    25,
			ChanPower:  power,
		},
		USB: USBConfig{
			VendorID:    usb.VendorID,
			ProductID:   usb.ProductID,
			OpenRetries: usb.OpenRetries,
		},
		MQTT: MQTTConfig{
			Broker:          mq.Broker,
			ClientID:        mq.ClientID,
			Topic:           mq.Topic,
			IntervalSeconds: int(mq.Interval / time.Second),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

var errChanType = errors.New("unknown channel type")

func parseChanType(s string) (mt7601u.Width, mt7601u.ChanType, error) {
	switch strings.ToLower(s) {
	case "noht":
		return mt7601u.Width20, mt7601u.ChanNoHT, nil
	case "", "ht20":
		return mt7601u.Width20, mt7601u.ChanHT20, nil
	case "ht40-":
		return mt7601u.Width40, mt7601u.ChanHT40Minus, nil
	case "ht40+":
		return mt7601u.Width40, mt7601u.ChanHT40Plus, nil
	}
	return 0, 0, fmt.Errorf("%w %q", errChanType, s)
}

// deviceConfig converts c into the core's Init configuration.
func (c Config) deviceConfig(logger *slog.Logger) (mt7601u.Config, error) {
	width, typ, err := parseChanType(c.ChanType)
	if err != nil {
		return mt7601u.Config{}, err
	}
	if len(c.Cal.ChanPower) > 14 {
		return mt7601u.Config{}, fmt.Errorf("%d channel power entries, want at most 14", len(c.Cal.ChanPower))
	}
	cfg := mt7601u.DefaultConfig()
	cfg.Logger = logger
	cfg.Channel = mt7601u.Channel{Number: c.Channel, Width: width, Type: typ}
	cfg.PhyInit = c.PhyInit
	cfg.RxEntries = c.RxEntries
	cfg.RxBufferSize = c.RxBufferSize
	cfg.TxEntries = c.TxEntries
	cfg.Cal.RfFreqOff = c.Cal.FreqOffset
	cfg.Cal.RefTemp = c.Cal.RefTemp
	cfg.Cal.LNAGain = c.Cal.LNAGain
	cfg.Cal.TSSIEnabled = c.Cal.TSSI
	for i, p := range c.Cal.ChanPower {
		if p < 0 || p > 0x3f {
			return mt7601u.Config{}, fmt.Errorf("channel %d power %d out of range", i+1, p)
		}
		cfg.Cal.ChanPower[i] = uint8(p)
	}
	return cfg, nil
}

func (c Config) usbConfig(logger *slog.Logger) usbtransport.Config {
	cfg := usbtransport.DefaultConfig()
	cfg.VendorID = c.USB.VendorID
	cfg.ProductID = c.USB.ProductID
	cfg.OpenRetries = c.USB.OpenRetries
	cfg.Logger = logger
	return cfg
}

func (c Config) telemetryConfig(logger *slog.Logger) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Broker = c.MQTT.Broker
	cfg.ClientID = c.MQTT.ClientID
	cfg.Topic = c.MQTT.Topic
	if c.MQTT.IntervalSeconds > 0 {
		cfg.Interval = time.Duration(c.MQTT.IntervalSeconds) * time.Second
	}
	cfg.Logger = logger
	return cfg
}

const levelTrace = slog.LevelDebug - 1

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return levelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// newLogger returns a text logger writing to stderr and, when configured,
// to a size rotated file. The returned closer flushes the file.
func (c LogConfig) newLogger() (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if c.File != "" {
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h), closer, nil
}
