package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/soypat/mt7601u"
	"github.com/soypat/mt7601u/mtwire"
	"github.com/soypat/mt7601u/telemetry"
	"github.com/soypat/mt7601u/usbtransport"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is typically injected via ldflags.
	Version = "0.1.0"

	ConfigFileName = "mt7601u.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) && !strings.Contains(err.Error(), "no such") {
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `mt7601u drives a MediaTek MT7601U USB 802.11n adapter in receive
monitor mode and reports statistics and calibration state.

Usage:
	mt7601u <command>

Commands:
	run
	mkconf
	conf
	txstat <hex>
	rate <hex>
	version`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	logger, logCloser, err := c.Log.newLogger()
	if err != nil {
		log.Fatal(err)
	}
	defer logCloser.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = runDevice(ctx, c, logger)
	if err != nil {
		logger.Error("run failed", slog.String("err", err.Error()))
		logCloser.Close()
		os.Exit(1)
	}
}

func runDevice(ctx context.Context, c Config, logger *slog.Logger) error {
	devcfg, err := c.deviceConfig(logger)
	if err != nil {
		return err
	}
	usbdev, err := usbtransport.Open(c.usbConfig(logger))
	if err != nil {
		return fmt.Errorf("open adapter: %w", err)
	}
	defer usbdev.Close()

	mac := &monitorMAC{logger: logger}
	var pub *telemetry.Publisher
	if c.MQTT.Enabled {
		pub = telemetry.New(c.telemetryConfig(logger))
		if err := pub.Dial(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		mac.reporter = pub
	}

	dev := mt7601u.New(usbdev.Transport, usbdev.Bus, noMCU{}, mac)
	if err := dev.Init(devcfg); err != nil {
		return err
	}
	defer dev.Close()
	logger.Info("device up", slog.Int("channel", int(devcfg.Channel.Number)), slog.Int("freq", devcfg.Channel.Freq()))

	pubDone := make(chan error, 1)
	if pub != nil {
		go func() { pubDone <- pub.Run(ctx, dev) }()
	}
	select {
	case <-ctx.Done():
	case err = <-pubDone:
		logger.Error("telemetry stopped", slog.String("err", err.Error()))
	}
	st := dev.Stats()
	logger.Info("shutting down",
		slog.Uint64("rx", st.RxFrames),
		slog.Uint64("rxerr", st.RxErrors),
		slog.Uint64("beacons", mac.beacons.Load()),
		slog.Uint64("tx", st.TxFrames),
	)
	return nil
}

func parseHex(s string, bits int) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	return strconv.ParseUint(s, 16, bits)
}

func txstat(arg string) {
	v, err := parseHex(arg, 32)
	if err != nil {
		log.Fatal(err)
	}
	st := mtwire.DecodeTxStatus(uint32(v))
	r := mtwire.DecodeRate(st.Rate)
	fmt.Printf("valid=%v success=%v aggr=%v ackreq=%v pktid=%d wcid=%d rate=%s/mcs%d bw40=%v sgi=%v\n",
		st.Valid, st.Success, st.Aggr, st.AckReq, st.PktID, st.WCID, r.Phy, r.MCS, r.BW40, r.SGI)
}

func rate(arg string) {
	v, err := parseHex(arg, 16)
	if err != nil {
		log.Fatal(err)
	}
	r := mtwire.DecodeRate(uint16(v))
	fmt.Printf("phy=%s mcs=%d bw40=%v sgi=%v stbc=%d\n", r.Phy, r.MCS, r.BW40, r.SGI, r.STBC)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		root()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "txstat", "rate":
		if len(args) < 3 {
			log.Fatalf("%s needs a hex argument", cmd)
		}
		if cmd == "txstat" {
			txstat(args[2])
		} else {
			rate(args[2])
		}
	case "version":
		fmt.Printf("mt7601u version %v\n", Version)
	default:
		log.Fatal("unknown command")
	}
}
