// Package usbtransport connects the mt7601u core to a real adapter through
// libusb. It provides the bulk endpoint Transport and the vendor request
// RegisterBus.
package usbtransport

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/gousb"
	"github.com/soypat/mt7601u"
)

// USB IDs of the reference MT7601U adapter.
const (
	VendorID  = 0x148f
	ProductID = 0x7601
)

// Endpoints lists endpoint numbers indexed by mt7601u.InEndpoint and
// mt7601u.OutEndpoint.
type Endpoints struct {
	In  [2]int
	Out [6]int
}

// DefaultEndpoints is the MT7601U bulk endpoint layout in descriptor order.
var DefaultEndpoints = Endpoints{
	In:  [2]int{4, 5},
	Out: [6]int{8, 4, 5, 6, 7, 9},
}

// Config selects the adapter to open and how to talk to it.
type Config struct {
	VendorID       uint16
	ProductID      uint16
	Endpoints      Endpoints
	// OpenRetries is how many times opening is attempted before giving up.
	OpenRetries    int
	OpenRetryDelay time.Duration
	ControlTimeout time.Duration
	Logger         *slog.Logger
}

// DefaultConfig returns the configuration for a stock MT7601U adapter.
func DefaultConfig() Config {
	return Config{
		VendorID:       VendorID,
		ProductID:      ProductID,
		Endpoints:      DefaultEndpoints,
		OpenRetries:    5,
		OpenRetryDelay: time.Second,
		ControlTimeout: 300 * time.Millisecond,
	}
}

var errNotFound = errors.New("usb device not found")

// Device is an opened adapter.
type Device struct {
	Transport *Transport
	Bus       *Bus

	usb    *gousb.Context
	dev    *gousb.Device
	iface  *gousb.Interface
	closer func()
}

// Open finds the adapter, claims its default interface and opens every bulk
// endpoint in cfg.Endpoints.
func Open(cfg Config) (*Device, error) {
	d := &Device{usb: gousb.NewContext()}
	tries := cfg.OpenRetries
	if tries < 1 {
		tries = 1
	}
	err := backoff.Retry(func() error {
		dev, err := d.usb.OpenDeviceWithVIDPID(gousb.ID(cfg.VendorID), gousb.ID(cfg.ProductID))
		if err != nil {
			return err
		}
		if dev == nil {
			if cfg.Logger != nil {
				cfg.Logger.Info("usb:waiting-for-device", slog.String("id", fmt.Sprintf("%04x:%04x", cfg.VendorID, cfg.ProductID)))
			}
			return errNotFound
		}
		d.dev = dev
		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.OpenRetryDelay), uint64(tries-1)))
	if err != nil {
		d.usb.Close()
		return nil, err
	}

	failed := true
	defer func() {
		if failed {
			d.Close()
		}
	}()
	if cfg.ControlTimeout > 0 {
		d.dev.ControlTimeout = cfg.ControlTimeout
	}
	if err = d.dev.SetAutoDetach(true); err != nil {
		return nil, err
	}
	d.iface, d.closer, err = d.dev.DefaultInterface()
	if err != nil {
		return nil, err
	}
	var in [2]inEndpoint
	var out [6]outEndpoint
	for i, num := range cfg.Endpoints.In {
		ep, err := d.iface.InEndpoint(num)
		if err != nil {
			return nil, fmt.Errorf("in endpoint %d: %w", num, err)
		}
		in[i] = ep
	}
	for i, num := range cfg.Endpoints.Out {
		ep, err := d.iface.OutEndpoint(num)
		if err != nil {
			return nil, fmt.Errorf("out endpoint %d: %w", num, err)
		}
		out[i] = ep
	}
	d.Transport = newTransport(in, out)
	d.Bus = newBus(d.dev, cfg.Logger)
	failed = false
	return d, nil
}

// Close stops all transfers and releases the USB resources.
func (d *Device) Close() error {
	if d.Transport != nil {
		d.Transport.Close()
	}
	if d.closer != nil {
		d.closer()
	}
	var err error
	if d.dev != nil {
		err = d.dev.Close()
	}
	return errors.Join(err, d.usb.Close())
}
