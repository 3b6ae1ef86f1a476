package usbtransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/gousb"
	"github.com/soypat/mt7601u"
)

// Vendor requests understood by the MT7601U USB interface.
const (
	vendDevMode   = 1
	vendWrite     = 2
	vendMultiRead = 7
	vendWriteFCE  = 0x42
)

const (
	rTypeVendorIn  uint8 = gousb.ControlIn | gousb.ControlVendor | gousb.ControlDevice
	rTypeVendorOut uint8 = gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice
)

// Vendor request retry policy.
const (
	controlRetries    = 10
	controlRetryDelay = 5 * time.Millisecond
)

var errShortControl = errors.New("short control transfer")

// controller issues USB control transfers. *gousb.Device implements it.
type controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// Bus implements mt7601u.RegisterBus with vendor control requests. Failed
// requests are retried unless the device is gone.
type Bus struct {
	dev    controller
	logger *slog.Logger
	delay  time.Duration
}

var _ mt7601u.RegisterBus = (*Bus)(nil)

func newBus(dev controller, logger *slog.Logger) *Bus {
	return &Bus{dev: dev, logger: logger, delay: controlRetryDelay}
}

// Read reads the 32 bit register at addr.
func (b *Bus) Read(addr uint32) (uint32, error) {
	var buf [4]byte
	err := b.vendorRequest(rTypeVendorIn, vendMultiRead, 0, uint16(addr), buf[:])
	if err != nil {
		return 0, fmt.Errorf("read %#x: %w", addr, err)
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// Write writes val to the register at addr as two 16 bit halves.
func (b *Bus) Write(addr, val uint32) error {
	err := b.vendorRequest(rTypeVendorOut, vendWrite, uint16(val), uint16(addr), nil)
	if err == nil {
		err = b.vendorRequest(rTypeVendorOut, vendWrite, uint16(val>>16), uint16(addr+2), nil)
	}
	if err != nil {
		return fmt.Errorf("write %#x: %w", addr, err)
	}
	return nil
}

// WriteFCE writes a 32 bit value to the FCE register space.
func (b *Bus) WriteFCE(offset uint16, val uint32) error {
	err := b.vendorRequest(rTypeVendorOut, vendWriteFCE, uint16(val), offset, nil)
	if err == nil {
		err = b.vendorRequest(rTypeVendorOut, vendWriteFCE, uint16(val>>16), offset+2, nil)
	}
	return err
}

// ResetDevMode resets the USB device mode state machine.
func (b *Bus) ResetDevMode() error {
	const devModeReset = 1
	return b.vendorRequest(rTypeVendorOut, vendDevMode, devModeReset, 0, nil)
}

func (b *Bus) vendorRequest(rType, req uint8, val, idx uint16, data []byte) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		n, err := b.dev.Control(rType, req, val, idx, data)
		switch {
		case err != nil && isNoDevice(err):
			return backoff.Permanent(fmt.Errorf("%w: %v", mt7601u.ErrNoDevice, err))
		case err != nil:
			b.debug("vendor request failed", slog.Int("req", int(req)), slog.Int("attempt", attempt), slog.String("err", err.Error()))
			return err
		case n != len(data):
			return errShortControl
		}
		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(b.delay), controlRetries-1))
	if err != nil && !errors.Is(err, mt7601u.ErrNoDevice) {
		err = fmt.Errorf("%w: vendor request %d: %v", mt7601u.ErrTransport, req, err)
	}
	return err
}

func (b *Bus) debug(msg string, attrs ...slog.Attr) {
	if b.logger != nil {
		b.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
