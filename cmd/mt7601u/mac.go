package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/soypat/mt7601u"
	"github.com/soypat/mt7601u/mtwire"
)

// txReporter receives hardware TX outcomes. *telemetry.Publisher
// implements it.
type txReporter interface {
	ReportTx(out mt7601u.TxOutcome)
}

// monitorMAC is a receive only upper layer: it counts and logs frames and
// forwards TX outcomes.
type monitorMAC struct {
	logger   *slog.Logger
	reporter txReporter
	frames   atomic.Uint64
	beacons  atomic.Uint64
}

var _ mt7601u.MAC = (*monitorMAC)(nil)

func (m *monitorMAC) ProcessRx(frame []byte, st mt7601u.RxStatus) error {
	m.frames.Add(1)
	if mtwire.IsBeacon(mtwire.FrameControl(frame)) {
		m.beacons.Add(1)
	}
	if m.logger.Enabled(context.Background(), levelTrace) {
		m.logger.LogAttrs(context.Background(), levelTrace, "rx",
			slog.Int("len", len(frame)),
			slog.Int("signal", st.Signal),
			slog.Int("rate", int(st.RateIdx)),
			slog.Bool("ht", st.HT),
		)
	}
	return nil
}

func (m *monitorMAC) TxDone(frame []byte, ac mt7601u.AccessCategory) {
	m.logger.Debug("tx done", slog.Int("len", len(frame)), slog.String("ac", ac.String()))
}

func (m *monitorMAC) TxStatus(sta *mt7601u.Station, out mt7601u.TxOutcome) {
	if m.reporter != nil {
		m.reporter.ReportTx(out)
	}
}

func (m *monitorMAC) TxRate(sta *mt7601u.Station, frame []byte) (mt7601u.Rate, bool) {
	return mt7601u.Rate{}, false
}

func (m *monitorMAC) StopQueue(ac mt7601u.AccessCategory) {
	m.logger.Warn("tx queue stopped", slog.String("ac", ac.String()))
}

func (m *monitorMAC) WakeQueue(ac mt7601u.AccessCategory) {
	m.logger.Info("tx queue woken", slog.String("ac", ac.String()))
}

var errNoMCU = errors.New("mcu command channel not available")

// noMCU stands in for the firmware command channel, which this command does
// not drive. Calibration requests fail and are logged by the core.
type noMCU struct{}

func (noMCU) Calibrate(kind mt7601u.CalKind, param uint32) error { return errNoMCU }

func (noMCU) KickTSSIRead(hvga bool) error { return errNoMCU }

func (noMCU) WriteRegPairs(base uint32, pairs []mtwire.RegPair) error { return errNoMCU }
