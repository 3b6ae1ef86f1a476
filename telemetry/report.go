package telemetry

import (
	"github.com/soypat/mt7601u"
)

type statsReport struct {
	RxFrames        uint64 `json:"rx_frames"`
	RxRejected      uint64 `json:"rx_rejected"`
	RxCorrupt       uint64 `json:"rx_corrupt"`
	RxErrors        uint64 `json:"rx_errors"`
	TxFrames        uint64 `json:"tx_frames"`
	TxErrors        uint64 `json:"tx_errors"`
	TxStatus        uint64 `json:"tx_status"`
	TxStatusUnknown uint64 `json:"tx_status_unknown"`
	TxReportDropped uint64 `json:"tx_report_dropped"`
}

func newStatsReport(st mt7601u.Stats, dropped uint64) statsReport {
	return statsReport{
		RxFrames:        st.RxFrames,
		RxRejected:      st.RxRejected,
		RxCorrupt:       st.RxCorrupt,
		RxErrors:        st.RxErrors,
		TxFrames:        st.TxFrames,
		TxErrors:        st.TxErrors,
		TxStatus:        st.TxStatus,
		TxStatusUnknown: st.TxStatusUnknown,
		TxReportDropped: dropped,
	}
}

type calReport struct {
	Channel        uint8  `json:"channel"`
	FreqMHz        int    `json:"freq_mhz"`
	HT40           bool   `json:"ht40"`
	TempMode       string `json:"temp_mode"`
	Temperature    int    `json:"temperature"`
	DPDTemperature int    `json:"dpd_temperature"`
	FreqOffset     uint8  `json:"freq_offset"`
	FreqCal        bool   `json:"freq_cal"`
	FreqAdjusting  bool   `json:"freq_adjusting"`
	PowerDiff      int    `json:"power_diff"`
	TempComp       int    `json:"temp_comp"`
	PLLProtect     bool   `json:"pll_protect"`
	AGC            uint8  `json:"agc"`
	// RSSI is omitted until a beacon from the associated BSS was seen.
	RSSI *int `json:"rssi,omitempty"`
}

func newCalReport(cs mt7601u.CalibrationState) calReport {
	r := calReport{
		Channel:        cs.Channel.Number,
		FreqMHz:        cs.Channel.Freq(),
		HT40:           cs.Bandwidth40,
		TempMode:       cs.TempMode.String(),
		Temperature:    cs.Temperature,
		DPDTemperature: cs.DPDTemperature,
		FreqOffset:     cs.FreqOffset,
		FreqCal:        cs.FreqCalEnabled,
		FreqAdjusting:  cs.FreqAdjusting,
		PowerDiff:      cs.PrevPowerDiff,
		TempComp:       cs.TxALCTempComp,
		PLLProtect:     cs.PLLLockProtect,
		AGC:            cs.AGC,
	}
	if cs.RSSIAverageSeen {
		rssi := cs.RSSIAverage
		r.RSSI = &rssi
	}
	return r
}

type txReport struct {
	WCID    uint8  `json:"wcid"`
	PktID   uint8  `json:"pktid"`
	Success bool   `json:"success"`
	Acked   bool   `json:"acked"`
	Probe   bool   `json:"probe,omitempty"`
	AMPDU   bool   `json:"ampdu,omitempty"`
	Retry   int    `json:"retry"`
	Phy     string `json:"phy"`
	MCS     uint8  `json:"mcs"`
}

func newTxReport(out mt7601u.TxOutcome) txReport {
	return txReport{
		WCID:    out.WCID,
		PktID:   out.PktID,
		Success: out.Success,
		Acked:   out.Acked,
		Probe:   out.Probe,
		AMPDU:   out.Aggregated,
		Retry:   out.Retry,
		Phy:     out.Rate.Phy.String(),
		MCS:     out.Rate.MCS,
	}
}
