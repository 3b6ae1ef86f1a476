package mtwire

import (
	"encoding/binary"
	"errors"
)

var errShortRXWI = errors.New("mtwire: buffer shorter than RXWI")

// SegmentLen returns the length field of the DMA header at the start of b.
// b must be at least DMA_HDR_LEN long.
func SegmentLen(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

// PutSegmentHeader writes a DMA header with length n at the start of dst.
func PutSegmentHeader(dst []byte, n uint16) {
	_ = dst[DMA_HDR_LEN-1]
	binary.LittleEndian.PutUint16(dst, n)
	dst[2] = 0
	dst[3] = 0
}

// FCEInfoLen extracts the length field of the trailing FCE info word.
func FCEInfoLen(info uint32) uint32 { return FCEInfoLength.Get(info) }

// FCE info fields.
const (
	FCEInfoLength Field = 0<<8 | 14
)

// RXINFO flags carried in RXWI.RxInfo.
const (
	RXINFO_BA        = 1 << 0
	RXINFO_DATA      = 1 << 1
	RXINFO_NULL      = 1 << 2
	RXINFO_FRAG      = 1 << 3
	RXINFO_U2M       = 1 << 4
	RXINFO_MULTICAST = 1 << 5
	RXINFO_BROADCAST = 1 << 6
	RXINFO_MYBSS     = 1 << 7
	RXINFO_CRCERR    = 1 << 8
	RXINFO_ICVERR    = 1 << 9
	RXINFO_MICERR    = 1 << 10
	RXINFO_AMSDU     = 1 << 11
	RXINFO_HTC       = 1 << 12
	RXINFO_RSSI      = 1 << 13
	RXINFO_L2PAD     = 1 << 14
	RXINFO_AMPDU     = 1 << 15
	RXINFO_DECRYPT   = 1 << 16
)

// RXWI control and gain fields.
const (
	RXWICtlWCID    Field = 0<<8 | 8
	RXWICtlMPDULen Field = 16<<8 | 14

	RXWI_ANT_AUX_LNA = 1 << 7

	RXWIGainRSSIVal   Field = 0<<8 | 6
	RXWIGainRSSILNAID Field = 6<<8 | 2
)

// RXWI is the receive wireless info descriptor prepended by the chip to every
// received frame.
type RXWI struct {
	RxInfo      uint32
	Ctl         uint32
	FragSN      uint16
	Rate        uint16
	Unknown     uint8
	ZeroRSSI    uint8
	SNR         uint8
	Ant         uint8
	Gain        uint8
	FreqOff     int8
	ResvSNR     uint8
	ExpectedAck uint8
	Resv        [8]byte
}

// DecodeRXWI parses the first RXWI_LEN bytes of b.
func DecodeRXWI(b []byte) (rxwi RXWI, err error) {
	if len(b) < RXWI_LEN {
		return rxwi, errShortRXWI
	}
	rxwi.RxInfo = binary.LittleEndian.Uint32(b)
	rxwi.Ctl = binary.LittleEndian.Uint32(b[4:])
	rxwi.FragSN = binary.LittleEndian.Uint16(b[8:])
	rxwi.Rate = binary.LittleEndian.Uint16(b[10:])
	rxwi.Unknown = b[12]
	rxwi.ZeroRSSI = b[13]
	rxwi.SNR = b[14]
	rxwi.Ant = b[15]
	rxwi.Gain = b[16]
	rxwi.FreqOff = int8(b[17])
	rxwi.ResvSNR = b[18]
	rxwi.ExpectedAck = b[19]
	copy(rxwi.Resv[:], b[20:RXWI_LEN])
	return rxwi, nil
}

// Put writes the RXWI in wire order to dst. Panics if dst is shorter than RXWI_LEN.
func (r *RXWI) Put(dst []byte) {
	_ = dst[RXWI_LEN-1]
	binary.LittleEndian.PutUint32(dst, r.RxInfo)
	binary.LittleEndian.PutUint32(dst[4:], r.Ctl)
	binary.LittleEndian.PutUint16(dst[8:], r.FragSN)
	binary.LittleEndian.PutUint16(dst[10:], r.Rate)
	dst[12] = r.Unknown
	dst[13] = r.ZeroRSSI
	dst[14] = r.SNR
	dst[15] = r.Ant
	dst[16] = r.Gain
	dst[17] = byte(r.FreqOff)
	dst[18] = r.ResvSNR
	dst[19] = r.ExpectedAck
	copy(dst[20:RXWI_LEN], r.Resv[:])
}

// WCID returns the wireless client id the frame was matched to.
func (r RXWI) WCID() uint8 { return uint8(RXWICtlWCID.Get(r.Ctl)) }

// TXWI flag fields.
const (
	TXWI_FLAGS_AMPDU = 1 << 4

	TXWIFlagsMPDUDensity Field = 5<<8 | 3
)

// TXWI ack control fields.
const (
	TXWI_ACK_CTL_REQ  = 1 << 0
	TXWI_ACK_CTL_NSEQ = 1 << 1

	TXWIAckCtlBAWindow Field = 2<<8 | 6
)

// TXWI length control fields.
const (
	TXWILenByteCnt Field = 0<<8 | 12
	TXWILenPktID   Field = 12<<8 | 4
)

// TXWI is the transmit wireless info descriptor written in front of every
// transmitted frame.
type TXWI struct {
	Flags    uint16
	RateCtl  uint16
	AckCtl   uint8
	WCID     uint8
	LenCtl   uint16
	IV       uint32
	EIV      uint32
	AID      uint8
	TxStream uint8
	Ctl      uint16
}

// DecodeTXWI parses the first TXWI_LEN bytes of b. Panics if b is shorter.
func DecodeTXWI(b []byte) (txwi TXWI) {
	_ = b[TXWI_LEN-1]
	txwi.Flags = binary.LittleEndian.Uint16(b)
	txwi.RateCtl = binary.LittleEndian.Uint16(b[2:])
	txwi.AckCtl = b[4]
	txwi.WCID = b[5]
	txwi.LenCtl = binary.LittleEndian.Uint16(b[6:])
	txwi.IV = binary.LittleEndian.Uint32(b[8:])
	txwi.EIV = binary.LittleEndian.Uint32(b[12:])
	txwi.AID = b[16]
	txwi.TxStream = b[17]
	txwi.Ctl = binary.LittleEndian.Uint16(b[18:])
	return txwi
}

// Put puts all 20 bytes of the TXWI in dst. Panics if dst is shorter than TXWI_LEN.
func (t *TXWI) Put(dst []byte) {
	_ = dst[TXWI_LEN-1]
	binary.LittleEndian.PutUint16(dst, t.Flags)
	binary.LittleEndian.PutUint16(dst[2:], t.RateCtl)
	dst[4] = t.AckCtl
	dst[5] = t.WCID
	binary.LittleEndian.PutUint16(dst[6:], t.LenCtl)
	binary.LittleEndian.PutUint32(dst[8:], t.IV)
	binary.LittleEndian.PutUint32(dst[12:], t.EIV)
	dst[16] = t.AID
	dst[17] = t.TxStream
	binary.LittleEndian.PutUint16(dst[18:], t.Ctl)
}

// PktID returns the packet id carried in the length control field.
func (t TXWI) PktID() uint8 { return uint8(TXWILenPktID.Get(uint32(t.LenCtl))) }

// ByteCount returns the frame length carried in the length control field.
func (t TXWI) ByteCount() int { return int(TXWILenByteCnt.Get(uint32(t.LenCtl))) }

// TXD info fields.
const (
	TXDInfoLen   Field = 0<<8 | 16
	TXDInfoQSel  Field = 25<<8 | 2
	TXDInfoDPort Field = 27<<8 | 3
	TXDInfoType  Field = 30<<8 | 2

	TXD_INFO_NEXT_VLD = 1 << 16
	TXD_INFO_TX_BURST = 1 << 17
	TXD_INFO_80211    = 1 << 19
	TXD_INFO_TSO      = 1 << 20
	TXD_INFO_CSO      = 1 << 21
	TXD_INFO_WIV      = 1 << 24
)

// Queue selection values of the TXD info QSEL field.
const (
	QSEL_MGMT = 0
	QSEL_HCCA = 1
	QSEL_EDCA = 2
)

// Destination port values of the TXD info DPORT field.
const (
	DPORT_CPU_RX = 0
	DPORT_WLAN   = 0
	DPORT_CPU_TX = 2
	DPORT_HOST   = 3
)

// TXD info types.
const (
	TXD_TYPE_DMA_PACKET = 0
	TXD_TYPE_DMA_CMD    = 1
)

// TXDInfo builds the DMA info word for a payload of length n bytes. The
// length field is rounded up to a multiple of 4.
func TXDInfo(n int, dport, typ uint32, flags uint32) uint32 {
	return TXDInfoLen.Set(uint32(n+3)&^3) | TXDInfoDPort.Set(dport) | TXDInfoType.Set(typ) | flags
}

// TX_STAT_FIFO fields.
const (
	TX_STAT_FIFO_VALID   = 1 << 0
	TX_STAT_FIFO_SUCCESS = 1 << 5
	TX_STAT_FIFO_AGGR    = 1 << 6
	TX_STAT_FIFO_ACKREQ  = 1 << 7

	TxStatFIFOPktID Field = 1<<8 | 4
	TxStatFIFOWCID  Field = 8<<8 | 8
	TxStatFIFORate  Field = 16<<8 | 16
)

// TxStatus is a single hardware TX completion report.
type TxStatus struct {
	Valid   bool
	Success bool
	Aggr    bool
	AckReq  bool
	PktID   uint8
	WCID    uint8
	Rate    uint16
}

// DecodeTxStatus decodes a TX_STAT_FIFO register value.
func DecodeTxStatus(v uint32) TxStatus {
	return TxStatus{
		Valid:   v&TX_STAT_FIFO_VALID != 0,
		Success: v&TX_STAT_FIFO_SUCCESS != 0,
		Aggr:    v&TX_STAT_FIFO_AGGR != 0,
		AckReq:  v&TX_STAT_FIFO_ACKREQ != 0,
		PktID:   uint8(TxStatFIFOPktID.Get(v)),
		WCID:    uint8(TxStatFIFOWCID.Get(v)),
		Rate:    uint16(TxStatFIFORate.Get(v)),
	}
}

// Uint32 encodes the status back to its register representation.
func (s TxStatus) Uint32() (v uint32) {
	if s.Valid {
		v |= TX_STAT_FIFO_VALID
	}
	if s.Success {
		v |= TX_STAT_FIFO_SUCCESS
	}
	if s.Aggr {
		v |= TX_STAT_FIFO_AGGR
	}
	if s.AckReq {
		v |= TX_STAT_FIFO_ACKREQ
	}
	return v | TxStatFIFOPktID.Set(uint32(s.PktID)) | TxStatFIFOWCID.Set(uint32(s.WCID)) | TxStatFIFORate.Set(uint32(s.Rate))
}
