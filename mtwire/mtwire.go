// package mtwire implements the MT7601U USB DMA wire formats: the aggregated
// RX segment framing, the RX/TX wireless info descriptors (RXWI/TXWI), the TX
// DMA info word and the TX status FIFO word. It also carries the subset of the
// chip's register map the DMA and calibration code operates on.
package mtwire

const (
	// DMA_HDR_LEN is the length of the little-endian segment header preceding
	// every aggregated RX unit.
	DMA_HDR_LEN = 4
	// RX_INFO_LEN is the length of the trailing FCE info word of an RX unit.
	RX_INFO_LEN = 4
	// FCE_INFO_LEN is the same trailing word seen from the FCE side.
	FCE_INFO_LEN = 4
	// DMA_HDRS is the fixed per-segment overhead not counted by the segment
	// header length field.
	DMA_HDRS = DMA_HDR_LEN + RX_INFO_LEN

	RXWI_LEN = 28
	TXWI_LEN = 20
	// TXD_INFO_LEN is the length of the DMA info word prepended to TX packets.
	TXD_INFO_LEN = 4

	// MIN_SEG_LEN is the smallest aggregate unit that can hold a frame.
	MIN_SEG_LEN = DMA_HDR_LEN + RX_INFO_LEN + RXWI_LEN + FCE_INFO_LEN
)

// MAC/PHY registers.
const (
	MAC_SYS_CTRL    = 0x1004
	MAC_STATUS      = 0x1200
	RF_CSR_CFG      = 0x0500
	RF_BYPASS_0     = 0x0504
	RF_SETTING_0    = 0x050c
	BBP_CSR_CFG     = 0x101c
	TX_PWR_CFG_0    = 0x1314
	TX_ALC_CFG_0    = 0x13b0
	TX_ALC_CFG_1    = 0x13b4
	RF_PA_MODE_CFG0 = 0x121c
	RF_PA_MODE_CFG1 = 0x1220
	TX_STAT_FIFO    = 0x1718
	TX_BAND_CFG     = 0x132c

	WMM_AIFSN = 0x0214
	WMM_CWMIN = 0x0218
	WMM_CWMAX = 0x021c
	wmmTXOP   = 0x0220
	edcaCFG   = 0x1300
)

// MCU memory map bases used with register pair writes.
const (
	MCU_MEMMAP_BBP = 0x40000000
	MCU_MEMMAP_RF  = 0x80000000
)

// MAC_SYS_CTRL and MAC_STATUS bits.
const (
	MAC_SYS_CTRL_ENABLE_TX = 1 << 2
	MAC_SYS_CTRL_ENABLE_RX = 1 << 3

	MAC_STATUS_TX = 1 << 0
	MAC_STATUS_RX = 1 << 1
)

// RF_CSR_CFG fields. The chip owns the register while KICK is set.
const (
	RFCSRData    Field = 0<<8 | 8
	RFCSRRegID   Field = 8<<8 | 6
	RFCSRRegBank Field = 14<<8 | 4

	RF_CSR_CFG_WR   = 1 << 30
	RF_CSR_CFG_KICK = 1 << 31
)

// BBP_CSR_CFG fields. The chip owns the register while BUSY is set.
const (
	BBPCSRVal    Field = 0<<8 | 8
	BBPCSRRegNum Field = 8<<8 | 8

	BBP_CSR_CFG_READ     = 1 << 16
	BBP_CSR_CFG_BUSY     = 1 << 17
	BBP_CSR_CFG_PARALLEL = 1 << 18
	BBP_CSR_CFG_RW_MODE  = 1 << 19
)

// TX_ALC_CFG fields.
const (
	TXALCChanPower0 Field = 0<<8 | 6
	TXALCChanPower1 Field = 8<<8 | 6
	TXALCTempComp   Field = 0<<8 | 6
)

// EDCA_CFG fields.
const (
	EDCATxop  Field = 0<<8 | 8
	EDCAAifsn Field = 8<<8 | 4
	EDCACwMin Field = 12<<8 | 4
	EDCACwMax Field = 16<<8 | 4
)

// EDCA_CFG returns the EDCA configuration register of hardware queue q.
func EDCA_CFG(q uint8) uint32 { return edcaCFG + 4*uint32(q) }

// WMM_TXOP returns the WMM TXOP register holding hardware queue q.
func WMM_TXOP(q uint8) uint32 { return wmmTXOP + 4*uint32(q>>1) }

// WMMTxopField returns the TXOP field of hardware queue q within WMM_TXOP(q).
func WMMTxopField(q uint8) Field { return Field(uint16(q&1)*16)<<8 | 16 }

// WMMNibble returns the 4 bit field of hardware queue q within the
// WMM_AIFSN, WMM_CWMIN and WMM_CWMAX registers.
func WMMNibble(q uint8) Field { return Field(uint16(q)*4)<<8 | 4 }

// RegPair is a register/value pair written in bulk through the MCU.
type RegPair struct {
	Reg   uint32
	Value uint32
}
