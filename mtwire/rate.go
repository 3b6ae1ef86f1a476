package mtwire

// PhyType is the modulation family of a rate word.
type PhyType uint8

const (
	PhyCCK PhyType = iota
	PhyOFDM
	PhyHT
	PhyHTGF
)

func (p PhyType) String() string {
	switch p {
	case PhyCCK:
		return "CCK"
	case PhyOFDM:
		return "OFDM"
	case PhyHT:
		return "HT"
	case PhyHTGF:
		return "HT-GF"
	}
	return "unknown"
}

// Rate word fields shared by RXWI, TXWI and the TX status FIFO.
const (
	RateMCS  Field = 0<<8 | 7
	RateSTBC Field = 9<<8 | 2
	RatePhy  Field = 14<<8 | 2

	RATE_BW  = 1 << 7
	RATE_SGI = 1 << 8
)

// Rate is a decoded hardware rate word.
type Rate struct {
	Phy  PhyType
	MCS  uint8
	BW40 bool
	SGI  bool
	STBC uint8
}

// DecodeRate splits a 16 bit hardware rate word into its fields.
func DecodeRate(v uint16) Rate {
	w := uint32(v)
	return Rate{
		Phy:  PhyType(RatePhy.Get(w)),
		MCS:  uint8(RateMCS.Get(w)),
		BW40: w&RATE_BW != 0,
		SGI:  w&RATE_SGI != 0,
		STBC: uint8(RateSTBC.Get(w)),
	}
}

// Uint16 encodes the rate as a hardware rate word.
func (r Rate) Uint16() uint16 {
	w := RatePhy.Set(uint32(r.Phy)) | RateMCS.Set(uint32(r.MCS)) | RateSTBC.Set(uint32(r.STBC))
	if r.BW40 {
		w |= RATE_BW
	}
	if r.SGI {
		w |= RATE_SGI
	}
	return uint16(w)
}
