package mt7601u

import "github.com/soypat/mt7601u/mtwire"

// rfPair addresses RF register reg of bank in the MCU memory map.
func rfPair(bank, reg, val uint8) mtwire.RegPair {
	return mtwire.RegPair{Reg: mtwire.MCU_MEMMAP_RF | uint32(bank)<<16 | uint32(reg), Value: uint32(val)}
}

// Bank 0: bandgap, PLL, crystal, LO and ADC/DAC. Assumes a 40MHz crystal.
var rfCentral = []mtwire.RegPair{
	rfPair(0, 0, 0x02),
	rfPair(0, 1, 0x01),
	rfPair(0, 2, 0x11),
	rfPair(0, 3, 0xff),
	rfPair(0, 4, 0x0a),
	rfPair(0, 5, 0x20),
	rfPair(0, 6, 0x00),
	rfPair(0, 7, 0x00),
	rfPair(0, 8, 0x00),
	rfPair(0, 9, 0x00),
	rfPair(0, 10, 0x00),
	rfPair(0, 11, 0x21),
	rfPair(0, 13, 0x00),
	rfPair(0, 14, 0x7c),
	rfPair(0, 15, 0x22),
	rfPair(0, 16, 0x80),
	rfPair(0, 17, 0x99),
	rfPair(0, 18, 0x99),
	rfPair(0, 19, 0x09),
	rfPair(0, 20, 0x50),
	rfPair(0, 21, 0xb0),
	rfPair(0, 22, 0x00),
	rfPair(0, 23, 0xc5),
	rfPair(0, 24, 0xfc),
	rfPair(0, 25, 0x40),
	rfPair(0, 26, 0x4d),
	rfPair(0, 27, 0x02),
	rfPair(0, 28, 0x72),
	rfPair(0, 29, 0x01),
	rfPair(0, 30, 0x00),
	rfPair(0, 31, 0x00),
	rfPair(0, 32, 0x00),
	rfPair(0, 33, 0x00),
	rfPair(0, 34, 0x23),
	rfPair(0, 35, 0x01),
	rfPair(0, 36, 0x00),
	rfPair(0, 37, 0x00),
	rfPair(0, 38, 0x00),
	rfPair(0, 39, 0x20),
	rfPair(0, 40, 0x00),
	rfPair(0, 41, 0xd0),
	rfPair(0, 42, 0x1b),
	rfPair(0, 43, 0x02),
	rfPair(0, 44, 0x00),
}

// Bank 4: LDO, RX, LO generation, TX and PA.
var rfChannel = []mtwire.RegPair{
	rfPair(4, 0, 0x01),
	rfPair(4, 1, 0x00),
	rfPair(4, 2, 0x00),
	rfPair(4, 3, 0x00),
	rfPair(4, 4, 0x00),
	rfPair(4, 5, 0x08),
	rfPair(4, 6, 0x00),
	rfPair(4, 7, 0x5b),
	rfPair(4, 8, 0x52),
	rfPair(4, 9, 0xb6),
	rfPair(4, 10, 0x57),
	rfPair(4, 11, 0x33),
	rfPair(4, 12, 0x22),
	rfPair(4, 13, 0x3d),
	rfPair(4, 14, 0x3e),
	rfPair(4, 15, 0x13),
	rfPair(4, 16, 0x22),
	rfPair(4, 17, 0x23),
	rfPair(4, 18, 0x02),
	rfPair(4, 19, 0xa4),
	rfPair(4, 20, 0x01),
	rfPair(4, 21, 0x12),
	rfPair(4, 22, 0x80),
	rfPair(4, 23, 0xb3),
	rfPair(4, 24, 0x00),
	rfPair(4, 25, 0x00),
	rfPair(4, 26, 0x00),
	rfPair(4, 27, 0x00),
	rfPair(4, 28, 0x18),
	rfPair(4, 29, 0xee),
	rfPair(4, 30, 0x6b),
	rfPair(4, 31, 0x31),
	rfPair(4, 32, 0x5d),
	rfPair(4, 33, 0x00),
	rfPair(4, 34, 0x96),
	rfPair(4, 35, 0x55),
	rfPair(4, 36, 0x08),
	rfPair(4, 37, 0xbb),
	rfPair(4, 38, 0xb3),
	rfPair(4, 39, 0xb3),
	rfPair(4, 40, 0x03),
	rfPair(4, 41, 0x00),
	rfPair(4, 42, 0x00),
	rfPair(4, 43, 0xc5),
	rfPair(4, 44, 0xc5),
	rfPair(4, 45, 0xc5),
	rfPair(4, 46, 0x07),
	rfPair(4, 47, 0xa8),
	rfPair(4, 48, 0xef),
	rfPair(4, 49, 0x1a),
	rfPair(4, 54, 0x07),
	rfPair(4, 55, 0xa7),
	rfPair(4, 56, 0xcc),
	rfPair(4, 57, 0x14),
	rfPair(4, 58, 0x07),
	rfPair(4, 59, 0xa8),
	rfPair(4, 60, 0xd7),
	rfPair(4, 61, 0x10),
	rfPair(4, 62, 0x1c),
	rfPair(4, 63, 0x00),
}

// Bank 5: VGA.
var rfVGA = []mtwire.RegPair{
	rfPair(5, 0, 0x47),
	rfPair(5, 1, 0x00),
	rfPair(5, 2, 0x00),
	rfPair(5, 3, 0x08),
	rfPair(5, 4, 0x04),
	rfPair(5, 5, 0x20),
	rfPair(5, 6, 0x3a),
	rfPair(5, 7, 0x3a),
	rfPair(5, 8, 0x00),
	rfPair(5, 9, 0x00),
	rfPair(5, 10, 0x10),
	rfPair(5, 11, 0x10),
	rfPair(5, 12, 0x10),
	rfPair(5, 13, 0x10),
	rfPair(5, 14, 0x10),
	rfPair(5, 15, 0x20),
	rfPair(5, 16, 0x22),
	rfPair(5, 17, 0x7c),
	rfPair(5, 18, 0x00),
	rfPair(5, 19, 0x00),
	rfPair(5, 20, 0x00),
	rfPair(5, 21, 0xf1),
	rfPair(5, 22, 0x11),
	rfPair(5, 23, 0x02),
	rfPair(5, 24, 0x41),
	rfPair(5, 25, 0x20),
	rfPair(5, 26, 0x00),
	rfPair(5, 27, 0xd7),
	rfPair(5, 28, 0xa2),
	rfPair(5, 29, 0x20),
	rfPair(5, 30, 0x49),
	rfPair(5, 31, 0x20),
	rfPair(5, 32, 0x04),
	rfPair(5, 33, 0xf1),
	rfPair(5, 34, 0xa1),
	rfPair(5, 35, 0x01),
	rfPair(5, 41, 0x00),
	rfPair(5, 42, 0x00),
	rfPair(5, 43, 0x00),
	rfPair(5, 44, 0x00),
	rfPair(5, 45, 0x00),
	rfPair(5, 46, 0x00),
	rfPair(5, 47, 0x00),
	rfPair(5, 48, 0x00),
	rfPair(5, 49, 0x00),
	rfPair(5, 50, 0x00),
	rfPair(5, 51, 0x00),
	rfPair(5, 52, 0x00),
	rfPair(5, 53, 0x00),
	rfPair(5, 54, 0x00),
	rfPair(5, 55, 0x00),
	rfPair(5, 56, 0x00),
	rfPair(5, 57, 0x00),
	rfPair(5, 58, 0x31),
	rfPair(5, 59, 0x31),
	rfPair(5, 60, 0x0a),
	rfPair(5, 61, 0x02),
	rfPair(5, 62, 0x00),
	rfPair(5, 63, 0x00),
}

// BBP settings per temperature mode. Register 178 selects the CCK channel
// 14 OBW filter and is overwritten by every mode switch.
var (
	tempHigh       = []mtwire.RegPair{{Reg: 75, Value: 0x60}, {Reg: 92, Value: 0x02}, {Reg: 178, Value: 0xff}, {Reg: 195, Value: 0x88}, {Reg: 196, Value: 0x60}}
	tempHighBW20   = []mtwire.RegPair{{Reg: 69, Value: 0x12}, {Reg: 91, Value: 0x07}, {Reg: 195, Value: 0x23}, {Reg: 196, Value: 0x17}, {Reg: 195, Value: 0x24}, {Reg: 196, Value: 0x06}, {Reg: 195, Value: 0x81}, {Reg: 196, Value: 0x12}, {Reg: 195, Value: 0x83}, {Reg: 196, Value: 0x17}}
	tempHighBW40   = []mtwire.RegPair{{Reg: 69, Value: 0x15}, {Reg: 91, Value: 0x04}, {Reg: 195, Value: 0x23}, {Reg: 196, Value: 0x12}, {Reg: 195, Value: 0x24}, {Reg: 196, Value: 0x08}, {Reg: 195, Value: 0x81}, {Reg: 196, Value: 0x15}, {Reg: 195, Value: 0x83}, {Reg: 196, Value: 0x16}}
	tempLow        = []mtwire.RegPair{{Reg: 178, Value: 0xff}}
	tempLowBW20    = []mtwire.RegPair{{Reg: 69, Value: 0x12}, {Reg: 75, Value: 0x5e}, {Reg: 91, Value: 0x07}, {Reg: 92, Value: 0x02}, {Reg: 195, Value: 0x23}, {Reg: 196, Value: 0x17}, {Reg: 195, Value: 0x24}, {Reg: 196, Value: 0x06}, {Reg: 195, Value: 0x81}, {Reg: 196, Value: 0x12}, {Reg: 195, Value: 0x83}, {Reg: 196, Value: 0x17}, {Reg: 195, Value: 0x88}, {Reg: 196, Value: 0x5e}}
	tempLowBW40    = []mtwire.RegPair{{Reg: 69, Value: 0x15}, {Reg: 75, Value: 0x5c}, {Reg: 91, Value: 0x04}, {Reg: 92, Value: 0x03}, {Reg: 195, Value: 0x23}, {Reg: 196, Value: 0x10}, {Reg: 195, Value: 0x24}, {Reg: 196, Value: 0x08}, {Reg: 195, Value: 0x81}, {Reg: 196, Value: 0x15}, {Reg: 195, Value: 0x83}, {Reg: 196, Value: 0x16}, {Reg: 195, Value: 0x88}, {Reg: 196, Value: 0x5b}}
	tempNormal     = []mtwire.RegPair{{Reg: 75, Value: 0x60}, {Reg: 92, Value: 0x02}, {Reg: 178, Value: 0xff}, {Reg: 195, Value: 0x88}, {Reg: 196, Value: 0x60}}
	tempNormalBW20 = []mtwire.RegPair{{Reg: 69, Value: 0x12}, {Reg: 91, Value: 0x07}, {Reg: 195, Value: 0x23}, {Reg: 196, Value: 0x17}, {Reg: 195, Value: 0x24}, {Reg: 196, Value: 0x06}, {Reg: 195, Value: 0x81}, {Reg: 196, Value: 0x12}, {Reg: 195, Value: 0x83}, {Reg: 196, Value: 0x17}}
	tempNormalBW40 = []mtwire.RegPair{{Reg: 69, Value: 0x15}, {Reg: 91, Value: 0x04}, {Reg: 195, Value: 0x23}, {Reg: 196, Value: 0x12}, {Reg: 195, Value: 0x24}, {Reg: 196, Value: 0x08}, {Reg: 195, Value: 0x81}, {Reg: 196, Value: 0x15}, {Reg: 195, Value: 0x83}, {Reg: 196, Value: 0x16}}
)

// freqPlan holds the values of RF bank 0 registers 17 to 20 per channel.
var freqPlan = [14][4]uint8{
	{0x99, 0x99, 0x09, 0x50},
	{0x46, 0x44, 0x0a, 0x50},
	{0xec, 0xee, 0x0a, 0x50},
	{0x99, 0x99, 0x0b, 0x50},
	{0x46, 0x44, 0x08, 0x51},
	{0xec, 0xee, 0x08, 0x51},
	{0x99, 0x99, 0x09, 0x51},
	{0x46, 0x44, 0x0a, 0x51},
	{0xec, 0xee, 0x0a, 0x51},
	{0x99, 0x99, 0x0b, 0x51},
	{0x46, 0x44, 0x08, 0x52},
	{0xec, 0xee, 0x08, 0x52},
	{0x99, 0x99, 0x09, 0x52},
	{0x33, 0x33, 0x0b, 0x52},
}
