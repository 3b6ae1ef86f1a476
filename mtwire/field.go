package mtwire

// Field describes a contiguous bitfield of a 32 bit register or descriptor
// word. The high byte holds the shift and the low byte the width so fields are
// untyped-arithmetic free compile time constants:
//
//	const RFCSRRegID Field = 8<<8 | 6 // bits 13..8
type Field uint16

// Shift returns the position of the least significant bit of the field.
func (f Field) Shift() uint { return uint(f >> 8) }

// Width returns the number of bits in the field.
func (f Field) Width() uint { return uint(f & 0xff) }

// Mask returns the field's bits in place.
func (f Field) Mask() uint32 { return (1<<f.Width() - 1) << f.Shift() }

// Get extracts the field from v.
func (f Field) Get(v uint32) uint32 { return (v & f.Mask()) >> f.Shift() }

// Set shifts val into the field position, discarding bits that do not fit.
func (f Field) Set(val uint32) uint32 { return (val << f.Shift()) & f.Mask() }

// Replace returns reg with the field replaced by val.
func (f Field) Replace(reg, val uint32) uint32 { return reg&^f.Mask() | f.Set(val) }

// S6ToInt decodes a signed 6 bit fixed point field value.
func S6ToInt(reg uint32) int {
	v := int(reg & 0x3f)
	if v&0x20 != 0 {
		v -= 0x40
	}
	return v
}

// IntToS6 encodes v as a signed 6 bit field value saturating at the
// representable range.
func IntToS6(v int) uint32 {
	if v < -0x20 {
		return 0x20
	}
	if v > 0x1f {
		return 0x1f
	}
	return uint32(v) & 0x3f
}
