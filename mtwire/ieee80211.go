package mtwire

import "encoding/binary"

// Frame control bits of an 802.11 MAC header.
const (
	fcTypeMask    = 0x000c
	fcStypeMask   = 0x00f0
	fcTypeMgmt    = 0x0000
	fcTypeCtl     = 0x0004
	fcTypeData    = 0x0008
	fcStypeQoS    = 0x0080
	fcStypeBeacon = 0x0080
	fcStypeCTS    = 0x00c0
	fcStypeACK    = 0x00d0
	fcToDS        = 0x0100
	fcFromDS      = 0x0200
	fcOrder       = 0x8000
)

// FrameControl returns the little-endian frame control word of an 802.11
// frame, or 0 if the frame is too short to hold one.
func FrameControl(frame []byte) uint16 {
	if len(frame) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(frame)
}

// HeaderLen returns the length of the 802.11 MAC header described by the
// frame control word fc.
func HeaderLen(fc uint16) int {
	switch fc & fcTypeMask {
	case fcTypeData:
		n := 24
		if fc&(fcToDS|fcFromDS) == fcToDS|fcFromDS {
			n = 30
		}
		if fc&fcStypeQoS != 0 {
			n += 2
			if fc&fcOrder != 0 {
				n += 4
			}
		}
		return n
	case fcTypeMgmt:
		if fc&fcOrder != 0 {
			return 28
		}
		return 24
	case fcTypeCtl:
		switch fc & fcStypeMask {
		case fcStypeCTS, fcStypeACK:
			return 10
		}
		return 16
	}
	return 24
}

// IsBeacon reports whether fc describes a beacon management frame.
func IsBeacon(fc uint16) bool {
	return fc&(fcTypeMask|fcStypeMask) == fcTypeMgmt|fcStypeBeacon
}

// Addr2 returns the transmitter address of frame or nil if the frame is too
// short to hold it.
func Addr2(frame []byte) []byte {
	if len(frame) < 16 {
		return nil
	}
	return frame[10:16]
}
