package tinyproto

/*------------------------------------------------------------------
 *
 * Purpose:   	Frame check sequence computation for the HDLC level.
 *
 * Description: Three FCS flavours are supported, selected per handle:
 *
 *			CRC-8	polynomial 0x07, init 0xFF.
 *			CRC-16	CCITT-FALSE: polynomial 0x1021, init 0xFFFF.
 *			CRC-32	reflected 0xEDB88320, init/xorout 0xFFFFFFFF.
 *
 *		CRC-16 and CRC-32 are placed on the wire least significant
 *		byte first.  All sums cover address + control + payload.
 *
 *		The 8 and 16 bit tables are generated at package init.
 *		There is no point pulling in a library for these - every
 *		serial protocol seems to carry its own copy of the same
 *		few tables.  CRC-32 is the standard IEEE polynomial so
 *		hash/crc32 already has it.
 *
 *---------------------------------------------------------------*/

import (
	"hash/crc32"
)

type hdlc_crc_t int

const (
	HDLC_CRC_DEFAULT hdlc_crc_t = 0  /* Resolves to CRC-16. */
	HDLC_CRC_OFF     hdlc_crc_t = -1 /* No FCS at all.  Trusting soul. */
	HDLC_CRC_8       hdlc_crc_t = 8
	HDLC_CRC_16      hdlc_crc_t = 16
	HDLC_CRC_32      hdlc_crc_t = 32
)

var crc8_table [256]byte
var crc16_table [256]uint16

func init() {
	for n := 0; n < 256; n++ {
		var c8 = byte(n)
		var c16 = uint16(n) << 8
		for bit := 0; bit < 8; bit++ {
			if c8&0x80 != 0 {
				c8 = (c8 << 1) ^ 0x07
			} else {
				c8 <<= 1
			}
			if c16&0x8000 != 0 {
				c16 = (c16 << 1) ^ 0x1021
			} else {
				c16 <<= 1
			}
		}
		crc8_table[n] = c8
		crc16_table[n] = c16
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	crc_resolve
 *
 * Purpose:	Turn HDLC_CRC_DEFAULT into the concrete FCS type.
 *
 *---------------------------------------------------------------*/

func crc_resolve(crc hdlc_crc_t) hdlc_crc_t {
	if crc == HDLC_CRC_DEFAULT {
		return HDLC_CRC_16
	}
	return crc
}

/*-------------------------------------------------------------------
 *
 * Name:	crc_len
 *
 * Purpose:	Number of FCS octets appended to a frame.
 *
 *---------------------------------------------------------------*/

func crc_len(crc hdlc_crc_t) int {
	switch crc_resolve(crc) {
	case HDLC_CRC_8:
		return 1
	case HDLC_CRC_16:
		return 2
	case HDLC_CRC_32:
		return 4
	default:
		return 0
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	crc_init_value
 *
 * Purpose:	Starting accumulator for incremental FCS computation.
 *
 *---------------------------------------------------------------*/

func crc_init_value(crc hdlc_crc_t) uint32 {
	switch crc_resolve(crc) {
	case HDLC_CRC_8:
		return 0xFF
	case HDLC_CRC_16:
		return 0xFFFF
	case HDLC_CRC_32:
		/* hash/crc32 folds the 0xFFFFFFFF init/xorout in internally, */
		/* so the external accumulator starts at zero. */
		return 0
	default:
		return 0
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	crc_update_byte
 *
 * Purpose:	Fold one octet into a running FCS accumulator.
 *
 * Description:	The tx encoder produces frames a byte at a time so the
 *		FCS has to be computable the same way.  For CRC-32 the
 *		accumulator is the finished value that hash/crc32
 *		returns (it applies init/xorout internally), so
 *		crc_finalize only lays the octets out.
 *
 *---------------------------------------------------------------*/

func crc_update_byte(crc hdlc_crc_t, acc uint32, b byte) uint32 {
	switch crc_resolve(crc) {
	case HDLC_CRC_8:
		return uint32(crc8_table[byte(acc)^b])
	case HDLC_CRC_16:
		return (acc<<8)&0xFFFF ^ uint32(crc16_table[byte(acc>>8)^b])
	case HDLC_CRC_32:
		return crc32.Update(acc, crc32.IEEETable, []byte{b})
	default:
		return acc
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	crc_update
 *
 * Purpose:	Fold a block of octets into a running FCS accumulator.
 *
 *---------------------------------------------------------------*/

func crc_update(crc hdlc_crc_t, acc uint32, data []byte) uint32 {
	switch crc_resolve(crc) {
	case HDLC_CRC_8:
		var c = byte(acc)
		for _, b := range data {
			c = crc8_table[c^b]
		}
		return uint32(c)
	case HDLC_CRC_16:
		var c = uint16(acc)
		for _, b := range data {
			c = (c << 8) ^ crc16_table[byte(c>>8)^b]
		}
		return uint32(c)
	case HDLC_CRC_32:
		/* hash/crc32 keeps the init/xorout convention internally, */
		/* so the accumulator passed around here is the final form. */
		return crc32.Update(acc, crc32.IEEETable, data)
	default:
		return acc
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	crc_finalize
 *
 * Purpose:	Produce the on-wire FCS octets, least significant first.
 *
 * Inputs:	crc	- FCS type.
 *		acc	- Accumulator from crc_update.
 *		out	- Destination, must have room for crc_len octets.
 *
 * Returns:	Number of octets written.
 *
 *---------------------------------------------------------------*/

func crc_finalize(crc hdlc_crc_t, acc uint32, out []byte) int {
	switch crc_resolve(crc) {
	case HDLC_CRC_8:
		out[0] = byte(acc)
		return 1
	case HDLC_CRC_16:
		out[0] = byte(acc)
		out[1] = byte(acc >> 8)
		return 2
	case HDLC_CRC_32:
		out[0] = byte(acc)
		out[1] = byte(acc >> 8)
		out[2] = byte(acc >> 16)
		out[3] = byte(acc >> 24)
		return 4
	default:
		return 0
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	crc_check
 *
 * Purpose:	Verify the FCS at the tail of a received frame interior.
 *
 * Inputs:	crc	- FCS type.
 *		data	- Frame interior including trailing FCS octets.
 *
 * Returns:	true when the FCS matches (always true for HDLC_CRC_OFF).
 *
 *---------------------------------------------------------------*/

func crc_check(crc hdlc_crc_t, data []byte) bool {
	var n = crc_len(crc)
	if n == 0 {
		return true
	}
	if len(data) < n {
		return false
	}

	var body = data[:len(data)-n]
	var tail = data[len(data)-n:]
	var acc = crc_update(crc, crc_init_value(crc), body)

	var expect [4]byte
	crc_finalize(crc, acc, expect[:])

	for i := 0; i < n; i++ {
		if tail[i] != expect[i] {
			return false
		}
	}
	return true
}
