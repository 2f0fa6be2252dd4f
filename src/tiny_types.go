package tinyproto

/*------------------------------------------------------------------
 *
 * Purpose:   	Common types and result codes shared by all protocol levels.
 *
 * Description:	The original library reports results as plain ints and
 *		passes user context through callbacks.  The port keeps the
 *		same shape: TINY_* codes are returned from the ported API
 *		functions, and callbacks receive the udata given at init.
 *
 *---------------------------------------------------------------*/

/*
 * Result codes.  Zero is success, negative values are errors,
 * matching the original convention so callers can test `< 0`.
 */

const TINY_SUCCESS = 0
const TINY_ERR_FAILED = -1
const TINY_ERR_TIMEOUT = -2
const TINY_ERR_INVALID_DATA = -4
const TINY_ERR_DATA_TOO_LARGE = -5

/*
 * Callback types.
 *
 * on_frame_cb_t is called when a validated I-frame payload is delivered.
 * The slice aliases internal storage; take a copy to keep it past the
 * callback return.
 *
 * on_sent_cb_t is called when an I-frame leaves the send queue.  status
 * is TINY_SUCCESS when the peer acknowledged the frame, TINY_ERR_FAILED
 * when the connection dropped or the handle closed with the frame still
 * unacknowledged.
 */

type on_frame_cb_t func(udata any, addr byte, data []byte)

type on_sent_cb_t func(udata any, addr byte, data []byte, status int)

/*
 * Block I/O callbacks.  Return number of bytes processed, or a negative
 * value on error.  Zero means nothing available right now.
 */

type write_block_cb_t func(udata any, data []byte) int

type read_block_cb_t func(udata any, data []byte) int

/*
 * Address byte used for single-link ABM operation.  Both command and
 * response frames carry the same address on a two-point link.
 */

const HDLC_PRIMARY_ADDR = 0xFF

/* Interior frame layout: address octet + control octet. */

const HDLC_HEADER_LEN = 2

/* 3-bit sequence space. */

const HDLC_SEQ_MASK = 0x07
const HDLC_SEQ_MODULO = 8
