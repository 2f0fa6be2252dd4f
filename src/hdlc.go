package tinyproto

/*------------------------------------------------------------------
 *
 * Purpose:   	Low level HDLC framing: flags, byte stuffing, FCS.
 *
 * Description: Framing only, per RFC 1662 / ISO 3309: frames are
 *		delimited by 0x7E flags, and any interior 0x7E or 0x7D
 *		is sent as 0x7D followed by the octet XOR 0x20.
 *
 *		Both directions are streaming state machines.  The
 *		receive side can be fed one byte at a time or a bucket
 *		of bytes spanning several frames; state is kept across
 *		calls.  The transmit side hands out as few or as many
 *		encoded bytes as the caller has room for, so the upper
 *		level can drain it through a 4 byte scratch buffer or a
 *		whole UART FIFO without caring.
 *
 *		Nothing here allocates after init.  Received frames are
 *		assembled into the caller-supplied buffer and handed to
 *		the on_frame_read callback with the FCS stripped.
 *
 *		Two consecutive frames share one flag on the wire: the
 *		closing flag of the first doubles as the opening flag of
 *		the second.  The receive side accepts any number of
 *		flags between frames, which also covers idle lines that
 *		keep sending 0x7E.
 *
 *---------------------------------------------------------------*/

const HDLC_FLAG = 0x7E
const HDLC_ESC = 0x7D
const HDLC_ESC_XOR = 0x20

type hdlc_rx_state_e int

const (
	HDLC_RX_HUNT    hdlc_rx_state_e = 0 /* Skipping garbage, waiting for a flag.  Must be 0 so a zeroed struct starts hunting. */
	HDLC_RX_READING hdlc_rx_state_e = 1 /* Accumulating frame interior. */
	HDLC_RX_ESCAPE  hdlc_rx_state_e = 2 /* Next octet is escaped. */
)

type hdlc_tx_state_e int

const (
	HDLC_TX_IDLE  hdlc_tx_state_e = 0
	HDLC_TX_START hdlc_tx_state_e = 1
	HDLC_TX_DATA  hdlc_tx_state_e = 2
	HDLC_TX_CRC   hdlc_tx_state_e = 3
	HDLC_TX_END   hdlc_tx_state_e = 4
)

type hdlc_stats_t struct {
	frames_received int
	frames_sent     int
	crc_errors      int
	short_frames    int
	overruns        int
}

type hdlc_ll_t struct {
	/* Set at init. */

	on_frame_read func(data []byte) /* Whole validated frame, FCS stripped. */
	on_frame_err  func()            /* FCS mismatch notification.  May be nil. */
	rx_buf        []byte            /* Caller-owned reassembly storage. */
	crc_type      hdlc_crc_t

	/* Receive state. */

	rx_state hdlc_rx_state_e
	rx_len   int

	/* Transmit state. */

	tx_state    hdlc_tx_state_e
	tx_data     []byte /* Interior of frame being sent (no FCS). */
	tx_pos      int
	tx_crc      uint32
	tx_crc_buf  [4]byte
	tx_crc_len  int
	tx_crc_pos  int
	tx_pending  byte /* Second half of an escape split across calls. */
	tx_have_pnd bool
	tx_shared   bool /* Last octet out was a flag; next frame reuses it. */

	stats hdlc_stats_t
}

/*-------------------------------------------------------------------
 *
 * Name:	hdlc_ll_init
 *
 * Purpose:	Set up a framer over caller-provided reassembly storage.
 *
 * Inputs:	rx_buf		- Where received frames are assembled.
 *				  Sized by hdlc_ll_rx_buf_size().
 *		crc_type	- FCS flavour, HDLC_CRC_DEFAULT for CRC-16.
 *		on_frame_read	- Called with each validated frame.
 *
 * Returns:	Framer handle, or nil if rx_buf is hopelessly small.
 *
 *---------------------------------------------------------------*/

func hdlc_ll_init(rx_buf []byte, crc_type hdlc_crc_t, on_frame_read func(data []byte)) *hdlc_ll_t {
	if len(rx_buf) < HDLC_HEADER_LEN+crc_len(crc_type) {
		return nil
	}

	return &hdlc_ll_t{
		on_frame_read: on_frame_read,
		rx_buf:        rx_buf,
		crc_type:      crc_resolve(crc_type),
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	hdlc_ll_rx_buf_size
 *
 * Purpose:	Reassembly storage needed for a given payload size.
 *
 *---------------------------------------------------------------*/

func hdlc_ll_rx_buf_size(mtu int, crc_type hdlc_crc_t) int {
	return mtu + HDLC_HEADER_LEN + crc_len(crc_type)
}

/*-------------------------------------------------------------------
 *
 * Name:	hdlc_ll_reset
 *
 * Purpose:	Abandon any partly received or sent frame.
 *
 *---------------------------------------------------------------*/

func (h *hdlc_ll_t) reset() {
	h.rx_state = HDLC_RX_HUNT
	h.rx_len = 0
	h.tx_state = HDLC_TX_IDLE
	h.tx_data = nil
	h.tx_have_pnd = false
	h.tx_shared = false
}

/*-------------------------------------------------------------------
 *
 * Name:	hdlc_ll_rx
 *
 * Purpose:	Feed received channel bytes into the decoder.
 *
 * Inputs:	data	- Any number of raw bytes from the channel.
 *			  Frame boundaries need not line up with calls.
 *
 * Description:	A frame ends at the next flag.  Runt interiors (shorter
 *		than header + FCS) are dropped without comment - they
 *		are usually idle flags or line noise between frames.
 *		FCS mismatches bump a counter and poke the error
 *		callback so the owner can note the line quality.
 *
 *---------------------------------------------------------------*/

func (h *hdlc_ll_t) rx(data []byte) {
	for _, b := range data {
		switch h.rx_state {
		case HDLC_RX_HUNT:
			if b == HDLC_FLAG {
				h.rx_state = HDLC_RX_READING
				h.rx_len = 0
			}

		case HDLC_RX_READING:
			switch b {
			case HDLC_FLAG:
				h.rx_frame_end()
			case HDLC_ESC:
				h.rx_state = HDLC_RX_ESCAPE
			default:
				h.rx_accumulate(b)
			}

		case HDLC_RX_ESCAPE:
			if b == HDLC_FLAG {
				/* Abort sequence.  Drop the partial frame but the */
				/* flag still opens a new one. */
				h.rx_len = 0
				h.rx_state = HDLC_RX_READING
			} else {
				h.rx_accumulate(b ^ HDLC_ESC_XOR)
				if h.rx_state == HDLC_RX_ESCAPE {
					h.rx_state = HDLC_RX_READING
				}
			}
		}
	}
}

func (h *hdlc_ll_t) rx_accumulate(b byte) {
	if h.rx_len >= len(h.rx_buf) {
		/* Frame larger than the negotiated MTU allows.  Discard and */
		/* hunt for the next flag. */
		h.stats.overruns++
		h.rx_len = 0
		h.rx_state = HDLC_RX_HUNT
		return
	}
	h.rx_buf[h.rx_len] = b
	h.rx_len++
}

func (h *hdlc_ll_t) rx_frame_end() {
	var length = h.rx_len
	h.rx_len = 0 /* Closing flag doubles as the next opening flag. */

	if length == 0 {
		/* Idle flags between frames. */
		return
	}

	if length < HDLC_HEADER_LEN+crc_len(h.crc_type) {
		h.stats.short_frames++
		return
	}

	if !crc_check(h.crc_type, h.rx_buf[:length]) {
		h.stats.crc_errors++
		if h.on_frame_err != nil {
			h.on_frame_err()
		}
		return
	}

	h.stats.frames_received++
	h.on_frame_read(h.rx_buf[:length-crc_len(h.crc_type)])
}

/*-------------------------------------------------------------------
 *
 * Name:	hdlc_ll_put
 *
 * Purpose:	Hand the encoder the next frame to send.
 *
 * Inputs:	data	- Frame interior: address + control + payload.
 *			  The FCS is computed and appended on the fly.
 *			  The slice must stay untouched until the encoder
 *			  goes idle again.
 *
 * Returns:	true if accepted, false if a frame is still going out.
 *
 *---------------------------------------------------------------*/

func (h *hdlc_ll_t) put(data []byte) bool {
	if h.tx_state != HDLC_TX_IDLE {
		return false
	}

	h.tx_data = data
	h.tx_pos = 0
	h.tx_crc = crc_init_value(h.crc_type)
	h.tx_crc_pos = 0
	h.tx_state = HDLC_TX_START
	return true
}

func (h *hdlc_ll_t) tx_idle() bool {
	return h.tx_state == HDLC_TX_IDLE
}

/*-------------------------------------------------------------------
 *
 * Name:	hdlc_ll_tx
 *
 * Purpose:	Drain encoded bytes for the frame given to put().
 *
 * Inputs:	out	- Where to place encoded channel bytes.
 *
 * Returns:	Number of bytes produced.  0 means the encoder is idle
 *		(or out has no room).
 *
 * Description:	Call repeatedly until it returns 0, with any buffer
 *		size down to one byte.  An escape sequence can split
 *		across calls; the pending half is remembered.
 *
 *---------------------------------------------------------------*/

func (h *hdlc_ll_t) tx(out []byte) int {
	var n = 0

	for n < len(out) && h.tx_state != HDLC_TX_IDLE {
		if h.tx_have_pnd {
			out[n] = h.tx_pending
			n++
			h.tx_have_pnd = false
			continue
		}

		switch h.tx_state {
		case HDLC_TX_START:
			if !h.tx_shared {
				out[n] = HDLC_FLAG
				n++
			}
			h.tx_shared = false
			h.tx_state = HDLC_TX_DATA

		case HDLC_TX_DATA:
			if h.tx_pos >= len(h.tx_data) {
				h.tx_crc_len = crc_finalize(h.crc_type, h.tx_crc, h.tx_crc_buf[:])
				h.tx_state = HDLC_TX_CRC
				continue
			}
			var b = h.tx_data[h.tx_pos]
			h.tx_pos++
			h.tx_crc = crc_update_byte(h.crc_type, h.tx_crc, b)
			n += h.tx_emit(out[n:], b)

		case HDLC_TX_CRC:
			if h.tx_crc_pos >= h.tx_crc_len {
				h.tx_state = HDLC_TX_END
				continue
			}
			var b = h.tx_crc_buf[h.tx_crc_pos]
			h.tx_crc_pos++
			n += h.tx_emit(out[n:], b)

		case HDLC_TX_END:
			out[n] = HDLC_FLAG
			n++
			h.tx_shared = true
			h.tx_data = nil
			h.tx_state = HDLC_TX_IDLE
			h.stats.frames_sent++
		}
	}

	return n
}

/* Emit one octet with stuffing.  out has at least one byte of room. */

func (h *hdlc_ll_t) tx_emit(out []byte, b byte) int {
	if b != HDLC_FLAG && b != HDLC_ESC {
		out[0] = b
		return 1
	}

	out[0] = HDLC_ESC
	if len(out) > 1 {
		out[1] = b ^ HDLC_ESC_XOR
		return 2
	}

	h.tx_pending = b ^ HDLC_ESC_XOR
	h.tx_have_pnd = true
	return 1
}
