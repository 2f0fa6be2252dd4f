package tinyproto

/*------------------------------------------------------------------
 *
 * Purpose:   	Full-duplex protocol handle and public API.
 *
 * Description:	Implements asynchronous balanced mode on top of the low
 *		level HDLC framer: numbered information frames with a
 *		sliding window of up to 7, supervisory RR/REJ/RNR
 *		acknowledgement, and the SABM/UA/DISC connection
 *		handshake.  Either side may initiate, send, and
 *		disconnect.
 *
 *		The core performs no I/O.  The owner pushes received
 *		channel bytes in through tiny_fd_on_rx_data (or lets
 *		tiny_fd_run_rx pull them through a callback), and drains
 *		outgoing bytes through tiny_fd_get_tx_data (or
 *		tiny_fd_run_tx).  All timers are plain values checked on
 *		those calls - there is no timer thread.
 *
 *		Locking: one mutex covers the slot ring, the window
 *		counters and the connection state.  User callbacks are
 *		always invoked with the mutex released.  Threads calling
 *		the tx-side API (send/get_tx_data/run_tx/disconnect/
 *		close) and the rx-side API (on_rx_data/run_rx) may run
 *		concurrently.
 *
 *---------------------------------------------------------------*/

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

/* Connection states. */

type fd_state_e int

const (
	FD_DISCONNECTED fd_state_e = iota
	FD_CONNECTING
	FD_CONNECTED
	FD_DISCONNECTING
)

func (s fd_state_e) String() string {
	switch s {
	case FD_DISCONNECTED:
		return "DISCONNECTED"
	case FD_CONNECTING:
		return "CONNECTING"
	case FD_CONNECTED:
		return "CONNECTED"
	case FD_DISCONNECTING:
		return "DISCONNECTING"
	}
	return "?"
}

/* Send slot states. */

type slot_state_e int

const (
	SLOT_FREE      slot_state_e = iota
	SLOT_QUEUED                 /* Payload copied in, never sent. */
	SLOT_IN_FLIGHT              /* Being drained through the encoder right now. */
	SLOT_AWAITING               /* On the wire at least once, not yet acknowledged. */
	SLOT_CONFIRMED              /* Acknowledged, on_sent_cb not delivered yet. */
)

type tx_slot_t struct {
	buf   []byte /* Address + control + payload, carved from the init buffer. */
	len   int    /* Payload length. */
	state slot_state_e

	seq           byte /* N(S), assigned at first transmission. */
	first_sent_at uint32
	next_retry_at uint32
	retries_left  int
}

/*
 * This structure is used for initialization of the full duplex protocol.
 */

type tiny_fd_init_t struct {
	/// user data passed back through all callbacks
	udata any

	/// called with each delivered I-frame payload, from the rx context
	on_frame_cb on_frame_cb_t

	/// called when an I-frame is acknowledged or abandoned
	on_sent_cb on_sent_cb_t

	/// backing storage, at least tiny_fd_buffer_size_by_mtu_ex() bytes
	buffer []byte

	/// timeout in milliseconds for the blocking send calls.  0 = default.
	send_timeout uint32

	/// retry timeout for I-frames in milliseconds.
	/// 0 = send_timeout / (retries + 1).
	retry_timeout uint32

	/// number of retries before the connection is declared lost.  0 = default.
	retries int

	/// FCS type.  HDLC_CRC_DEFAULT selects CRC-16.
	crc_type hdlc_crc_t

	/// window size in frames, 1..7
	window_frames int

	/// maximum payload per I-frame.  0 = derive from len(buffer).
	mtu int

	/// refuse user data unless the link is established.  The default
	/// (false) queues data while disconnected and lets it trigger the
	/// connection handshake.
	no_offline_queueing bool

	/// monotonic clock in milliseconds.  nil = wall-independent default.
	now_ms func() uint32
}

const TINY_FD_DEFAULT_SEND_TIMEOUT = 1000 /* ms */
const TINY_FD_DEFAULT_RETRIES = 2
const TINY_FD_DEFAULT_KA_TIMEOUT = 5000 /* ms */

/* Fixed slack in the buffer sizing formula, reserved for future layout changes. */

const tiny_fd_fixed_overhead = 16

type tiny_fd_stats_t struct {
	frames_sent     int
	frames_received int
	crc_errors      int
	oos_frames      int /* Out of sequence I-frames dropped. */
}

type tiny_fd_data_t struct {
	mu sync.Mutex

	session uuid.UUID /* Identifies this handle in debug output. */

	udata       any
	on_frame_cb on_frame_cb_t
	on_sent_cb  on_sent_cb_t

	mtu           int
	window        int
	send_timeout  uint32
	retry_timeout uint32
	ka_timeout    uint32
	retries       int
	crc_type      hdlc_crc_t
	no_offline    bool

	now_ms func() uint32
	epoch  time.Time

	ll *hdlc_ll_t

	/* Connection state machine. */

	state             fd_state_e
	auto_connect      bool /* Keep issuing SABM while disconnected. */
	conn_retry_at     uint32
	conn_retries_left int

	/* Slot ring.  Slots are claimed and released in FIFO order:      */
	/* a confirmed prefix awaiting callback delivery, then the sent   */
	/* unacknowledged frames, then queued frames not yet transmitted. */

	slots       []tx_slot_t
	head        int /* Oldest non-free slot. */
	occupied    int
	n_confirmed int
	n_sent      int

	/* Window counters. */

	next_ns      byte /* Next N(S) to assign at first transmission. */
	confirm_ns   byte /* Oldest unacknowledged N(S). */
	next_nr      byte /* Next N(S) expected from the peer. */
	last_nr_sent byte /* Most recent N(R) we told the peer. */
	peer_busy    bool /* Peer said RNR. */

	/* Acknowledgement bookkeeping. */

	ack_owed     bool /* In-order I-frame arrived, peer not yet told. */
	ack_deadline uint32
	need_rej     bool /* Out-of-order detected, REJ not yet sent. */
	rej_sent     bool /* REJ recovery in progress. */
	need_rr_now  bool /* Respond to a P-bit probe without deferring. */

	/* Pending unnumbered frames, oldest first. */

	u_queue [4]byte
	u_head  int
	u_count int

	/* Scratch interior for the control frame being encoded. */

	ctrl_scratch [2]byte

	last_tx_at uint32
	last_rx_at uint32

	closing bool
	wake    chan struct{} /* Closed and replaced on each broadcast. */

	stats tiny_fd_stats_t
}

type tiny_fd_handle_t = *tiny_fd_data_t

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_buffer_size_by_mtu
 *
 * Purpose:	Minimum buffer for given payload size and window,
 *		assuming the default CRC-16.
 *
 *---------------------------------------------------------------*/

func tiny_fd_buffer_size_by_mtu(mtu int, window int) int {
	return tiny_fd_buffer_size_by_mtu_ex(mtu, window, HDLC_CRC_16)
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_buffer_size_by_mtu_ex
 *
 * Purpose:	Minimum buffer for given payload size, window and FCS.
 *
 * Description:	Pure function of its arguments: one tx slot per window
 *		entry (payload plus frame header) and the reassembly
 *		buffer for the framer, plus fixed slack.
 *
 *---------------------------------------------------------------*/

func tiny_fd_buffer_size_by_mtu_ex(mtu int, window int, crc_type hdlc_crc_t) int {
	return window*(mtu+HDLC_HEADER_LEN) +
		hdlc_ll_rx_buf_size(mtu, crc_type) +
		tiny_fd_fixed_overhead
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_init
 *
 * Purpose:	Initialize the full duplex state machine.
 *
 * Inputs:	init	- Configuration, see tiny_fd_init_t.
 *
 * Returns:	Handle and TINY_SUCCESS, or nil and TINY_ERR_FAILED when
 *		the parameters are inconsistent (window out of range,
 *		buffer too small).
 *
 * Description:	The caller owns the backing buffer and must not touch
 *		it until tiny_fd_close.  It is partitioned into the
 *		framer reassembly area and one storage area per window
 *		slot - there are no further allocations on the data
 *		path.
 *
 *---------------------------------------------------------------*/

func tiny_fd_init(init *tiny_fd_init_t) (tiny_fd_handle_t, int) {
	if init == nil || init.buffer == nil {
		return nil, TINY_ERR_FAILED
	}
	if init.window_frames < 1 || init.window_frames > 7 {
		return nil, TINY_ERR_FAILED
	}

	var crc = crc_resolve(init.crc_type)
	var mtu = init.mtu
	if mtu == 0 {
		/* Inverse of the sizing formula. */
		mtu = (len(init.buffer) - tiny_fd_fixed_overhead - crc_len(crc) -
			HDLC_HEADER_LEN*(init.window_frames+1)) / (init.window_frames + 1)
	}
	if mtu < 1 {
		return nil, TINY_ERR_FAILED
	}
	if len(init.buffer) < tiny_fd_buffer_size_by_mtu_ex(mtu, init.window_frames, crc) {
		return nil, TINY_ERR_FAILED
	}

	var send_timeout = init.send_timeout
	if send_timeout == 0 {
		send_timeout = TINY_FD_DEFAULT_SEND_TIMEOUT
	}
	var retries = init.retries
	if retries == 0 {
		retries = TINY_FD_DEFAULT_RETRIES
	}
	var retry_timeout = init.retry_timeout
	if retry_timeout == 0 {
		retry_timeout = send_timeout / uint32(retries+1)
		if retry_timeout == 0 {
			retry_timeout = 1
		}
	}

	var h = &tiny_fd_data_t{
		session:       uuid.New(),
		udata:         init.udata,
		on_frame_cb:   init.on_frame_cb,
		on_sent_cb:    init.on_sent_cb,
		mtu:           mtu,
		window:        init.window_frames,
		send_timeout:  send_timeout,
		retry_timeout: retry_timeout,
		ka_timeout:    TINY_FD_DEFAULT_KA_TIMEOUT,
		retries:       retries,
		crc_type:      crc,
		no_offline:    init.no_offline_queueing,
		now_ms:        init.now_ms,
		epoch:         time.Now(),
		auto_connect:  true,
		wake:          make(chan struct{}),
	}

	if h.now_ms == nil {
		h.now_ms = func() uint32 {
			return uint32(time.Since(h.epoch).Milliseconds())
		}
	}

	/* Partition the caller's buffer: reassembly area first, then slots. */

	var rx_size = hdlc_ll_rx_buf_size(mtu, crc)
	var buf = init.buffer
	h.ll = hdlc_ll_init(buf[:rx_size], crc, h.on_ll_frame)
	h.ll.on_frame_err = h.on_ll_error
	buf = buf[rx_size:]

	h.slots = make([]tx_slot_t, init.window_frames)
	var slot_size = mtu + HDLC_HEADER_LEN
	for i := range h.slots {
		h.slots[i].buf = buf[:slot_size]
		buf = buf[slot_size:]
	}

	debugf("[%s] init mtu=%d window=%d crc=%d", h.session, mtu, h.window, crc)

	return h, TINY_SUCCESS
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_close
 *
 * Purpose:	Stop the state machine and fail everything pending.
 *
 * Description:	Blocked senders wake up with TINY_ERR_FAILED.  Slots
 *		already acknowledged still report success through
 *		on_sent_cb; the rest report failure.
 *
 *---------------------------------------------------------------*/

func tiny_fd_close(handle tiny_fd_handle_t) {
	if handle == nil {
		return
	}

	handle.mu.Lock()
	handle.closing = true
	var cbs = handle.collect_confirmed()
	cbs = append(cbs, handle.fail_pending()...)
	/* The framer state is left alone: the rx thread may still be     */
	/* feeding it, and the closing flag already stops frame dispatch. */
	handle.state = FD_DISCONNECTED
	handle.broadcast()
	handle.mu.Unlock()

	handle.run_sent_callbacks(cbs)
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_get_status
 *
 * Purpose:	Report connection status.
 *
 * Returns:	TINY_SUCCESS when connected,
 *		TINY_ERR_FAILED when not,
 *		TINY_ERR_INVALID_DATA for a nil handle.
 *
 *---------------------------------------------------------------*/

func tiny_fd_get_status(handle tiny_fd_handle_t) int {
	if handle == nil {
		return TINY_ERR_INVALID_DATA
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.state == FD_CONNECTED {
		return TINY_SUCCESS
	}
	return TINY_ERR_FAILED
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_disconnect
 *
 * Purpose:	Queue a DISC command to the remote side.
 *
 * Returns:	TINY_SUCCESS when the DISC frame is queued.  It does NOT
 *		wait for the UA to come back.
 *		TINY_ERR_FAILED when the control queue is full.
 *		TINY_ERR_INVALID_DATA for a nil handle.
 *
 *---------------------------------------------------------------*/

func tiny_fd_disconnect(handle tiny_fd_handle_t) int {
	if handle == nil {
		return TINY_ERR_INVALID_DATA
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()

	if handle.closing {
		return TINY_ERR_FAILED
	}
	if !handle.queue_u_frame(U_FRAME_DISC) {
		return TINY_ERR_FAILED
	}

	handle.auto_connect = false
	handle.state = FD_DISCONNECTING
	handle.conn_retry_at = handle.now_ms() + handle.retry_timeout
	handle.conn_retries_left = handle.retries
	debugf("[%s] user disconnect, DISC queued", handle.session)
	return TINY_SUCCESS
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_get_mtu
 *
 * Purpose:	Maximum payload accepted by tiny_fd_send_packet.
 *
 *---------------------------------------------------------------*/

func tiny_fd_get_mtu(handle tiny_fd_handle_t) int {
	if handle == nil {
		return 0
	}
	return handle.mtu
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_set_ka_timeout
 *
 * Purpose:	Keep alive interval for RR frames on an idle link,
 *		in milliseconds.  0 disables keep alive.
 *
 *---------------------------------------------------------------*/

func tiny_fd_set_ka_timeout(handle tiny_fd_handle_t, keep_alive uint32) {
	if handle == nil {
		return
	}
	handle.mu.Lock()
	handle.ka_timeout = keep_alive
	handle.mu.Unlock()
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_get_stats
 *
 * Purpose:	Snapshot of the frame counters.
 *
 *---------------------------------------------------------------*/

func tiny_fd_get_stats(handle tiny_fd_handle_t) tiny_fd_stats_t {
	if handle == nil {
		return tiny_fd_stats_t{}
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.stats
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_send_packet
 *
 * Purpose:	Enqueue one payload of at most MTU bytes.
 *
 * Returns:	TINY_SUCCESS		- copied into the send queue.
 *		TINY_ERR_TIMEOUT	- no room within send_timeout.
 *		TINY_ERR_DATA_TOO_LARGE	- len(buf) > MTU.
 *		TINY_ERR_FAILED		- handle closing, or offline
 *					  queueing disabled while not
 *					  connected.
 *		TINY_ERR_INVALID_DATA	- nil handle.
 *
 * Description:	Success means queued, not delivered - watch on_sent_cb
 *		for the fate of the frame.  The call blocks while the
 *		queue is full, up to send_timeout.  Safe to call from
 *		several threads.
 *
 *---------------------------------------------------------------*/

func tiny_fd_send_packet(handle tiny_fd_handle_t, buf []byte) int {
	if handle == nil {
		return TINY_ERR_INVALID_DATA
	}
	return handle.send_packet_deadline(buf, handle.now_ms()+handle.send_timeout)
}

func (h *tiny_fd_data_t) send_packet_deadline(buf []byte, deadline uint32) int {
	if len(buf) > h.mtu {
		return TINY_ERR_DATA_TOO_LARGE
	}

	h.mu.Lock()
	for {
		if h.closing {
			h.mu.Unlock()
			return TINY_ERR_FAILED
		}

		if h.state != FD_CONNECTED && h.no_offline {
			h.mu.Unlock()
			return TINY_ERR_FAILED
		}

		/* User data wants a link. */
		h.auto_connect = true
		if h.state == FD_DISCONNECTED {
			h.initiate_connect()
		}

		/* Never deliver callbacks from inside a send call - the tx */
		/* tick owns that.  Senders just wait for it to free slots. */

		if h.occupied < len(h.slots) {
			h.enqueue_slot(buf)
			h.mu.Unlock()
			return TINY_SUCCESS
		}

		var now = h.now_ms()
		if time_after(now, deadline) {
			h.mu.Unlock()
			return TINY_ERR_TIMEOUT
		}

		var ch = h.wake
		h.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(time.Duration(deadline-now) * time.Millisecond):
		}
		h.mu.Lock()
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_send
 *
 * Purpose:	Send an arbitrary amount of data, fragmenting across
 *		MTU-sized I-frames.
 *
 * Returns:	Number of bytes actually enqueued.  Less than len(buf)
 *		when the timeout struck first.
 *
 * Description:	Fragment boundaries are not preserved on delivery - the
 *		receiver sees each fragment as an independent frame,
 *		exactly as the wire carries it.
 *
 *---------------------------------------------------------------*/

func tiny_fd_send(handle tiny_fd_handle_t, buf []byte) int {
	if handle == nil {
		return 0
	}

	var deadline = handle.now_ms() + handle.send_timeout
	var sent = 0

	for sent < len(buf) {
		var n = len(buf) - sent
		if n > handle.mtu {
			n = handle.mtu
		}
		if handle.send_packet_deadline(buf[sent:sent+n], deadline) != TINY_SUCCESS {
			break
		}
		sent += n
	}

	return sent
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_get_tx_data
 *
 * Purpose:	Fill the caller's buffer with encoded channel bytes.
 *
 * Returns:	Number of bytes written.  0 when there is nothing to
 *		send right now.
 *
 * Description:	This is the tx tick: retry and keep alive timers are
 *		advanced here, and acknowledged frames are reported
 *		through on_sent_cb before new data is pulled in.
 *
 *---------------------------------------------------------------*/

func tiny_fd_get_tx_data(handle tiny_fd_handle_t, out []byte) int {
	if handle == nil || len(out) == 0 {
		return 0
	}

	var total = 0

	for total < len(out) {
		if handle.ll.tx_idle() {
			var cbs, frame = handle.pick_next_tx_frame()
			handle.run_sent_callbacks(cbs)
			if frame == nil {
				break
			}
			handle.ll.put(frame)
		}

		var n = handle.ll.tx(out[total:])
		if n == 0 && handle.ll.tx_idle() {
			continue
		}
		if n == 0 {
			break
		}
		total += n
	}

	return total
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_run_tx
 *
 * Purpose:	Push pending tx data to the channel via a callback.
 *
 * Inputs:	write_func	- Writes a block to the physical channel.
 *				  Returns bytes written, 0 when the
 *				  channel cannot take more, negative on
 *				  error.
 *
 * Returns:	Number of bytes handed to write_func.
 *
 * Description:	Generates up to 4 bytes at a time and loops until the
 *		protocol has nothing more to send or write_func gives
 *		up.  Simplifies applications that just want a tx pump
 *		thread.
 *
 *---------------------------------------------------------------*/

func tiny_fd_run_tx(handle tiny_fd_handle_t, write_func write_block_cb_t) int {
	if handle == nil {
		return 0
	}

	var chunk [4]byte
	var total = 0

	for {
		var n = tiny_fd_get_tx_data(handle, chunk[:])
		if n == 0 {
			break
		}

		var pos = 0
		for pos < n {
			var written = write_func(handle.udata, chunk[pos:n])
			if written <= 0 {
				return total + pos
			}
			pos += written
		}
		total += n
	}

	return total
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_on_rx_data
 *
 * Purpose:	Process bytes received from the channel.
 *
 * Inputs:	data	- Any number of raw channel bytes; frame
 *			  boundaries need not line up with calls.
 *
 * Returns:	TINY_SUCCESS, or TINY_ERR_INVALID_DATA for a nil handle.
 *
 *---------------------------------------------------------------*/

func tiny_fd_on_rx_data(handle tiny_fd_handle_t, data []byte) int {
	if handle == nil {
		return TINY_ERR_INVALID_DATA
	}
	handle.ll.rx(data)
	return TINY_SUCCESS
}

/*-------------------------------------------------------------------
 *
 * Name:	tiny_fd_run_rx
 *
 * Purpose:	Pull bytes from the channel via a callback and process
 *		them.
 *
 * Inputs:	read_func	- Reads a block from the physical channel.
 *				  Returns bytes read, 0 when nothing is
 *				  available, negative on error.
 *
 * Returns:	Number of bytes processed.
 *
 *---------------------------------------------------------------*/

func tiny_fd_run_rx(handle tiny_fd_handle_t, read_func read_block_cb_t) int {
	if handle == nil {
		return 0
	}

	var chunk [4]byte
	var total = 0

	for {
		var n = read_func(handle.udata, chunk[:])
		if n <= 0 {
			break
		}
		handle.ll.rx(chunk[:n])
		total += n
	}

	return total
}

/*-------------------------------------------------------------------
 *
 * Name:	run_sent_callbacks
 *
 * Purpose:	Deliver on_sent_cb notifications collected under the
 *		mutex.  Must be called with the mutex released.
 *
 *---------------------------------------------------------------*/

type sent_event_t struct {
	data   []byte
	status int
}

func (h *tiny_fd_data_t) run_sent_callbacks(events []sent_event_t) {
	if h.on_sent_cb == nil {
		return
	}
	for _, ev := range events {
		h.on_sent_cb(h.udata, HDLC_PRIMARY_ADDR, ev.data, ev.status)
	}
}

/* Wake every blocked sender.  Caller holds the mutex. */

func (h *tiny_fd_data_t) broadcast() {
	close(h.wake)
	h.wake = make(chan struct{})
}

/* Wraparound-safe "now is at or past t". */

func time_after(now uint32, t uint32) bool {
	return int32(now-t) >= 0
}
