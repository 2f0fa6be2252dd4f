package tinyproto

/*------------------------------------------------------------------
 *
 * Purpose:   	Send queue, sliding window and tx frame selection.
 *
 * Description:	The window slots form a FIFO ring.  Looking from the
 *		oldest end: first a prefix of acknowledged slots whose
 *		on_sent_cb has not been delivered yet, then the frames
 *		on the wire awaiting acknowledgement, then queued
 *		payloads that have never been transmitted.  N(S) is
 *		assigned when a frame first goes out, so payloads queued
 *		before the handshake completes pick up correct numbers
 *		once the sequence variables reset.
 *
 *		Frame selection runs on every tx tick, in strict
 *		priority order:
 *
 *			1. pending unnumbered frame (SABM/UA/DISC/FRMR)
 *			2. REJ, or RR when an acknowledgement is owed
 *			3. next unsent I-frame inside the window
 *			4. retransmission of a timed-out I-frame
 *			5. keep alive RR on an idle connection
 *
 *		Retry and keep alive timers are plain values compared
 *		against the injected millisecond clock here - no timer
 *		threads anywhere.
 *
 *---------------------------------------------------------------*/

/*-------------------------------------------------------------------
 *
 * Name:	enqueue_slot
 *
 * Purpose:	Copy a payload into the tail slot of the ring.
 *
 * Description:	Caller holds the mutex and has verified a free slot
 *		exists.  The payload region starts after the two header
 *		octets so the framer can send the slot buffer as one
 *		contiguous interior.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) enqueue_slot(payload []byte) {
	var slot = &h.slots[(h.head+h.occupied)%len(h.slots)]

	slot.buf[0] = HDLC_PRIMARY_ADDR
	copy(slot.buf[HDLC_HEADER_LEN:], payload)
	slot.len = len(payload)
	slot.state = SLOT_QUEUED
	h.occupied++
}

/*-------------------------------------------------------------------
 *
 * Name:	collect_confirmed
 *
 * Purpose:	Pop acknowledged slots off the ring and free them.
 *
 * Returns:	The success notifications to deliver once the mutex is
 *		released.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) collect_confirmed() []sent_event_t {
	if h.n_confirmed == 0 {
		return nil
	}

	var events = make([]sent_event_t, 0, h.n_confirmed)
	for h.n_confirmed > 0 {
		var slot = &h.slots[h.head]
		events = append(events, sent_event_t{
			data:   slot.buf[HDLC_HEADER_LEN : HDLC_HEADER_LEN+slot.len],
			status: TINY_SUCCESS,
		})
		slot.state = SLOT_FREE
		h.head = (h.head + 1) % len(h.slots)
		h.occupied--
		h.n_confirmed--
	}

	h.broadcast() /* Free slots - wake blocked senders. */
	return events
}

/*-------------------------------------------------------------------
 *
 * Name:	fail_pending
 *
 * Purpose:	Drop every unacknowledged slot on connection loss.
 *
 * Returns:	Failure notifications (preceded by success ones for any
 *		slot that was already acknowledged) to deliver once the
 *		mutex is released.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) fail_pending() []sent_event_t {
	var events = h.collect_confirmed()

	for h.occupied > 0 {
		var slot = &h.slots[h.head]
		events = append(events, sent_event_t{
			data:   slot.buf[HDLC_HEADER_LEN : HDLC_HEADER_LEN+slot.len],
			status: TINY_ERR_FAILED,
		})
		slot.state = SLOT_FREE
		h.head = (h.head + 1) % len(h.slots)
		h.occupied--
	}

	h.n_sent = 0
	h.broadcast()
	return events
}

/*-------------------------------------------------------------------
 *
 * Name:	on_nr_received
 *
 * Purpose:	Process an N(R) from any received I or S frame.
 *
 * Description:	Frees (marks confirmed) every slot in
 *		[confirm_ns, nr) modulo 8.  An N(R) outside the
 *		window is ignored - a stale or corrupted
 *		acknowledgement must not release storage the peer has
 *		not actually seen.  Caller holds the mutex.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) on_nr_received(nr byte) {
	var k = seq_diff(nr, h.confirm_ns)
	if int(k) > h.n_sent {
		debugf("[%s] ignoring N(R)=%d outside window (confirm=%d sent=%d)",
			h.session, nr, h.confirm_ns, h.n_sent)
		return
	}
	if k == 0 {
		return
	}

	for i := byte(0); i < k; i++ {
		var slot = &h.slots[(h.head+h.n_confirmed)%len(h.slots)]
		slot.state = SLOT_CONFIRMED
		h.n_confirmed++
		h.n_sent--
	}
	h.confirm_ns = nr

	debugf("[%s] acked through N(R)=%d", h.session, nr)
	h.broadcast() /* Window opened - senders can drain and refill. */
}

/*-------------------------------------------------------------------
 *
 * Name:	queue_u_frame
 *
 * Purpose:	Append an unnumbered control frame for transmission.
 *
 * Returns:	false when the small control queue is full.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) queue_u_frame(control byte) bool {
	if h.u_count >= len(h.u_queue) {
		return false
	}
	h.u_queue[(h.u_head+h.u_count)%len(h.u_queue)] = control
	h.u_count++
	return true
}

/*-------------------------------------------------------------------
 *
 * Name:	initiate_connect
 *
 * Purpose:	Start the SABM handshake.  Caller holds the mutex.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) initiate_connect() {
	h.state = FD_CONNECTING
	h.queue_u_frame(U_FRAME_SABM)
	h.conn_retry_at = h.now_ms() + h.retry_timeout
	h.conn_retries_left = h.retries
	debugf("[%s] connecting, SABM queued", h.session)
}

/*-------------------------------------------------------------------
 *
 * Name:	pick_next_tx_frame
 *
 * Purpose:	Advance timers and choose the next frame to encode.
 *
 * Returns:	Callback notifications to deliver outside the mutex,
 *		and the frame interior to hand to the framer (nil when
 *		nothing needs to go out).
 *
 * Description:	Called from the tx tick whenever the encoder goes
 *		idle.  The returned slice stays valid until the encoder
 *		finishes with it: slot buffers belong to the ring, and
 *		control frames use the per-handle scratch area (only
 *		one frame is ever being encoded).
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) pick_next_tx_frame() ([]sent_event_t, []byte) {
	h.mu.Lock()

	if h.closing {
		h.mu.Unlock()
		return nil, nil
	}

	var now = h.now_ms()
	var events = h.advance_timers(now)

	/* Reported acknowledgements free their slots here, in the tx tick. */
	events = append(events, h.collect_confirmed()...)

	var frame = h.select_frame(now)
	if frame != nil {
		h.last_tx_at = now
		h.stats.frames_sent++
	}

	h.mu.Unlock()
	return events, frame
}

/* Timer sweep: connection handshake retries, I-frame retry exhaustion, */
/* pending acknowledgement deadline, periodic reconnect. */

func (h *tiny_fd_data_t) advance_timers(now uint32) []sent_event_t {
	var events []sent_event_t

	switch h.state {
	case FD_CONNECTING, FD_DISCONNECTING:
		if time_after(now, h.conn_retry_at) {
			if h.conn_retries_left <= 0 {
				debugf("[%s] %s handshake retries exhausted", h.session, h.state)
				events = append(events, h.fail_pending()...)
				h.drop_connection()
			} else {
				h.conn_retries_left--
				h.conn_retry_at = now + h.retry_timeout
				if h.state == FD_CONNECTING {
					h.queue_u_frame(U_FRAME_SABM)
				} else {
					h.queue_u_frame(U_FRAME_DISC)
				}
			}
		}

	case FD_CONNECTED:
		/* Oldest unacknowledged frame out of retries means the peer */
		/* is gone. */
		if h.n_sent > 0 {
			var slot = &h.slots[(h.head+h.n_confirmed)%len(h.slots)]
			if slot.state == SLOT_AWAITING &&
				time_after(now, slot.next_retry_at) && slot.retries_left <= 0 {
				debugf("[%s] retries exhausted on N(S)=%d, link lost", h.session, slot.seq)
				events = append(events, h.fail_pending()...)
				h.drop_connection()
			}
		}

	case FD_DISCONNECTED:
		if h.auto_connect && !h.no_offline && h.occupied > 0 {
			h.initiate_connect()
		}
	}

	return events
}

/* The priority selector.  Caller holds the mutex. */

func (h *tiny_fd_data_t) select_frame(now uint32) []byte {

	/* 1. Unnumbered control frames jump the queue. */

	if h.u_count > 0 {
		var control = h.u_queue[h.u_head]
		h.u_head = (h.u_head + 1) % len(h.u_queue)
		h.u_count--
		return h.control_frame(control)
	}

	if h.state != FD_CONNECTED {
		return nil
	}

	/* 2. REJ goes out as soon as a gap is noticed; RR when an owed */
	/*    acknowledgement ran out of piggyback time or a P-bit probe */
	/*    demands an answer. */

	if h.need_rej {
		h.need_rej = false
		h.ack_owed = false
		h.last_nr_sent = h.next_nr
		return h.control_frame(s_frame_control(S_FRAME_REJ, h.next_nr, false))
	}

	/* An I-frame ready to go carries the N(R) for free, so a merely */
	/* overdue acknowledgement yields to it.  A P-bit probe gets its */
	/* explicit RR regardless. */

	var i_ready = !h.peer_busy && h.n_queued() > 0 && h.n_sent < h.window

	if h.need_rr_now || (h.ack_owed && time_after(now, h.ack_deadline) && !i_ready) {
		var pf = h.need_rr_now
		h.need_rr_now = false
		h.ack_owed = false
		h.last_nr_sent = h.next_nr
		return h.control_frame(s_frame_control(S_FRAME_RR, h.next_nr, pf))
	}

	/* 3. Next unsent I-frame, if the window and the peer allow. */

	if i_ready {
		var slot = &h.slots[(h.head+h.n_confirmed+h.n_sent)%len(h.slots)]
		slot.seq = h.next_ns
		slot.buf[1] = i_frame_control(slot.seq, h.next_nr, false)
		slot.state = SLOT_AWAITING
		slot.first_sent_at = now
		slot.next_retry_at = now + h.retry_timeout
		slot.retries_left = h.retries
		h.next_ns = seq_next(h.next_ns)
		h.n_sent++
		h.ack_owed = false /* N(R) piggybacked. */
		h.last_nr_sent = h.next_nr
		debugf("[%s] tx I(ns=%d nr=%d len=%d)", h.session, slot.seq, h.next_nr, slot.len)
		return slot.buf[:HDLC_HEADER_LEN+slot.len]
	}

	/* 4. Oldest timed-out in-flight frame.  Identical bytes go out */
	/*    again, so a duplicate at the peer is suppressed by N(S). */

	if !h.peer_busy {
		for i := 0; i < h.n_sent; i++ {
			var slot = &h.slots[(h.head+h.n_confirmed+i)%len(h.slots)]
			if slot.state == SLOT_AWAITING && time_after(now, slot.next_retry_at) {
				if slot.retries_left <= 0 {
					/* Exhaustion handled on the next timer sweep. */
					return nil
				}
				slot.retries_left--
				slot.next_retry_at = now + h.retry_timeout
				debugf("[%s] retransmit I(ns=%d), %d retries left",
					h.session, slot.seq, slot.retries_left)
				return slot.buf[:HDLC_HEADER_LEN+slot.len]
			}
		}
	}

	/* 5. Keep alive on an idle line. */

	if h.ka_timeout > 0 && time_after(now, h.last_tx_at+h.ka_timeout) {
		h.last_nr_sent = h.next_nr
		return h.control_frame(s_frame_control(S_FRAME_RR, h.next_nr, true))
	}

	return nil
}

func (h *tiny_fd_data_t) n_queued() int {
	return h.occupied - h.n_confirmed - h.n_sent
}

/* Build a two-octet control frame in the scratch area. */

func (h *tiny_fd_data_t) control_frame(control byte) []byte {
	h.ctrl_scratch[0] = HDLC_PRIMARY_ADDR
	h.ctrl_scratch[1] = control
	return h.ctrl_scratch[:]
}
