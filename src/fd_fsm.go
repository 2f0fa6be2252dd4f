package tinyproto

/*------------------------------------------------------------------
 *
 * Purpose:   	Connection state machine and received frame dispatch.
 *
 * Description:	Validated frames arrive here from the low level framer,
 *		still in the rx calling context.  The transition table:
 *
 *		Disconnected	user send / periodic	-> Connecting (SABM)
 *		Connecting	rx UA			-> Connected
 *		Connecting	rx DISC			-> Disconnected (UA)
 *		Connecting	retries exhausted	-> Disconnected
 *		Connected	rx DISC			-> Disconnected (UA, fail pending)
 *		Connected	user disconnect		-> Disconnecting (DISC)
 *		Disconnecting	rx UA / exhausted	-> Disconnected
 *		any		rx SABM			-> Connected (UA, reset)
 *
 *		Entering Connected zeroes all three sequence variables
 *		on both sides, which is what makes the reset safe.
 *
 *		While disconnected every non-U frame is dropped on the
 *		floor - numbered traffic means nothing without an
 *		agreed sequence origin.
 *
 *---------------------------------------------------------------*/

/*-------------------------------------------------------------------
 *
 * Name:	on_ll_frame
 *
 * Purpose:	Dispatch one validated frame from the framer.
 *
 * Inputs:	frame	- Address + control + payload, FCS already
 *			  stripped.  Aliases the reassembly buffer, so
 *			  anything kept must be copied before return.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) on_ll_frame(frame []byte) {
	var addr = frame[0]
	var control = frame[1]

	if addr != HDLC_PRIMARY_ADDR {
		/* Not for this single-link station. */
		return
	}

	var deliver []byte = nil
	var events []sent_event_t = nil

	h.mu.Lock()

	if h.closing {
		h.mu.Unlock()
		return
	}

	h.last_rx_at = h.now_ms()

	switch frame_class_of(control) {
	case FRAME_CLASS_U:
		events = h.on_u_frame(control)

	case FRAME_CLASS_S:
		if h.state == FD_CONNECTED {
			h.on_s_frame(control)
		}

	case FRAME_CLASS_I:
		if h.state == FD_CONNECTED {
			deliver = h.on_i_frame(control, frame[HDLC_HEADER_LEN:])
		}

	case FRAME_CLASS_INVALID:
		debugf("[%s] invalid control 0x%02x, FRMR", h.session, control)
		if h.state == FD_CONNECTED {
			h.queue_u_frame(U_FRAME_FRMR)
		}
	}

	h.mu.Unlock()

	/* Callbacks run outside the mutex, still in rx context. */

	if deliver != nil {
		h.stats_inc_received()
		if h.on_frame_cb != nil {
			h.on_frame_cb(h.udata, addr, deliver)
		}
	}
	h.run_sent_callbacks(events)
}

func (h *tiny_fd_data_t) stats_inc_received() {
	h.mu.Lock()
	h.stats.frames_received++
	h.mu.Unlock()
}

/*-------------------------------------------------------------------
 *
 * Name:	on_u_frame
 *
 * Purpose:	Handle SABM / UA / DISC / FRMR.
 *
 * Returns:	Failure notifications for slots dropped by a reset,
 *		to be delivered after the mutex is released.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) on_u_frame(control byte) []sent_event_t {
	var events []sent_event_t

	switch control_u_type(control) {
	case U_FRAME_SABM:
		debugf("[%s] rx SABM in %s", h.session, h.state)
		if h.n_sent > 0 || h.state == FD_CONNECTED {
			/* Peer reset underneath an established link: anything */
			/* in flight is gone. */
			events = h.fail_pending()
		}
		h.enter_connected()
		h.queue_u_frame(U_FRAME_UA)

	case U_FRAME_UA:
		switch h.state {
		case FD_CONNECTING:
			debugf("[%s] rx UA, connected", h.session)
			h.enter_connected()
		case FD_DISCONNECTING:
			debugf("[%s] rx UA, disconnected", h.session)
			events = h.fail_pending()
			h.drop_connection()
		default:
			/* Stray UA.  Both sides sent SABM at once and this is */
			/* the second acknowledgement; nothing to do. */
		}

	case U_FRAME_DISC:
		debugf("[%s] rx DISC in %s", h.session, h.state)
		events = h.fail_pending()
		h.drop_connection()
		h.auto_connect = false
		h.queue_u_frame(U_FRAME_UA)

	case U_FRAME_FRMR:
		/* The peer rejected something we framed.  There is nothing */
		/* sensible to resend at this level; note it and move on. */
		debugf("[%s] rx FRMR", h.session)
	}

	return events
}

/*-------------------------------------------------------------------
 *
 * Name:	on_s_frame
 *
 * Purpose:	Handle RR / REJ / RNR.  Caller holds the mutex.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) on_s_frame(control byte) {
	var nr = control_nr(control)

	switch control_s_type(control) {
	case S_FRAME_RR:
		h.peer_busy = false
		h.on_nr_received(nr)

	case S_FRAME_REJ:
		debugf("[%s] rx REJ(nr=%d)", h.session, nr)
		h.peer_busy = false
		h.on_nr_received(nr)
		h.restart_from(nr)

	case S_FRAME_RNR:
		debugf("[%s] rx RNR(nr=%d)", h.session, nr)
		h.peer_busy = true
		h.on_nr_received(nr)
	}

	/* No automatic reply to a P bit here.  With one shared address the */
	/* probe and its reply look identical, and answering an RR with an  */
	/* RR would echo forever.  Each side's own keep alive timer covers  */
	/* the reciprocal traffic. */
}

/* Peer asked for everything from nr again.  Mark the surviving     */
/* in-flight frames due immediately; selection resends them oldest  */
/* first, so order on the wire is preserved.                        */

func (h *tiny_fd_data_t) restart_from(nr byte) {
	var now = h.now_ms()
	for i := 0; i < h.n_sent; i++ {
		var slot = &h.slots[(h.head+h.n_confirmed+i)%len(h.slots)]
		if slot.state == SLOT_AWAITING && !seq_in_range(slot.seq, h.confirm_ns, nr) {
			slot.next_retry_at = now
		}
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	on_i_frame
 *
 * Purpose:	Handle a numbered information frame.
 *
 * Returns:	The payload to deliver to the user, or nil.  Caller
 *		holds the mutex and delivers after releasing it.
 *
 * Description:	Only N(S) == next_nr is accepted; that both orders the
 *		stream and suppresses duplicates from retransmission.
 *		The first out-of-sequence frame triggers one REJ with
 *		the expected number; everything else mis-sequenced is
 *		dropped silently until the peer restarts from there.
 *
 *		The acknowledgement for an accepted frame is deferred
 *		briefly so it can ride on an outgoing I-frame; if none
 *		materializes in half a retry interval, an RR goes out
 *		by itself.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) on_i_frame(control byte, payload []byte) []byte {
	var ns = control_ns(control)

	/* Piggybacked acknowledgement counts no matter what N(S) says. */
	h.on_nr_received(control_nr(control))

	if control_pf(control) {
		h.need_rr_now = true
	}

	if ns != h.next_nr {
		h.stats.oos_frames++
		debugf("[%s] rx I(ns=%d) expected %d", h.session, ns, h.next_nr)
		if !h.rej_sent {
			h.rej_sent = true
			h.need_rej = true
		}
		return nil
	}

	h.next_nr = seq_next(h.next_nr)
	h.rej_sent = false
	if !h.ack_owed {
		h.ack_owed = true
		h.ack_deadline = h.now_ms() + h.retry_timeout/2
	}

	debugf("[%s] rx I(ns=%d len=%d)", h.session, ns, len(payload))
	return payload
}

/*-------------------------------------------------------------------
 *
 * Name:	enter_connected
 *
 * Purpose:	Establish the link and zero the sequence space.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) enter_connected() {
	h.state = FD_CONNECTED
	h.next_ns = 0
	h.confirm_ns = 0
	h.next_nr = 0
	h.last_nr_sent = 0
	h.peer_busy = false
	h.ack_owed = false
	h.need_rej = false
	h.rej_sent = false
	h.need_rr_now = false
	h.n_sent = 0 /* Queued data starts numbering from zero. */
	h.broadcast()
}

/*-------------------------------------------------------------------
 *
 * Name:	drop_connection
 *
 * Purpose:	Fall back to the disconnected state.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) drop_connection() {
	h.state = FD_DISCONNECTED
	h.peer_busy = false
	h.ack_owed = false
	h.need_rej = false
	h.rej_sent = false
	h.need_rr_now = false
	h.broadcast()
}

/*-------------------------------------------------------------------
 *
 * Name:	on_ll_error
 *
 * Purpose:	Count FCS failures reported by the framer.
 *
 * Description:	A corrupted frame needs no action here: the sender's
 *		retry timer covers a lost I-frame, and a lost
 *		supervisory frame is repeated anyway.
 *
 *---------------------------------------------------------------*/

func (h *tiny_fd_data_t) on_ll_error() {
	h.mu.Lock()
	h.stats.crc_errors++
	h.mu.Unlock()
}
