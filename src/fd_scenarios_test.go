package tinyproto

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/*
 * End to end behavior of two endpoints wired back to back.
 */

func Test_handshake_and_first_frame(t *testing.T) {
	var clock uint32
	var a = new_test_peer(t, 4, 64, &clock)
	var b = new_test_peer(t, 4, 64, &clock)

	/* Sending while disconnected starts the SABM handshake. */
	require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(a.handle, []byte("hi")))
	assert.Equal(t, TINY_ERR_FAILED, tiny_fd_get_status(a.handle), "not connected yet")

	/* SABM over, UA back, then the I-frame flows. */
	pump(t, a, b)

	assert.Equal(t, TINY_SUCCESS, tiny_fd_get_status(a.handle))
	assert.Equal(t, TINY_SUCCESS, tiny_fd_get_status(b.handle))

	require.Len(t, b.deliveries(), 1)
	assert.Equal(t, []byte("hi"), b.deliveries()[0])

	/* The deferred RR acknowledges it once the defer window passes. */
	assert.Empty(t, a.sent_events())
	clock += 51
	pump(t, a, b)

	var events = a.sent_events()
	require.Len(t, events, 1)
	assert.Equal(t, TINY_SUCCESS, events[0].status)
	assert.Equal(t, []byte("hi"), events[0].data)
}

func Test_retransmit_after_lost_frame(t *testing.T) {
	var clock uint32
	var a = new_test_peer(t, 4, 64, &clock)
	var b = new_test_peer(t, 4, 64, &clock)

	establish(t, a, b, &clock)

	require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(a.handle, []byte("fragile")))

	/* First transmission vanishes on the wire. */
	var lost [256]byte
	var n = tiny_fd_get_tx_data(a.handle, lost[:])
	require.Positive(t, n)

	/* Nothing delivered, nothing acknowledged. */
	assert.Len(t, b.deliveries(), 1, "only the handshake ping so far")

	/* After the retry timeout the identical bytes go out again. */
	clock += 101
	var again [256]byte
	var m = tiny_fd_get_tx_data(a.handle, again[:])
	require.Positive(t, m)
	assert.Equal(t, lost[:n], again[:m], "retransmission must be byte-identical")

	tiny_fd_on_rx_data(b.handle, again[:m])
	require.Len(t, b.deliveries(), 2)
	assert.Equal(t, []byte("fragile"), b.deliveries()[1])

	settle(t, a, b, &clock)
	var events = a.sent_events()
	require.Len(t, events, 2)
	assert.Equal(t, TINY_SUCCESS, events[1].status)
}

func Test_duplicate_frame_delivered_once(t *testing.T) {
	var clock uint32
	var a = new_test_peer(t, 4, 64, &clock)
	var b = new_test_peer(t, 4, 64, &clock)

	establish(t, a, b, &clock)

	require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(a.handle, []byte("once")))

	var wire [256]byte
	var n = tiny_fd_get_tx_data(a.handle, wire[:])
	require.Positive(t, n)

	/* The channel stutters: the same frame arrives twice. */
	tiny_fd_on_rx_data(b.handle, wire[:n])
	tiny_fd_on_rx_data(b.handle, wire[:n])

	var got = b.deliveries()
	require.Len(t, got, 2, "handshake ping plus exactly one copy")
	assert.Equal(t, []byte("once"), got[1])

	settle(t, a, b, &clock)
	assert.Len(t, b.deliveries(), 2, "still exactly one copy after the dust settles")
}

func Test_out_of_order_triggers_rej(t *testing.T) {
	var clock uint32
	var b = new_test_peer(t, 4, 64, &clock)

	/* Impersonate the peer by hand.  Connect first. */
	tiny_fd_on_rx_data(b.handle, encode_frame(t, HDLC_CRC_16,
		[]byte{HDLC_PRIMARY_ADDR, u_frame_control(U_FRAME_SABM, false)}, 16))
	require.Equal(t, TINY_SUCCESS, tiny_fd_get_status(b.handle))

	var drain = func() [][]byte {
		var buf [256]byte
		var n = tiny_fd_get_tx_data(b.handle, buf[:])
		return decode_frames(t, buf[:n])
	}
	drain() /* UA. */

	var i_frame = func(ns byte, payload string) []byte {
		var interior = append([]byte{HDLC_PRIMARY_ADDR, i_frame_control(ns, 0, false)}, payload...)
		return encode_frame(t, HDLC_CRC_16, interior, 16)
	}

	/* In-order frame delivers. */
	tiny_fd_on_rx_data(b.handle, i_frame(0, "one"))
	require.Equal(t, [][]byte{[]byte("one")}, b.deliveries())

	/* A gap: N(S)=2 when 1 was expected.  One REJ, no delivery. */
	tiny_fd_on_rx_data(b.handle, i_frame(2, "three"))
	assert.Len(t, b.deliveries(), 1)

	var frames = drain()
	require.Len(t, frames, 1)
	assert.Equal(t, s_frame_control(S_FRAME_REJ, 1, false), frames[0][1], "REJ with the expected N(R)")

	/* More mis-sequenced frames are dropped silently - no REJ storm. */
	tiny_fd_on_rx_data(b.handle, i_frame(2, "three"))
	assert.Empty(t, drain())

	/* Recovery: the peer restarts from N(S)=1. */
	tiny_fd_on_rx_data(b.handle, i_frame(1, "two"))
	tiny_fd_on_rx_data(b.handle, i_frame(2, "three"))

	assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, b.deliveries())
	assert.Equal(t, 2, tiny_fd_get_stats(b.handle).oos_frames)
}

func Test_window_fill_blocks_until_ack(t *testing.T) {
	/* Real clock here: the third send has to park inside send_packet */
	/* until an acknowledgement opens the window. */

	var a = new_test_peer(t, 2, 64, nil)
	var b = new_test_peer(t, 2, 64, nil)

	require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(a.handle, []byte("one")))
	require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(a.handle, []byte("two")))

	var third = make(chan int, 1)
	go func() {
		third <- tiny_fd_send_packet(a.handle, []byte("three"))
	}()

	select {
	case result := <-third:
		t.Fatalf("third send should block while the queue is full, got %d", result)
	case <-time.After(50 * time.Millisecond):
	}

	/* Keep the link moving until the blocked call gets its slot. */
	var deadline = time.After(3 * time.Second)
	for {
		pump(t, a, b)
		select {
		case result := <-third:
			assert.Equal(t, TINY_SUCCESS, result)
			/* All three make it across, in order. */
			for i := 0; i < 100; i++ {
				pump(t, a, b)
				if len(b.deliveries()) >= 3 {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, b.deliveries())
			return
		case <-deadline:
			t.Fatal("third send never unblocked")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func Test_disconnect_and_reconnect(t *testing.T) {
	var clock uint32
	var a = new_test_peer(t, 4, 64, &clock)
	var b = new_test_peer(t, 4, 64, &clock)

	establish(t, a, b, &clock)

	/* Non-blocking: success means DISC is queued, not that UA arrived. */
	require.Equal(t, TINY_SUCCESS, tiny_fd_disconnect(a.handle))
	pump(t, a, b)

	assert.Equal(t, TINY_ERR_FAILED, tiny_fd_get_status(a.handle))
	assert.Equal(t, TINY_ERR_FAILED, tiny_fd_get_status(b.handle))

	/* A new send starts a fresh SABM cycle. */
	require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(a.handle, []byte("round two")))
	settle(t, a, b, &clock)

	assert.Equal(t, TINY_SUCCESS, tiny_fd_get_status(a.handle))
	var got = b.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, []byte("round two"), got[1])
}

func Test_keep_alive_rr(t *testing.T) {
	var clock uint32
	var a = new_test_peer(t, 4, 64, &clock)
	var b = new_test_peer(t, 4, 64, &clock)

	establish(t, a, b, &clock)

	tiny_fd_set_ka_timeout(a.handle, 100)
	tiny_fd_set_ka_timeout(b.handle, 0) /* Quiet peer, so we can count. */

	var rr_seen = 0
	for interval := 0; interval < 3; interval++ {
		clock += 101

		var buf [256]byte
		var n = tiny_fd_get_tx_data(a.handle, buf[:])
		for _, frame := range decode_frames(t, buf[:n]) {
			if frame_class_of(frame[1]) == FRAME_CLASS_S &&
				control_s_type(frame[1]) == S_FRAME_RR {
				assert.True(t, control_pf(frame[1]), "keep alive RR carries the P bit")
				rr_seen++
			}
		}
		tiny_fd_on_rx_data(b.handle, buf[:n])
	}

	assert.Equal(t, 3, rr_seen, "one RR per idle interval")
	assert.Equal(t, TINY_SUCCESS, tiny_fd_get_status(a.handle))
	assert.Equal(t, TINY_SUCCESS, tiny_fd_get_status(b.handle))
}

func Test_retry_exhaustion_drops_connection(t *testing.T) {
	var clock uint32
	var a = new_test_peer(t, 4, 64, &clock)
	var b = new_test_peer(t, 4, 64, &clock)

	establish(t, a, b, &clock)

	require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(a.handle, []byte("void")))

	/* The peer goes silent; every (re)transmission disappears. */
	var sink [256]byte
	for i := 0; i < 10; i++ {
		tiny_fd_get_tx_data(a.handle, sink[:])
		clock += 101
	}
	tiny_fd_get_tx_data(a.handle, sink[:])

	assert.Equal(t, TINY_ERR_FAILED, tiny_fd_get_status(a.handle))

	var events = a.sent_events()
	require.NotEmpty(t, events)
	var last = events[len(events)-1]
	assert.Equal(t, TINY_ERR_FAILED, last.status)
	assert.Equal(t, []byte("void"), last.data)
}

func Test_sequence_wrap_256_frames(t *testing.T) {
	var clock uint32
	var a = new_test_peer(t, 7, 16, &clock)
	var b = new_test_peer(t, 7, 16, &clock)

	establish(t, a, b, &clock)

	for i := 0; i < 256; i++ {
		var payload = []byte(fmt.Sprintf("frame-%03d", i))
		require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(a.handle, payload), "frame %d", i)

		pump(t, a, b)
		clock += 51
		pump(t, a, b)
	}

	var got = b.deliveries()
	require.Len(t, got, 257, "handshake ping plus 256 frames")
	for i := 0; i < 256; i++ {
		assert.Equal(t, []byte(fmt.Sprintf("frame-%03d", i)), got[i+1], "order across N(S) wrap")
	}

	/* Every frame was eventually acknowledged. */
	var ok = 0
	for _, ev := range a.sent_events() {
		if ev.status == TINY_SUCCESS {
			ok++
		}
	}
	assert.Equal(t, 257, ok)
}

func Test_mtu_one(t *testing.T) {
	var clock uint32
	var a = new_test_peer(t, 7, 1, &clock)
	var b = new_test_peer(t, 7, 1, &clock)

	/* tiny_fd_send fragments across MTU; with MTU=1 that is one frame */
	/* per byte, and boundaries are not glued back together. */
	var sent = tiny_fd_send(a.handle, []byte("abc"))
	assert.Equal(t, 3, sent)

	settle(t, a, b, &clock)

	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, b.deliveries())
}

func Test_stuffing_heavy_payload_end_to_end(t *testing.T) {
	var clock uint32
	var a = new_test_peer(t, 2, 32, &clock)
	var b = new_test_peer(t, 2, 32, &clock)

	establish(t, a, b, &clock)

	var flags = make([]byte, 32)
	var escapes = make([]byte, 32)
	for i := range flags {
		flags[i] = HDLC_FLAG
		escapes[i] = HDLC_ESC
	}

	require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(a.handle, flags))
	require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(a.handle, escapes))
	settle(t, a, b, &clock)

	var got = b.deliveries()
	require.Len(t, got, 3)
	assert.Equal(t, flags, got[1])
	assert.Equal(t, escapes, got[2])
}

func Test_peer_reset_fails_inflight_frames(t *testing.T) {
	var clock uint32
	var a = new_test_peer(t, 4, 64, &clock)
	var b = new_test_peer(t, 4, 64, &clock)

	establish(t, a, b, &clock)

	/* A frame is on the wire, unacknowledged, when the peer resets. */
	require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(a.handle, []byte("casualty")))
	var sink [256]byte
	tiny_fd_get_tx_data(a.handle, sink[:]) /* Transmitted, ack never comes. */

	tiny_fd_on_rx_data(a.handle, encode_frame(t, HDLC_CRC_16,
		[]byte{HDLC_PRIMARY_ADDR, u_frame_control(U_FRAME_SABM, false)}, 16))

	/* Link survives (reset to fresh sequence space) but the frame died. */
	assert.Equal(t, TINY_SUCCESS, tiny_fd_get_status(a.handle))

	var events = a.sent_events()
	require.NotEmpty(t, events)
	assert.Equal(t, TINY_ERR_FAILED, events[len(events)-1].status)
	assert.Equal(t, []byte("casualty"), events[len(events)-1].data)
}
