package tinyproto

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/* Two endpoints over an in-memory duplex pipe, pumped by link_run's */
/* own goroutines - the closest thing to the real deployment shape   */
/* that fits in a unit test. */

func link_test_peer(t *testing.T, conn net.Conn) (*fd_peer_t, *fd_link_t) {
	t.Helper()

	var peer = &fd_peer_t{}

	var handle, status = tiny_fd_init(&tiny_fd_init_t{
		buffer:        make([]byte, tiny_fd_buffer_size_by_mtu(64, 3)),
		window_frames: 3,
		mtu:           64,
		send_timeout:  2000,
		retry_timeout: 50,
		retries:       5,
		on_frame_cb: func(_ any, _ byte, data []byte) {
			peer.mu.Lock()
			peer.received = append(peer.received, append([]byte{}, data...))
			peer.mu.Unlock()
		},
		on_sent_cb: func(_ any, _ byte, data []byte, cb_status int) {
			peer.mu.Lock()
			peer.sent = append(peer.sent, sent_event_t{data: append([]byte{}, data...), status: cb_status})
			peer.mu.Unlock()
		},
	})
	require.Equal(t, TINY_SUCCESS, status)
	peer.handle = handle

	return peer, link_run(handle, conn)
}

func Test_link_run_end_to_end(t *testing.T) {
	var left, right = net.Pipe()

	var a, link_a = link_test_peer(t, left)
	var b, link_b = link_test_peer(t, right)
	defer link_a.stop()
	defer link_b.stop()

	require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(a.handle, []byte("over the pipe")))

	var deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.deliveries()) > 0 && len(a.sent_events()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, [][]byte{[]byte("over the pipe")}, b.deliveries())

	var events = a.sent_events()
	require.NotEmpty(t, events)
	assert.Equal(t, TINY_SUCCESS, events[0].status)

	/* Traffic can flow the other way on the same established link. */
	require.Equal(t, TINY_SUCCESS, tiny_fd_send_packet(b.handle, []byte("right back")))

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.deliveries()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, [][]byte{[]byte("right back")}, a.deliveries())
}

func Test_link_stop_is_idempotent_and_fails_pending(t *testing.T) {
	var left, right = net.Pipe()
	defer right.Close()

	var a, link_a = link_test_peer(t, left)

	/* Nothing reads the other end; the frame can never be acknowledged. */
	tiny_fd_send_packet(a.handle, []byte("nowhere"))

	link_a.stop()
	link_a.stop() /* Second stop must be a no-op, not a panic. */

	var events = a.sent_events()
	require.NotEmpty(t, events)
	assert.Equal(t, TINY_ERR_FAILED, events[len(events)-1].status)
}
