package tinyproto

/*------------------------------------------------------------------
 *
 * Purpose:   	Glue between a protocol handle and a byte channel.
 *
 * Description:	The protocol core never touches hardware; something has
 *		to shuttle bytes between it and a serial port, socket,
 *		or pty.  This runner owns that job: one goroutine pulls
 *		received bytes through tiny_fd_run_rx, another pushes
 *		pending tx data through tiny_fd_run_tx.
 *
 *		The tx pump wakes on a short tick rather than an event,
 *		because the protocol's retry / acknowledgement / keep
 *		alive timers are polled - somebody has to keep calling
 *		the tx side even when the application is quiet.
 *
 *---------------------------------------------------------------*/

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

/* How often the tx pump looks for timer work on an idle link. */

const LINK_TX_TICK = 10 * time.Millisecond

type fd_link_t struct {
	id      uuid.UUID
	handle  tiny_fd_handle_t
	channel io.ReadWriter

	stop_once sync.Once
	stopped   chan struct{}
	done      sync.WaitGroup
}

/*-------------------------------------------------------------------
 *
 * Name:	link_run
 *
 * Purpose:	Start pumping a protocol handle over a byte channel.
 *
 * Inputs:	handle	- Initialized protocol handle.
 *		channel	- Serial port, pty, socket... anything that
 *			  blocks on Read and accepts Write.
 *
 * Returns:	Runner; call stop() to shut the pumps down.
 *
 *---------------------------------------------------------------*/

func link_run(handle tiny_fd_handle_t, channel io.ReadWriter) *fd_link_t {
	var link = &fd_link_t{
		id:      uuid.New(),
		handle:  handle,
		channel: channel,
		stopped: make(chan struct{}),
	}

	link.done.Add(2)
	go link.rx_loop()
	go link.tx_loop()

	debugf("link %s running", link.id)
	return link
}

/*-------------------------------------------------------------------
 *
 * Name:	stop
 *
 * Purpose:	Stop both pumps and fail anything still queued.
 *
 * Description:	The rx pump may sit in a blocking Read; closing the
 *		channel (if it is closable) unblocks it.  stop returns
 *		once both goroutines are gone.
 *
 *---------------------------------------------------------------*/

func (link *fd_link_t) stop() {
	link.stop_once.Do(func() {
		close(link.stopped)
		tiny_fd_close(link.handle)
		if closer, ok := link.channel.(io.Closer); ok {
			closer.Close()
		}
	})
	link.done.Wait()
}

func (link *fd_link_t) rx_loop() {
	defer link.done.Done()

	var read_func read_block_cb_t = func(_ any, data []byte) int {
		var n, err = link.channel.Read(data)
		if err != nil {
			return -1
		}
		return n
	}

	for {
		select {
		case <-link.stopped:
			return
		default:
		}

		if tiny_fd_run_rx(link.handle, read_func) <= 0 {
			/* Error or EOF from the channel. */
			select {
			case <-link.stopped:
				return
			case <-time.After(LINK_TX_TICK):
			}
		}
	}
}

func (link *fd_link_t) tx_loop() {
	defer link.done.Done()

	var write_func write_block_cb_t = func(_ any, data []byte) int {
		var n, err = link.channel.Write(data)
		if err != nil {
			return -1
		}
		return n
	}

	var ticker = time.NewTicker(LINK_TX_TICK)
	defer ticker.Stop()

	for {
		select {
		case <-link.stopped:
			return
		case <-ticker.C:
			tiny_fd_run_tx(link.handle, write_func)
		}
	}
}
