package tinyproto

/*------------------------------------------------------------------
 *
 * Purpose:   	Interactive terminal for a full-duplex protocol link.
 *
 * Description:	Think of it as a very small chat program: whatever you
 *		type goes out as protocol frames, whatever arrives is
 *		printed.  Point two of these at the opposite ends of a
 *		serial cable (or socat pair) and talk.
 *
 *		With --ptty it creates a pseudo terminal instead and
 *		prints the slave path, so another application - or a
 *		second copy of this tool - can open the other end on
 *		the same machine.  Handy for trying the protocol out
 *		with no hardware at all.
 *
 *---------------------------------------------------------------*/

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creack/pty"
	"github.com/lestrrat-go/strftime"
	"github.com/spf13/pflag"
)

/*-------------------------------------------------------------------
 *
 * Name:        TerrierMain
 *
 * Purpose:     Main program for the link terminal.
 *
 * Inputs:	Command line arguments.
 *		See usage message for details.
 *
 * Outputs:	Received frames are written to stdout.  Optionally every
 *		frame is appended to a SQLite capture file.
 *
 *--------------------------------------------------------------------*/

func TerrierMain() {
	var configFileName = pflag.StringP("config-file", "c", "", "Configuration file name (YAML).")
	var device = pflag.StringP("device", "D", "", "Serial device, e.g. /dev/ttyUSB0.  Overrides the config file.")
	var baud = pflag.IntP("baud", "B", 0, "Serial speed in bits/second.  0 uses the config file value (115200 by default).")
	var usePty = pflag.BoolP("ptty", "p", false, "Create a pseudo terminal instead of opening a device, and print its path.")
	var mtu = pflag.IntP("mtu", "m", 0, "Maximum payload bytes per frame.")
	var window = pflag.IntP("window", "w", 0, "Window size in frames, 1..7.")
	var keepAlive = pflag.Uint32P("keep-alive", "k", 0, "Keep alive interval in ms.  0 uses the config file value, or the protocol default.")
	var captureDB = pflag.StringP("capture-db", "L", "", "Append every frame to this SQLite capture file.")
	var timestampFormat = pflag.StringP("timestamp-format", "T", "", "Precede received frames with 'strftime' format time stamp.")
	var debugStr = pflag.StringP("debug", "d", "", `Debug options:
c = Connection state machine.`)
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - interactive terminal for a reliable full-duplex serial link.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage: terrier [options]\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Lines typed on stdin are sent to the peer; frames from the peer are printed.\n")
	}

	// !!! PARSE !!!
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(1)
	}

	for _, p := range *debugStr {
		switch p {
		case 'c':
			set_debug_connect(debug_connect + 1)
		default:
		}
	}

	var config, configErr = config_load(*configFileName)
	if configErr != nil {
		proto_log.Fatalf("%s", configErr)
	}

	if *device != "" {
		config.Device = *device
	}
	if *baud != 0 {
		config.Baud = *baud
	}
	if *mtu != 0 {
		config.MTU = *mtu
	}
	if *window != 0 {
		config.Window = *window
	}
	if *captureDB != "" {
		config.CaptureDB = *captureDB
	}

	/*
	 * Open the byte channel: a real serial port, or a fresh pty pair.
	 */

	var channel io.ReadWriter

	if *usePty {
		var master, slave, ptyErr = pty.Open()
		if ptyErr != nil {
			proto_log.Fatalf("could not create pseudo terminal: %s", ptyErr)
		}
		fmt.Printf("Virtual link is available on %s\n", slave.Name())
		channel = master
	} else {
		if config.Device == "" {
			fmt.Fprintf(os.Stderr, "No device given.  Use -D, a config file, or -p for a pseudo terminal.\n")
			pflag.Usage()
			os.Exit(1)
		}
		var port, serialErr = serial_port_open(config.Device, config.Baud)
		if serialErr != nil {
			proto_log.Fatalf("%s", serialErr)
		}
		defer serial_port_close(port)
		channel = port
	}

	var stamp *strftime.Strftime
	if *timestampFormat != "" {
		var stampErr error
		stamp, stampErr = strftime.New(*timestampFormat)
		if stampErr != nil {
			proto_log.Fatalf("bad timestamp format: %s", stampErr)
		}
	}

	/*
	 * Set up the protocol handle over caller-owned storage.
	 */

	var crc = config.crc_type_of()
	var buffer = make([]byte, tiny_fd_buffer_size_by_mtu_ex(config.MTU, config.Window, crc))

	var capture *frame_log_t

	var handle, status = tiny_fd_init(&tiny_fd_init_t{
		buffer:        buffer,
		mtu:           config.MTU,
		window_frames: config.Window,
		crc_type:      crc,
		send_timeout:  config.SendTimeoutMS,
		retry_timeout: config.RetryTimeoutMS,
		retries:       config.Retries,
		on_frame_cb: func(_ any, _ byte, data []byte) {
			if stamp != nil {
				fmt.Printf("[%s] ", stamp.FormatString(time.Now()))
			}
			fmt.Printf("%s\n", string(data))
			if capture != nil {
				capture.record("rx", data, TINY_SUCCESS)
			}
		},
		on_sent_cb: func(_ any, _ byte, data []byte, sent_status int) {
			if sent_status != TINY_SUCCESS {
				proto_log.Warnf("frame dropped, link lost (%d bytes)", len(data))
			}
			if capture != nil {
				capture.record("tx", data, sent_status)
			}
		},
	})
	if status != TINY_SUCCESS {
		proto_log.Fatalf("protocol init failed (%d)", status)
	}

	if *keepAlive != 0 {
		tiny_fd_set_ka_timeout(handle, *keepAlive)
	} else if config.KeepAliveMS != 0 {
		tiny_fd_set_ka_timeout(handle, config.KeepAliveMS)
	}

	if config.CaptureDB != "" {
		var captureErr error
		capture, captureErr = frame_log_open(config.CaptureDB, handle.session.String(), *timestampFormat)
		if captureErr != nil {
			proto_log.Fatalf("could not open capture db: %s", captureErr)
		}
		defer capture.close()
	}

	var link = link_run(handle, channel)
	defer link.stop()

	/*
	 * Ship stdin lines until EOF.
	 */

	var scanner = bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var line = scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sent = tiny_fd_send(handle, line)
		if sent < len(line) {
			proto_log.Warnf("only %d of %d bytes enqueued", sent, len(line))
		}
	}

	tiny_fd_disconnect(handle)

	/* Give the DISC a moment to reach the wire before tearing down. */
	time.Sleep(100 * time.Millisecond)
}
