package tinyproto

/*------------------------------------------------------------------
 *
 * Purpose:   	Interface to a serial port, hiding the OS details.
 *
 * Description:	Just enough tty handling to run the protocol over a
 *		real UART or an rfcomm device: raw mode so the line
 *		discipline leaves the byte stream alone, and a small
 *		list of supported speeds.  The returned port is an
 *		io.ReadWriteCloser so it plugs straight into link_run.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"

	"github.com/pkg/term"
)

/*-------------------------------------------------------------------
 *
 * Name:	serial_port_open
 *
 * Purpose:	Open a serial port in raw mode.
 *
 * Inputs:	devicename	- /dev/ttyUSB0, /dev/rfcomm0, a pty...
 *
 *		baud		- Speed. 1200, 9600, 115200 bps, etc.
 *				  0 leaves the current speed alone.
 *
 * Returns:	Open port, or an error.
 *
 *---------------------------------------------------------------*/

func serial_port_open(devicename string, baud int) (*term.Term, error) {

	var fd, err = term.Open(devicename, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("could not open serial port %s: %w", devicename, err)
	}

	switch baud {
	case 0: /* Leave it alone. */
	case 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
		fd.SetSpeed(baud)
	default:
		fd.Close()
		return nil, fmt.Errorf("unsupported serial speed %d", baud)
	}

	return fd, nil
}

/*-------------------------------------------------------------------
 *
 * Name:	serial_port_close
 *
 * Purpose:	Close the device.  Tolerates nil.
 *
 *---------------------------------------------------------------*/

func serial_port_close(fd *term.Term) {
	if fd == nil {
		return
	}
	fd.Close()
}
