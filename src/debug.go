package tinyproto

/*------------------------------------------------------------------
 *
 * Purpose:   	Debug output for the protocol state machines.
 *
 * Description:	Everything in this package funnels diagnostics through
 *		one leveled logger, so the tools can turn connection
 *		state tracing on and off with a single "-d c" style
 *		switch.  Off by default; the data path stays quiet in
 *		production use.
 *
 *---------------------------------------------------------------*/

import (
	"os"

	"github.com/charmbracelet/log"
)

var proto_log = log.NewWithOptions(os.Stderr, log.Options{
	Prefix: "tinyproto",
	Level:  log.WarnLevel,
})

var debug_connect int /* Connection state machine tracing level. */

/*-------------------------------------------------------------------
 *
 * Name:	set_debug_connect
 *
 * Purpose:	Enable tracing of connection state transitions and
 *		frame exchanges.  0 = off, higher = chattier.
 *
 *---------------------------------------------------------------*/

func set_debug_connect(level int) {
	debug_connect = level
	if level > 0 {
		proto_log.SetLevel(log.DebugLevel)
	} else {
		proto_log.SetLevel(log.WarnLevel)
	}
}

func debugf(format string, args ...any) {
	if debug_connect > 0 {
		proto_log.Debugf(format, args...)
	}
}
