package main

/*------------------------------------------------------------------
 *
 * Purpose:   	Main program for "terrier", an interactive terminal
 *		for a reliable full-duplex serial link.
 *
 *---------------------------------------------------------------*/

import (
	tinyproto "github.com/doismellburning/terrier/src"
)

func main() {
	tinyproto.TerrierMain()
}
