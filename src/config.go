package tinyproto

/*------------------------------------------------------------------
 *
 * Purpose:   	Configuration file handling for the tools.
 *
 * Description:	A small YAML file keeps the link parameters out of the
 *		command line once a setup works:
 *
 *			device: /dev/ttyUSB0
 *			baud: 115200
 *			mtu: 512
 *			window: 4
 *			crc: 16
 *			send_timeout_ms: 1000
 *			retries: 2
 *			keep_alive_ms: 5000
 *
 *		Everything is optional; a missing key keeps the built in
 *		value (115200 baud, mtu 128, window 4, CRC-16).  Zero
 *		timeouts, retries and keep alive fall back to the
 *		protocol defaults at init time.  crc: 0 turns the FCS
 *		off; window and mtu must be set to valid values.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type link_config_t struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`

	MTU    int `yaml:"mtu"`
	Window int `yaml:"window"`
	CRC    int `yaml:"crc"`

	SendTimeoutMS  uint32 `yaml:"send_timeout_ms"`
	RetryTimeoutMS uint32 `yaml:"retry_timeout_ms"`
	Retries        int    `yaml:"retries"`
	KeepAliveMS    uint32 `yaml:"keep_alive_ms"`

	CaptureDB string `yaml:"capture_db"`
}

/*-------------------------------------------------------------------
 *
 * Name:	config_load
 *
 * Purpose:	Read and validate a YAML link configuration.
 *
 * Inputs:	path	- File name.  Empty string returns defaults.
 *
 *---------------------------------------------------------------*/

func config_load(path string) (*link_config_t, error) {
	var config = &link_config_t{
		Baud:   115200,
		MTU:    128,
		Window: 4,
		CRC:    16,
	}

	if path == "" {
		return config, nil
	}

	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if unmarshalErr := yaml.Unmarshal(raw, config); unmarshalErr != nil {
		return nil, fmt.Errorf("bad config %s: %w", path, unmarshalErr)
	}

	return config, config.validate()
}

func (config *link_config_t) validate() error {
	if config.Window < 1 || config.Window > 7 {
		return fmt.Errorf("window must be 1..7, not %d", config.Window)
	}
	switch config.CRC {
	case 0, 8, 16, 32:
	default:
		return fmt.Errorf("crc must be 0, 8, 16 or 32, not %d", config.CRC)
	}
	if config.MTU < 1 {
		return fmt.Errorf("mtu must be positive, not %d", config.MTU)
	}
	return nil
}

/*-------------------------------------------------------------------
 *
 * Name:	crc_type_of
 *
 * Purpose:	Map the config file number onto the FCS type.
 *
 *---------------------------------------------------------------*/

func (config *link_config_t) crc_type_of() hdlc_crc_t {
	switch config.CRC {
	case 8:
		return HDLC_CRC_8
	case 32:
		return HDLC_CRC_32
	case 0:
		return HDLC_CRC_OFF
	default:
		return HDLC_CRC_16
	}
}
