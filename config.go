package lora

// BoardType selects a carrier board's fixed pin/TCXO characteristics.
type BoardType uint8

const (
	BoardEbyteSX1262 BoardType = iota
	BoardWioSX1262
)

func (b BoardType) String() string {
	switch b {
	case BoardEbyteSX1262:
		return "Ebyte_SX1262"
	case BoardWioSX1262:
		return "Wio_SX1262"
	default:
		return "unknown"
	}
}

// PowerMode selects the target transmit power envelope.
type PowerMode uint8

const (
	PowerModeLow PowerMode = iota
	PowerModeHigh
)

func (m PowerMode) String() string {
	switch m {
	case PowerModeLow:
		return "lowPower"
	case PowerModeHigh:
		return "highPower"
	default:
		return "unknown"
	}
}

// RadioConfig is the immutable set of SX1262 parameters produced by
// StandardConfig. A restart always consumes a freshly computed value rather
// than mutating one in place.
type RadioConfig struct {
	FreqMHz            float64
	BandwidthKHz       float64
	SpreadingFactor    uint8
	CodingRateDenom    uint8 // transmission rate is 4/CodingRateDenom
	SyncWord           uint8
	PreambleLength     uint16
	TCXOVoltage        float64
	PADuty             uint8
	HPMax              uint8
	RegulatorTargetDBm int8
}

// Pinout is the compile-time-constant pin assignment for a board's SPI bus
// and SX1262 control lines.
type Pinout struct {
	SCLK int
	MISO int
	MOSI int
	NSS  int
	NRST int
	DIO1 int
	BUSY int
}

// StandardConfig is a pure function from (board, mode) to the radio
// parameters the rest of the stack treats as fixed for the session. The
// frequency plan, bandwidth, spreading factor, coding rate, sync word, and
// preamble are shared across every board/mode combination; only TCXO
// voltage and PA configuration vary.
func StandardConfig(board BoardType, mode PowerMode) RadioConfig {
	cfg := RadioConfig{
		FreqMHz:         915.0,
		BandwidthKHz:    250.0,
		SpreadingFactor: 7,
		CodingRateDenom: 7,
		SyncWord:        0x18,
		PreambleLength:  8,
	}

	switch board {
	case BoardEbyteSX1262:
		cfg.TCXOVoltage = 1.8
	case BoardWioSX1262:
		cfg.TCXOVoltage = 2.2
	}

	switch mode {
	case PowerModeLow:
		cfg.PADuty = 2
		cfg.HPMax = 2
		cfg.RegulatorTargetDBm = 8
	case PowerModeHigh:
		cfg.PADuty = 4
		cfg.HPMax = 7
		cfg.RegulatorTargetDBm = 22
		if board == BoardEbyteSX1262 {
			// The original source assigns (4, 7) then immediately
			// overwrites with (2, 3) for this board/mode pair; the
			// second assignment is the one that ships.
			cfg.PADuty = 2
			cfg.HPMax = 3
		}
	}

	return cfg
}

// StandardPinout returns the fixed SPI/control-line assignment used by both
// supported boards.
func StandardPinout() Pinout {
	return Pinout{
		SCLK: 25,
		MISO: 26,
		MOSI: 27,
		NSS:  14,
		NRST: 13,
		DIO1: 34,
		BUSY: 35,
	}
}
