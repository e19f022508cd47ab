//go:build tinygo

package lora

import (
	"machine"
)

// tinygoPin wraps a machine.Pin to satisfy the Pin interface.
type tinygoPin struct {
	pin machine.Pin
}

func (p *tinygoPin) Out(l Level) error {
	p.pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	p.pin.Set(bool(l))
	return nil
}

func (p *tinygoPin) In(pull Pull) error {
	var mPull machine.PinMode
	switch pull {
	case PullUp:
		mPull = machine.PinInputPullup
	case PullDown:
		mPull = machine.PinInputPulldown
	default:
		mPull = machine.PinInput
	}
	p.pin.Configure(machine.PinConfig{Mode: mPull})
	return nil
}

func (p *tinygoPin) Read() Level {
	return Level(p.pin.Get())
}

func (p *tinygoPin) Watch(edge Edge, handler func()) error {
	var mEdge machine.PinChange
	switch edge {
	case RisingEdge:
		mEdge = machine.PinRising
	case FallingEdge:
		mEdge = machine.PinFalling
	case BothEdges:
		mEdge = machine.PinToggle
	default:
		return nil
	}

	return p.pin.SetInterrupt(mEdge, func(machine.Pin) {
		handler()
	})
}

func (p *tinygoPin) Unwatch() error {
	p.pin.Configure(machine.PinConfig{Mode: machine.PinInput})
	return nil
}

// tinygoSPI wraps a machine.SPI. It does not touch chip-select; the chip
// layer toggles NSS through its Pin around each SX126x command.
type tinygoSPI struct {
	spi *machine.SPI
}

func (s *tinygoSPI) Tx(w, r []byte) error {
	return s.spi.Tx(w, r)
}

// tinygoClock satisfies Clock on microcontroller builds without pulling in
// the time package's scheduler.
type tinygoClock struct{}

func (tinygoClock) DelayMicroseconds(us uint32) {
	wait := uint64(us) * 1000
	deadline := uint64(machine.Ticks()) + wait
	for uint64(machine.Ticks()) < deadline {
	}
}

func (tinygoClock) DelayMilliseconds(ms uint32) {
	wait := uint64(ms) * 1_000_000
	deadline := uint64(machine.Ticks()) + wait
	for uint64(machine.Ticks()) < deadline {
	}
}

func (tinygoClock) Micros() uint64 {
	return uint64(machine.Ticks()) / 1000
}

// MCUConfig holds the configuration for the TinyGo-backed Device.
type MCUConfig struct {
	Board  BoardType
	Mode   PowerMode
	Pinout Pinout
	SPI    *machine.SPI
	NSS    machine.Pin
	NRST   machine.Pin
	DIO1   machine.Pin
	BUSY   machine.Pin
}

// NewMCUDevice configures the given pins and SPI bus directly against
// machine and builds a Device around them.
func NewMCUDevice(c MCUConfig) (*Device, error) {
	c.NSS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	c.NSS.High()

	if (c.Pinout == Pinout{}) {
		c.Pinout = StandardPinout()
	}

	hw := HardwareConfig{
		RadioConfig: StandardConfig(c.Board, c.Mode),
		Pinout:      c.Pinout,
		NSS:         &tinygoPin{pin: c.NSS},
		NRST:        &tinygoPin{pin: c.NRST},
		DIO1:        &tinygoPin{pin: c.DIO1},
		BUSY:        &tinygoPin{pin: c.BUSY},
		Clock:       tinygoClock{},
	}

	return NewDevice(hw, &tinygoSPI{spi: c.SPI})
}
