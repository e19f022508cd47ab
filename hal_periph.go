//go:build !tinygo

package lora

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// realPin wraps a gpio.PinIO to satisfy the Pin interface.
type realPin struct {
	gpio.PinIO
	stopWatch chan struct{}
}

func (p *realPin) Out(l Level) error {
	if l == High {
		return p.PinIO.Out(gpio.High)
	}
	return p.PinIO.Out(gpio.Low)
}

func (p *realPin) In(pull Pull) error {
	var pPull gpio.Pull
	switch pull {
	case PullFloat:
		pPull = gpio.Float
	case PullDown:
		pPull = gpio.PullDown
	case PullUp:
		pPull = gpio.PullUp
	default:
		pPull = gpio.PullNoChange
	}
	return p.PinIO.In(pPull, gpio.NoEdge)
}

func (p *realPin) Read() Level {
	if p.PinIO.Read() == gpio.High {
		return High
	}
	return Low
}

func (p *realPin) Watch(edge Edge, handler func()) error {
	var pEdge gpio.Edge
	switch edge {
	case RisingEdge:
		pEdge = gpio.RisingEdge
	case FallingEdge:
		pEdge = gpio.FallingEdge
	case BothEdges:
		pEdge = gpio.BothEdges
	default:
		pEdge = gpio.NoEdge
	}

	if err := p.PinIO.In(gpio.PullUp, pEdge); err != nil {
		return err
	}

	p.stopWatch = make(chan struct{})

	go func() {
		for {
			if p.PinIO.WaitForEdge(-1) {
				select {
				case <-p.stopWatch:
					return
				default:
					handler()
				}
			} else {
				select {
				case <-p.stopWatch:
					return
				default:
				}
			}
		}
	}()
	return nil
}

func (p *realPin) Unwatch() error {
	if p.stopWatch != nil {
		close(p.stopWatch)
		p.stopWatch = nil
	}
	return p.PinIO.In(gpio.PullUp, gpio.NoEdge)
}

// realSPI adapts a periph.io spi.Conn to the SPI interface. Chip-select is
// not touched here; callers raise NSS themselves around each transaction,
// matching the SX126x's multi-phase command protocol.
type realSPI struct {
	conn spi.Conn
}

func (s *realSPI) Tx(w, r []byte) error {
	return s.conn.Tx(w, r)
}

// stdClock satisfies Clock on Linux/host builds using the time package.
type stdClock struct{}

func (stdClock) DelayMicroseconds(us uint32) {
	time.Sleep(time.Duration(us) * time.Microsecond)
}

func (stdClock) DelayMilliseconds(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func (stdClock) Micros() uint64 {
	return uint64(time.Now().UnixNano() / 1000)
}

// HostConfig holds the configuration for the Linux/periph.io-backed Device.
type HostConfig struct {
	Board      BoardType
	Mode       PowerMode
	Pinout     Pinout
	SpiBusPath string
	SpiClockHz int
}

// NewHostDevice opens the SPI bus and resolves the configured GPIO pins via
// periph.io, then builds a Device around them.
func NewHostDevice(c HostConfig) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("lora: failed to initialize periph.io host: %w", err)
	}

	if c.SpiBusPath == "" {
		c.SpiBusPath = "/dev/spidev0.0"
	}
	p, err := spireg.Open(c.SpiBusPath)
	if err != nil {
		return nil, fmt.Errorf("lora: failed to open SPI port: %w", err)
	}

	if c.SpiClockHz == 0 {
		c.SpiClockHz = 8_000_000
	}
	conn, err := p.Connect(physic.Frequency(c.SpiClockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("lora: failed to create SPI connection: %w", err)
	}

	if (c.Pinout == Pinout{}) {
		c.Pinout = StandardPinout()
	}

	openPin := func(num int) (*realPin, error) {
		name := fmt.Sprintf("GPIO%d", num)
		io := gpioreg.ByName(name)
		if io == nil {
			return nil, fmt.Errorf("lora: failed to open pin %s", name)
		}
		return &realPin{PinIO: io}, nil
	}

	nss, err := openPin(c.Pinout.NSS)
	if err != nil {
		p.Close()
		return nil, err
	}
	nrst, err := openPin(c.Pinout.NRST)
	if err != nil {
		p.Close()
		return nil, err
	}
	dio1, err := openPin(c.Pinout.DIO1)
	if err != nil {
		p.Close()
		return nil, err
	}
	busy, err := openPin(c.Pinout.BUSY)
	if err != nil {
		p.Close()
		return nil, err
	}

	hw := HardwareConfig{
		RadioConfig: StandardConfig(c.Board, c.Mode),
		Pinout:      c.Pinout,
		NSS:         nss,
		NRST:        nrst,
		DIO1:        dio1,
		BUSY:        busy,
		Clock:       stdClock{},
	}

	dev, err := NewDevice(hw, &realSPI{conn: conn})
	if err != nil {
		p.Close()
		return nil, err
	}
	dev.spiPort = p
	return dev, nil
}
