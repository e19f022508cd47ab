package lora

// Level represents the logical level of a pin (Low or High).
type Level bool

const (
	Low  Level = false
	High Level = true
)

// Pull represents the internal pull-up/down resistor state.
type Pull uint8

const (
	PullNoChange Pull = iota
	PullFloat
	PullDown
	PullUp
)

// Edge represents the signal edge to trigger an interrupt.
type Edge uint8

const (
	NoEdge Edge = iota
	RisingEdge
	FallingEdge
	BothEdges
)

// SPI represents a full-duplex SPI connection. Chip-select is managed by the
// caller, not the SPI implementation — the driver toggles NSS itself around
// each command so multi-phase SX126x transactions stay atomic.
type SPI interface {
	// Tx sends w and reads into r. len(r) must be >= len(w).
	Tx(w, r []byte) error
}

// Pin represents a generic GPIO pin used for NSS, NRST, DIO1, and BUSY.
type Pin interface {
	// Out sets the pin as output with the given level.
	Out(l Level) error
	// In sets the pin as input with the given pull mode.
	In(pull Pull) error
	// Read returns the current level of the pin.
	Read() Level
	// Watch configures an interrupt/callback on the specified edge.
	// The handler runs on its own goroutine; it must not block.
	Watch(edge Edge, handler func()) error
	// Unwatch removes the interrupt/callback.
	Unwatch() error
}

// Clock abstracts the microsecond/millisecond timing primitives the driver
// needs for busy-waits, retry back-off, and time-on-air bookkeeping. The
// host build satisfies this with time.Sleep/time.Now; the tinygo build can
// satisfy it with machine's cycle counters without pulling in the time
// package's scheduler overhead.
type Clock interface {
	// DelayMicroseconds busy-waits for approximately us microseconds.
	DelayMicroseconds(us uint32)
	// DelayMilliseconds sleeps the calling goroutine for approximately ms
	// milliseconds.
	DelayMilliseconds(ms uint32)
	// Micros returns a monotonically increasing microsecond counter. The
	// epoch is unspecified; only differences are meaningful.
	Micros() uint64
}

// HardwareConfig bundles the pins and SPI connection a Device needs,
// independent of how they were constructed (periph.io on Linux, machine on
// tinygo, or fakes in tests).
type HardwareConfig struct {
	RadioConfig
	Pinout Pinout
	NSS    Pin
	NRST   Pin
	DIO1   Pin
	BUSY   Pin
	Clock  Clock
}
