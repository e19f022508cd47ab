package lora

import (
	"errors"
	"sync"
	"time"
)

const (
	maxDriverAttempts  = 5
	driverRetryDelayMs = 20
	currentLimitMA     = 140.0
)

// ErrChannelBusyTimeout is returned by Transmit when the deadline passes
// without ever observing a clear channel to start a transmission on.
var ErrChannelBusyTimeout = errors.New("lora: channel busy until deadline")

// ProtocolCallbacks is the capability interface the driver calls into.
// The driver never imports the protocol package directly — TXComplete,
// Receive, and Crash are the only three things it needs from whatever
// consumes it, matching the spec's Design Notes guidance to express the
// driver/protocol coupling as a small interface rather than a direct
// dependency in either direction.
type ProtocolCallbacks interface {
	TXComplete()
	Receive(payload []byte)
	Crash(err int16, msg string)
}

// Device owns the SPI handle, the RX scratch buffer, and the interrupt
// dispatch goroutine for one SX1262 radio. Mutation of driver state from
// any path other than the interrupt goroutine requires mu.
type Device struct {
	chip  radioChip
	clock Clock
	cfg   RadioConfig

	mu      sync.Mutex
	started bool
	cb      ProtocolCallbacks

	dio1    chan struct{}
	stop    chan struct{}
	rxBuf   [256]byte
	spiPort interface{ Close() error } // set by NewHostDevice; nil elsewhere
}

// NewDevice builds a Device around the given hardware. It does not start
// the radio — call Start once a ProtocolCallbacks is ready to receive
// TXComplete/Receive/Crash notifications.
func NewDevice(hw HardwareConfig, spi SPI) (*Device, error) {
	chip := newSX1262(spi, hw.NSS, hw.BUSY, hw.DIO1, hw.NRST, hw.Clock)
	return &Device{
		chip:  chip,
		clock: hw.Clock,
		cfg:   hw.RadioConfig,
	}, nil
}

// driverCheck retries action up to maxDriverAttempts times, waiting
// driverRetryDelayMs between attempts. The caller must hold mu across the
// call; on success mu is still held on return, on failure driverCheck
// unlocks mu itself before crashing the driver (reporting msg and the
// last error to cb) and returns the last error.
func (d *Device) driverCheck(action func() error, msg string) error {
	var err error
	for attempt := 0; attempt < maxDriverAttempts; attempt++ {
		if err = action(); err == nil {
			return nil
		}
		d.clock.DelayMilliseconds(driverRetryDelayMs)
	}
	d.mu.Unlock()
	d.driverCrash(errCode(err), msg)
	return err
}

func errCode(err error) int16 {
	var he HardwareError
	if errors.As(err, &he) {
		return int16(he)
	}
	return -1
}

// grab acquires mu and reports whether the driver is started; on false the
// caller must not proceed and must not hold mu.
func (d *Device) grab() bool {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return false
	}
	return true
}

func (d *Device) yield() {
	d.mu.Unlock()
}

// driverCrash must be called with mu NOT held — it acquires mu itself to
// flip state and signal the interrupt goroutine to stop, then invokes the
// callback outside the lock.
func (d *Device) driverCrash(err int16, msg string) {
	globalLogger.Error("driver crash from " + msg)
	d.mu.Lock()
	wasStarted := d.started
	d.started = false
	if wasStarted {
		close(d.stop)
	}
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb.Crash(err, msg)
	}
}

// Reconfigure swaps in a freshly computed RadioConfig to be used by the
// next Start/Restart, matching §3's "a restart consumes a fresh value."
func (d *Device) Reconfigure(cfg RadioConfig) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// Start brings the radio up: begin(), current limit, DIO2-as-RF-switch,
// DIO1 interrupt wiring, and the interrupt dispatch goroutine. If already
// started it restarts instead, matching LoraDriverInit's self-healing
// behavior.
func (d *Device) Start(cb ProtocolCallbacks) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return d.Restart(cb)
	}
	d.cb = cb
	d.dio1 = make(chan struct{}, 1)
	d.stop = make(chan struct{})
	// mu stays held across the init sequence below; driverCheck releases
	// it itself if a step fails and crashes the driver.

	if err := d.driverCheck(func() error { return d.chip.Begin(d.cfg) }, "radio_begin"); err != nil {
		return err
	}
	if err := d.driverCheck(func() error { return d.chip.SetCurrentLimit(currentLimitMA) }, "set current limit"); err != nil {
		return err
	}
	if err := d.driverCheck(func() error { return d.chip.SetDio2AsRfSwitch(true) }, "set DIO2"); err != nil {
		return err
	}
	if err := d.chip.SetDio1Action(d.onDIO1); err != nil {
		d.mu.Unlock()
		return err
	}

	d.started = true
	d.mu.Unlock()

	go d.interruptLoop()
	return nil
}

// Restart stops the interrupt goroutine and marks the driver not started,
// then starts again, consuming a fresh RadioConfig the way
// LoraDriverRestart does. The DIO1 handler is not removed first; Start
// installs it again over the existing one.
func (d *Device) Restart(cb ProtocolCallbacks) error {
	d.mu.Lock()
	wasStarted := d.started
	d.mu.Unlock()
	if !wasStarted {
		return d.Start(cb)
	}

	d.mu.Lock()
	close(d.stop)
	d.started = false
	d.mu.Unlock()

	return d.Start(cb)
}

// onDIO1 is the ISR-equivalent handler: it only signals the interrupt
// goroutine, matching the spec's requirement that the ISR path never touch
// driver state directly.
func (d *Device) onDIO1() {
	select {
	case d.dio1 <- struct{}{}:
	default:
	}
}

func (d *Device) interruptLoop() {
	for {
		select {
		case <-d.stop:
			return
		case <-d.dio1:
		}

		if !d.grab() {
			continue
		}

		irq, status := d.chip.GetIrqFlagsSafe()
		if status != 0 {
			d.yield()
			d.driverCrash(int16(status), "irqRead")
			continue
		}
		if err := d.chip.ClearIrqFlags(irq); err != nil {
			d.yield()
			d.driverCrash(errCode(err), "irqClear")
			continue
		}

		switch {
		case irq&IrqRxDone != 0 && irq&IrqTxDone != 0:
			d.yield()
			d.driverCrash(-999, "Simultaneous RX and TX complete IRQ")
		case irq&IrqRxDone != 0:
			d.handleRXInterrupt(irq)
		case irq&IrqTxDone != 0:
			cb := d.cb
			d.yield()
			if cb != nil {
				cb.TXComplete()
			}
		default:
			d.yield()
		}
	}
}

// handleRXInterrupt assumes mu is already held (via grab) and yields it
// before invoking cb.Receive, matching the source's "yield driver before
// calling protocol" rule to avoid holding the driver mutex across protocol
// work.
func (d *Device) handleRXInterrupt(irq uint16) {
	length, err := d.chip.GetPacketLength()
	if err != nil {
		globalLogger.Warn("failed to read packet length")
	}
	if length <= 0 || length > 256 {
		globalLogger.Error("invalid packet length detected")
		d.yield()
		return
	}

	n, err := d.chip.ReadData(d.rxBuf[:length])
	if err != nil {
		d.yield()
		d.driverCrash(errCode(err), "readData")
		return
	}

	if !validRXIRQ(irq) {
		d.yield()
		return
	}

	payload := make([]byte, n)
	copy(payload, d.rxBuf[:n])
	cb := d.cb
	d.yield()
	if cb != nil {
		cb.Receive(payload)
	}
}

func validRXIRQ(irq uint16) bool {
	if irq&IrqCrcErr != 0 {
		globalLogger.Warn("CRC error")
		return false
	}
	if irq&IrqHeaderErr != 0 {
		globalLogger.Warn("error with packet header")
		return false
	}
	if irq&IrqHeaderValid == 0 {
		globalLogger.Warn("recv something that isn't a valid LoRa header")
		return false
	}
	return true
}

// StartReceive puts the radio into continuous receive mode.
func (d *Device) StartReceive() error {
	if !d.grab() {
		return errDriverNotStarted
	}
	err := d.driverCheck(func() error { return d.chip.StartReceive() }, "loraStartRecv")
	if err == nil {
		d.yield()
	}
	return err
}

var errDriverNotStarted = errors.New("lora: driver not started")

// GetTimeOnAir returns the time-on-air, in microseconds, for a
// maximum-size LoRa packet at the current radio configuration. Called once
// at protocol init to size the ack timer.
func (d *Device) GetTimeOnAir() uint32 {
	return d.chip.GetTimeOnAir(maxLoraPacketSize)
}

// Transmit attempts Listen-Before-Talk transmission of data, retrying scan
// attempts until deadline. It returns nil once a transmission has actually
// started (not once it completes — completion arrives as a TXComplete
// callback), ErrChannelBusyTimeout if the channel never cleared in time,
// or the underlying error if an unrecoverable state was hit.
func (d *Device) Transmit(data []byte, deadline time.Time) error {
	if !d.grab() {
		return errDriverNotStarted
	}

	for time.Now().Before(deadline) {
		clear, err := d.waitIfReceiving(deadline)
		if err != nil {
			// driverCheck has already unlocked mu and crashed the driver.
			return err
		}
		if clear {
			var cad cadResult
			if err := d.driverCheck(func() error {
				var scanErr error
				cad, scanErr = d.chip.ScanChannel()
				return scanErr
			}, "scanChannelTX"); err != nil {
				return err
			}
			if cad == cadChannelFree {
				err := d.driverCheck(func() error { return d.chip.StartTransmit(data) }, "LoraTransmitStart")
				if err == nil {
					d.yield()
				}
				return err
			}
		}
		d.clock.DelayMilliseconds(20)
	}
	d.yield()
	return ErrChannelBusyTimeout
}

// waitIfReceiving polls the IRQ flags until the radio is not mid-reception
// of another packet, or deadline passes. The caller must hold mu; on a
// driverCheck failure mu is already unlocked and the driver crashed by the
// time this returns, matching waitIfReceiving's "get_irq_in_wait" tag.
func (d *Device) waitIfReceiving(deadline time.Time) (clear bool, err error) {
	for time.Now().Before(deadline) {
		var irq uint16
		if err := d.driverCheck(func() error {
			var status HardwareError
			irq, status = d.chip.GetIrqFlagsSafe()
			if status != 0 {
				return status
			}
			return nil
		}, "get_irq_in_wait"); err != nil {
			return false, err
		}
		if irq&IrqPreambleDetected == 0 || irq&(IrqRxDone|IrqCrcErr) != 0 {
			return true, nil
		}
		d.clock.DelayMilliseconds(20)
	}
	return false, nil
}

// Close releases any OS resources the concrete HAL backend opened (SPI
// port handles). Safe to call on a Device built without one.
func (d *Device) Close() error {
	if d.spiPort != nil {
		return d.spiPort.Close()
	}
	return nil
}
