package lora

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	wireProtocolMagic uint16 = 0x9354 & 0xFFFE
	wireProtocolMask  uint16 = 0xFFFE
)

// protocolDriver is the narrow slice of *Device the protocol depends on,
// letting tests drive the state machine against a fake instead of real
// hardware. *Device satisfies this interface.
type protocolDriver interface {
	Start(cb ProtocolCallbacks) error
	Restart(cb ProtocolCallbacks) error
	Reconfigure(cfg RadioConfig)
	GetTimeOnAir() uint32
	Transmit(data []byte, deadline time.Time) error
	StartReceive() error
}

// CrashInfo is what MonitorCrash blocks for: the driver's error code and a
// short diagnostic message, matching Lora_Monitor_Crash's (errorMsg,
// errorCode) pair.
type CrashInfo struct {
	Err int16
	Msg string
}

// BlastProtocol is the TX-side idle/blasting/awaiting-ack state machine
// described in §4.6. It owns the burst buffer, the ack timer, and the
// current-burst index exclusively; the queue and driver are collaborators
// reached through their own narrow interfaces.
type BlastProtocol struct {
	driver protocolDriver
	queue  *Queue
	errLog *ErrorLog

	mu      sync.Mutex
	running bool

	burst      [maxPacketGroupSize]BurstSlot
	burstCount int

	currentIndex int
	isBlasting   bool
	ackParity    bool
	awaitingAck  atomic.Bool

	ackTimer          *time.Timer
	ackTimeoutPeriod  time.Duration
	packetTimeOnAirUs uint32
	transmitDeadline  time.Time

	crashCh chan CrashInfo
}

// NewBlastProtocol wires a BlastProtocol to its driver, queue, and error
// log. Call Start before transmitting.
func NewBlastProtocol(driver protocolDriver, queue *Queue, errLog *ErrorLog) *BlastProtocol {
	return &BlastProtocol{
		driver:  driver,
		queue:   queue,
		errLog:  errLog,
		crashCh: make(chan CrashInfo, 1),
	}
}

// Start brings the driver up (consuming cfg as a fresh value, per §3's
// "Immutable after construction; a restart consumes a fresh value"),
// computes the ack-timeout period from the driver's time-on-air, and marks
// the protocol running. Matches initProtocol.
func (p *BlastProtocol) Start(cfg RadioConfig) error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.queue.Reset()
	p.driver.Reconfigure(cfg)

	if err := p.driver.Start(p); err != nil {
		return err
	}

	p.packetTimeOnAirUs = p.driver.GetTimeOnAir()
	periodMs := (p.packetTimeOnAirUs * 4) / 1000
	p.ackTimeoutPeriod = time.Duration(periodMs) * time.Millisecond
	if p.ackTimeoutPeriod <= 0 {
		p.ackTimeoutPeriod = time.Millisecond
	}

	p.mu.Lock()
	p.awaitingAck.Store(false)
	p.ackParity = false
	p.burstCount = 0
	p.currentIndex = 0
	p.isBlasting = false
	p.running = true
	p.mu.Unlock()
	return nil
}

// Restart reinitializes the protocol and driver against a fresh config,
// matching Lora_TX_Restart's call straight back into initProtocol.
func (p *BlastProtocol) Restart(cfg RadioConfig) error {
	return p.Start(cfg)
}

func (p *BlastProtocol) grab() bool {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return false
	}
	return true
}

func (p *BlastProtocol) yield() {
	p.mu.Unlock()
}

// Crash implements ProtocolCallbacks. It marks the protocol stopped and
// hands the crash details to whoever calls MonitorCrash.
func (p *BlastProtocol) Crash(err int16, msg string) {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	select {
	case p.crashCh <- CrashInfo{Err: err, Msg: msg}:
	default:
	}
}

// MonitorCrash blocks until the driver crashes and returns the details,
// matching Lora_Monitor_Crash.
func (p *BlastProtocol) MonitorCrash() CrashInfo {
	return <-p.crashCh
}

// Transmit enqueues a pre-encoded frame and nudges the protocol out of
// idle if it was sitting there. Matches protocolTransmit.
func (p *BlastProtocol) Transmit(frame []byte) bool {
	p.queue.AddFrame(frame)
	return p.nudgeTransmission()
}

// nudgeTransmission starts a new burst if the protocol is currently idle
// (neither blasting nor awaiting an ack). Matches nudgeTransmission.
func (p *BlastProtocol) nudgeTransmission() bool {
	if !p.grab() {
		return false
	}
	if !p.isBlasting && !p.awaitingAck.Load() {
		p.burstCount = p.queue.RefreshBurstBuffer(p.burst[:], p.burstCount)
		p.startNewBurstSequence()
	}
	p.yield()
	return true
}

// currentProtocolID returns the 16-bit protocol ID with the current ack
// parity folded into its low bit.
func (p *BlastProtocol) currentProtocolID() uint16 {
	id := wireProtocolMagic
	if p.ackParity {
		id |= 1
	}
	return id
}

// safeProtocolTransmit writes the 3-byte header into slot in place and
// hands it to the driver's Listen-Before-Talk transmit. A channel-busy
// timeout falls through to listening for an ack on whatever's already on
// air; any other error that is a HardwareError is logged, and other error
// values are not. Matches safeProtocolTransmit.
func (p *BlastProtocol) safeProtocolTransmit(slot *BurstSlot) {
	id := p.currentProtocolID()
	slot.Data[0] = byte(id)
	slot.Data[1] = byte(id >> 8)
	slot.Data[2] = (byte(p.currentIndex) << 4) | (byte(p.burstCount-1) & 0x0F)

	err := p.driver.Transmit(slot.Data[:slot.Len], p.transmitDeadline)
	switch {
	case err == nil:
	case errors.Is(err, ErrChannelBusyTimeout):
		p.listenForAck()
	default:
		var he HardwareError
		if errors.As(err, &he) {
			p.errLog.LogError(int16(he))
		}
	}
}

// processBitmap compacts the burst buffer, keeping only slots whose bit in
// bitmap was clear (not yet acknowledged), then refills from the queue.
// Matches processBitmap.
func (p *BlastProtocol) processBitmap(bitmap uint16) {
	writeIdx := 0
	for readIdx := 0; readIdx < p.burstCount; readIdx++ {
		if bitmap>>uint(readIdx)&1 == 0 {
			if writeIdx != readIdx {
				p.burst[writeIdx] = p.burst[readIdx]
			}
			writeIdx++
		}
	}
	p.burstCount = writeIdx
	p.burstCount = p.queue.RefreshBurstBuffer(p.burst[:], p.burstCount)
}

// sendNextPacketInBurst sends the packet at currentIndex, or — once the
// whole burst is out — stops blasting and starts listening for the ack.
// Matches sendNextPacketInBurst.
func (p *BlastProtocol) sendNextPacketInBurst() {
	if p.currentIndex >= p.burstCount {
		p.isBlasting = false
		p.listenForAck()
		return
	}
	p.safeProtocolTransmit(&p.burst[p.currentIndex])
	p.currentIndex++
}

// sendSilencer transmits a 5-byte dummy packet telling the receiver there
// is nothing queued, then goes straight back to listening without arming
// an ack timer (nothing was actually sent that warrants one). Matches
// sendSilencer.
func (p *BlastProtocol) sendSilencer() {
	p.transmitDeadline = time.Now().Add(time.Duration(p.packetTimeOnAirUs) * time.Microsecond)

	id := p.currentProtocolID()
	dummy := [5]byte{byte(id), byte(id >> 8), 0x00, 0x00, 0x01}
	if err := p.driver.Transmit(dummy[:], p.transmitDeadline); err != nil {
		var he HardwareError
		if errors.As(err, &he) {
			p.errLog.LogError(int16(he))
		}
	}
	if err := p.driver.StartReceive(); err != nil {
		globalLogger.Warn("failed to re-arm receive after silencer")
	}
}

// startNewBurstSequence begins transmitting the current burst buffer, or
// sends a silencer if it's empty. Matches startNewBurstSequence.
func (p *BlastProtocol) startNewBurstSequence() {
	if p.burstCount == 0 {
		p.sendSilencer()
		return
	}
	p.currentIndex = 0
	p.isBlasting = true
	p.transmitDeadline = time.Now().Add(
		time.Duration(p.packetTimeOnAirUs)*time.Duration(p.burstCount)*time.Microsecond + time.Microsecond,
	)
	p.sendNextPacketInBurst()
}

// listenForAck arms the ack timeout and switches the driver to receive.
// Matches listenForAck.
func (p *BlastProtocol) listenForAck() {
	p.isBlasting = false
	p.awaitingAck.Store(true)
	if p.ackTimer != nil {
		p.ackTimer.Stop()
	}
	p.ackTimer = time.AfterFunc(p.ackTimeoutPeriod, p.ackTimeoutCallback)
	if err := p.driver.StartReceive(); err != nil {
		globalLogger.Warn("failed to start receive for ack")
	}
}

// ackTimeoutCallback fires on its own goroutine via time.AfterFunc. If it
// wins the race against a concurrent Receive (CompareAndSwap succeeds) and
// nothing is mid-blast, it retransmits the same burst unchanged. Matches
// ackTimeoutCallback.
func (p *BlastProtocol) ackTimeoutCallback() {
	if !p.grab() {
		return
	}
	if p.awaitingAck.CompareAndSwap(true, false) {
		if !p.isBlasting {
			p.errLog.LogError(int16(ErrAckTimeout))
			p.startNewBurstSequence()
		}
	}
	p.yield()
}

// TXComplete implements ProtocolCallbacks. Matches protocolTXComplete.
func (p *BlastProtocol) TXComplete() {
	if !p.grab() {
		return
	}
	if p.isBlasting {
		p.sendNextPacketInBurst()
	} else {
		p.errLog.LogError(int16(ErrUnexpectedTXCompletion))
	}
	p.yield()
}

// Receive implements ProtocolCallbacks. It validates the ack header,
// rejects a stale-parity ack without advancing state, and otherwise
// compacts the burst buffer by the received bitmap and starts the next
// burst. Matches protocolReceive.
func (p *BlastProtocol) Receive(payload []byte) {
	if !p.grab() {
		return
	}
	if !p.awaitingAck.CompareAndSwap(true, false) {
		p.yield()
		return
	}
	if p.ackTimer != nil {
		p.ackTimer.Stop()
	}

	if len(payload) < 7 {
		p.errLog.LogError(int16(ErrInvalidRXLength))
		p.yield()
		return
	}
	recvID := uint16(payload[0]) | uint16(payload[1])<<8
	if recvID&wireProtocolMask != wireProtocolMagic {
		p.errLog.LogError(int16(ErrIncorrectProtocolID))
		p.yield()
		return
	}

	recvParity := recvID&1 != 0
	if recvParity != p.ackParity {
		globalLogger.Error("received outdated ack")
		p.startNewBurstSequence()
		p.yield()
		return
	}

	bitmap := uint16(payload[5]) | uint16(payload[6])<<8
	p.processBitmap(bitmap)
	p.ackParity = !p.ackParity
	p.startNewBurstSequence()
	p.yield()
}

// PiggybackErrors drains the error log into a packet of at most maxCount
// int16 entries, for the transmitter to fold into its next frame.
func (p *BlastProtocol) PiggybackErrors(maxCount int) []int16 {
	buf := make([]int16, maxCount)
	n := p.errLog.GenerateErrorPacket(buf, maxCount)
	return buf[:n]
}
