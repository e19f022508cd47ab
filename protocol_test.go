package lora

import (
	"sync"
	"testing"
	"time"
)

// fakeDriver is a hand-rolled protocolDriver test double, in the spirit of
// the teacher's mockPin/mockSPIConn response-queue fakes: it records every
// call so a test can assert on what the state machine asked the driver to
// do, without any real or simulated radio hardware.
type fakeDriver struct {
	mu sync.Mutex

	startCalls   int
	restartCalls int
	timeOnAirUs  uint32

	transmitted  [][]byte
	transmitErr  error
	startRecvErr error
	startRecvN   int
	lastCfg      RadioConfig
}

func (f *fakeDriver) Start(cb ProtocolCallbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return nil
}

func (f *fakeDriver) Restart(cb ProtocolCallbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartCalls++
	return nil
}

func (f *fakeDriver) Reconfigure(cfg RadioConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCfg = cfg
}

func (f *fakeDriver) GetTimeOnAir() uint32 {
	return f.timeOnAirUs
}

func (f *fakeDriver) Transmit(data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.transmitted = append(f.transmitted, cp)
	return f.transmitErr
}

func (f *fakeDriver) StartReceive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startRecvN++
	return f.startRecvErr
}

func (f *fakeDriver) lastTransmit() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transmitted) == 0 {
		return nil
	}
	return f.transmitted[len(f.transmitted)-1]
}

func (f *fakeDriver) transmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transmitted)
}

func newTestProtocol(t *testing.T) (*BlastProtocol, *fakeDriver) {
	t.Helper()
	fd := &fakeDriver{timeOnAirUs: 100000} // -> ackTimeoutPeriod = 400ms
	errLog := NewErrorLog()
	queue := NewQueue(errLog)
	p := NewBlastProtocol(fd, queue, errLog)
	if err := p.Start(StandardConfig(BoardEbyteSX1262, PowerModeLow)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p, fd
}

// S1: happy path — one frame goes out, gets fully acked, and the protocol
// falls back to idle (a silencer) with nothing left queued.
func TestProtocolHappyPath(t *testing.T) {
	p, fd := newTestProtocol(t)

	wire, _ := EncodeCANFrame(CANFrame{ID: 0x42, Data: []byte{1, 2, 3}})
	p.Transmit(wire)

	if fd.transmitCount() != 1 {
		t.Fatalf("expected 1 transmission after nudging an idle protocol, got %d", fd.transmitCount())
	}
	sent := fd.lastTransmit()
	gotID := uint16(sent[0]) | uint16(sent[1])<<8
	if gotID&wireProtocolMask != wireProtocolMagic {
		t.Fatalf("transmitted header doesn't carry the protocol magic: %x", gotID)
	}
	if gotID&1 != 0 {
		t.Fatalf("expected initial ack parity bit clear, got %x", gotID)
	}

	p.TXComplete() // burst of 1 is done, moves to awaiting-ack
	if !p.awaitingAck.Load() {
		t.Fatal("expected awaitingAck after the only packet in burst completed")
	}
	if fd.startRecvN == 0 {
		t.Fatal("expected StartReceive to arm listening for the ack")
	}

	ack := make([]byte, 7)
	ack[0] = byte(wireProtocolMagic & 0xFF)
	ack[1] = byte(wireProtocolMagic >> 8)
	ack[5] = 0x01 // bit 0 set: the one outstanding packet is acked
	p.Receive(ack)

	if p.awaitingAck.Load() {
		t.Fatal("expected awaitingAck cleared after a matching-parity ack")
	}
	if p.burstCount != 0 {
		t.Fatalf("expected burst buffer drained after full ack, got burstCount=%d", p.burstCount)
	}
	if fd.transmitCount() != 2 {
		t.Fatalf("expected a silencer transmission once the queue is empty, got %d total transmissions", fd.transmitCount())
	}
	if len(fd.lastTransmit()) != 5 {
		t.Fatalf("expected a 5-byte silencer, got %d bytes", len(fd.lastTransmit()))
	}
}

// S2: a bitmap partially acking a burst keeps only the un-acked slots and
// refills from the queue behind them.
func TestProtocolProcessBitmapPartialLoss(t *testing.T) {
	p, _ := newTestProtocol(t)

	p.burst[0].Data[headerSize] = 0xA0
	p.burst[0].Len = headerSize + 1
	p.burst[1].Data[headerSize] = 0xB1
	p.burst[1].Len = headerSize + 1
	p.burst[2].Data[headerSize] = 0xC2
	p.burst[2].Len = headerSize + 1
	p.burstCount = 3

	p.processBitmap(0b010) // middle slot acked, drop it

	if p.burstCount != 2 {
		t.Fatalf("expected 2 surviving slots, got %d", p.burstCount)
	}
	if p.burst[0].Data[headerSize] != 0xA0 || p.burst[1].Data[headerSize] != 0xC2 {
		t.Fatalf("expected surviving slots to compact in order, got %x %x", p.burst[0].Data[headerSize], p.burst[1].Data[headerSize])
	}
}

// S3: an ack timeout with nothing acknowledged retransmits the same burst.
func TestProtocolAckTimeoutRetransmits(t *testing.T) {
	p, fd := newTestProtocol(t)

	p.burst[0].Data[headerSize] = 0xAA
	p.burst[0].Len = headerSize + 1
	p.burstCount = 1
	p.currentIndex = 1
	p.isBlasting = false
	p.awaitingAck.Store(true)

	before := fd.transmitCount()
	p.ackTimeoutCallback()

	if p.awaitingAck.Load() {
		t.Fatal("expected awaitingAck cleared by the timeout")
	}
	if fd.transmitCount() != before+1 {
		t.Fatalf("expected exactly one retransmission, got %d new transmissions", fd.transmitCount()-before)
	}

	buf := make([]int16, 4)
	n := p.errLog.GenerateErrorPacket(buf, 4)
	found := false
	for i := 0; i < n; i++ {
		if buf[i] == int16(ErrAckTimeout) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ErrAckTimeout to be logged, got %v", buf[:n])
	}
}

// S4: an ack carrying the previous (stale) parity bit is rejected without
// compacting the burst, and the current burst is retransmitted unchanged.
func TestProtocolRejectsStaleParityAck(t *testing.T) {
	p, fd := newTestProtocol(t)

	p.ackParity = true
	p.burst[0].Data[headerSize] = 0x77
	p.burst[0].Len = headerSize + 1
	p.burstCount = 1
	p.awaitingAck.Store(true)

	stale := make([]byte, 7)
	stale[0] = byte(wireProtocolMagic & 0xFF) // parity bit clear: stale relative to ackParity=true
	stale[1] = byte(wireProtocolMagic >> 8)
	stale[5] = 0x01

	before := fd.transmitCount()
	p.Receive(stale)

	if !p.ackParity {
		t.Fatal("stale ack must not flip ackParity")
	}
	if p.burstCount != 1 {
		t.Fatalf("stale ack must not compact the burst, got burstCount=%d", p.burstCount)
	}
	if fd.transmitCount() != before+1 {
		t.Fatalf("expected the current burst to be retransmitted once, got %d new transmissions", fd.transmitCount()-before)
	}
}

// S5: a driver crash marks the protocol stopped and is observable through
// MonitorCrash.
func TestProtocolCrashPropagation(t *testing.T) {
	p, _ := newTestProtocol(t)

	go p.Crash(int16(ErrDriverNotStarted), "radio_begin")

	info := p.MonitorCrash()
	if info.Err != int16(ErrDriverNotStarted) || info.Msg != "radio_begin" {
		t.Fatalf("unexpected crash info: %+v", info)
	}
	if p.grab() {
		p.yield()
		t.Fatal("expected protocol to be stopped after a crash")
	}
}

// S6: a CAN frame with more than maxCANData data bytes is rejected by the
// encoder, so it never reaches the queue or the blast protocol.
func TestEncoderRejectsOversizedFrameBeforeQueue(t *testing.T) {
	_, err := EncodeCANFrame(CANFrame{ID: 1, Data: make([]byte, maxCANData+1)})
	if err == nil {
		t.Fatal("expected EncodeCANFrame to reject a frame above maxCANData before it ever reaches the queue")
	}
}
