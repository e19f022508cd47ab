package lora

import "fmt"

// TXLink is the transmit-side public surface: a driver plus the blast
// protocol state machine running on top of it. It corresponds to
// Lora_TX_Init/Restart, protocolTransmitCANFrame/OversizeFrame, and
// Lora_Monitor_Crash.
type TXLink struct {
	driver *Device
	proto  *BlastProtocol
	errLog *ErrorLog
	queue  *Queue
	board  BoardType
	mode   PowerMode
}

// NewTXLink starts the blast protocol over dev using the standard
// configuration for (board, mode). dev is built by the caller via
// NewHostDevice, NewMCUDevice, or a test fake — TXLink itself never
// touches hardware directly.
func NewTXLink(dev *Device, board BoardType, mode PowerMode) (*TXLink, error) {
	errLog := NewErrorLog()
	queue := NewQueue(errLog)
	proto := NewBlastProtocol(dev, queue, errLog)

	link := &TXLink{
		driver: dev,
		proto:  proto,
		errLog: errLog,
		queue:  queue,
		board:  board,
		mode:   mode,
	}
	if err := proto.Start(StandardConfig(board, mode)); err != nil {
		return nil, err
	}
	return link, nil
}

// Restart reinitializes the link against a freshly computed RadioConfig.
func (t *TXLink) Restart() error {
	return t.proto.Restart(StandardConfig(t.board, t.mode))
}

// TransmitCANFrame encodes and enqueues a standard CAN frame (at most 8
// data bytes), nudging the protocol if it was idle.
func (t *TXLink) TransmitCANFrame(f CANFrame) error {
	wire, err := EncodeCANFrame(f)
	if err != nil {
		return err
	}
	t.proto.Transmit(wire)
	return nil
}

// TransmitOversizeFrame encodes and enqueues a fabricated frame with up to
// 15 data bytes — more than a real CAN frame can carry.
func (t *TXLink) TransmitOversizeFrame(id uint32, extended bool, data []byte) error {
	wire, err := EncodeOversizeFrame(id, extended, data)
	if err != nil {
		return err
	}
	t.proto.Transmit(wire)
	return nil
}

// MonitorCrash blocks until the underlying driver crashes and returns the
// diagnostic details.
func (t *TXLink) MonitorCrash() CrashInfo {
	return t.proto.MonitorCrash()
}

// PiggybackErrors drains the error log for inclusion in the next
// transmitted frame.
func (t *TXLink) PiggybackErrors(maxCount int) []int16 {
	return t.proto.PiggybackErrors(maxCount)
}

// Close releases hardware resources held by the underlying driver.
func (t *TXLink) Close() error {
	return t.driver.Close()
}

// RXLink is the receive-side public surface. It implements
// ProtocolCallbacks directly — the receive protocol is thin enough (log,
// buffer, re-arm) that it doesn't need its own state machine type the way
// the TX side does.
type RXLink struct {
	driver *Device
	board  BoardType
	mode   PowerMode

	payloads chan []byte
	crashCh  chan CrashInfo
}

const rxQueueDepth = 8

// NewRXLink starts continuous receive over dev and begins delivering
// decoded payloads to Read. Matches Lora_RX_Init.
func NewRXLink(dev *Device, board BoardType, mode PowerMode) (*RXLink, error) {
	link := &RXLink{
		driver:   dev,
		board:    board,
		mode:     mode,
		payloads: make(chan []byte, rxQueueDepth),
		crashCh:  make(chan CrashInfo, 1),
	}
	if err := dev.Start(link); err != nil {
		return nil, err
	}
	if err := dev.StartReceive(); err != nil {
		return nil, err
	}
	return link, nil
}

// TXComplete implements ProtocolCallbacks. The RX side never transmits on
// its own, so any TX-done interrupt here is just logged, matching the
// receiver's protocolTXComplete.
func (r *RXLink) TXComplete() {
	globalLogger.Warn("unexpected TX completion on receive-only link")
}

// Receive implements ProtocolCallbacks: it buffers the payload for Read
// and immediately re-arms continuous receive. Receiver-side ACK bitmap
// construction is explicitly out of scope.
func (r *RXLink) Receive(payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case r.payloads <- cp:
	default:
		globalLogger.Warn("RX payload queue full, dropping packet")
	}
	if err := r.driver.StartReceive(); err != nil {
		globalLogger.Warn("failed to re-arm receive")
	}
}

// Crash implements ProtocolCallbacks.
func (r *RXLink) Crash(err int16, msg string) {
	select {
	case r.crashCh <- CrashInfo{Err: err, Msg: msg}:
	default:
	}
}

// Read blocks for the next received payload.
func (r *RXLink) Read() []byte {
	return <-r.payloads
}

// MonitorCrash blocks until the underlying driver crashes.
func (r *RXLink) MonitorCrash() CrashInfo {
	return <-r.crashCh
}

// Restart drains any buffered payloads, recreates the queue, and restarts
// the driver — matching Lora_RX_Restart's (unimplemented-in-source but
// clearly intended) queue-clear-before-restart behavior.
func (r *RXLink) Restart() error {
	r.payloads = make(chan []byte, rxQueueDepth)
	if err := r.driver.Restart(r); err != nil {
		return fmt.Errorf("lora: rx restart: %w", err)
	}
	return r.driver.StartReceive()
}

// Close releases hardware resources held by the underlying driver.
func (r *RXLink) Close() error {
	return r.driver.Close()
}
