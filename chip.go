package lora

import "fmt"

// SX126x command opcodes (public datasheet values).
const (
	cmdSetStandby           byte = 0x80
	cmdSetTx                byte = 0x83
	cmdSetRx                byte = 0x82
	cmdSetRegulatorMode     byte = 0x96
	cmdSetPaConfig          byte = 0x95
	cmdWriteRegister        byte = 0x0D
	cmdReadRegister         byte = 0x1D
	cmdWriteBuffer          byte = 0x0E
	cmdReadBuffer           byte = 0x1E
	cmdSetDioIrqParams      byte = 0x08
	cmdGetIrqStatus         byte = 0x12
	cmdClearIrqStatus       byte = 0x02
	cmdSetDio2AsRfSwitchCtl byte = 0x9D
	cmdSetRfFrequency       byte = 0x86
	cmdSetPacketType        byte = 0x8A
	cmdSetTxParams          byte = 0x8E
	cmdSetModulationParams  byte = 0x8B
	cmdSetPacketParams      byte = 0x8C
	cmdSetCadParams         byte = 0x88
	cmdSetBufferBaseAddr    byte = 0x8F
	cmdSetLoRaSymbNumTime   byte = 0xA0
	cmdGetRssiInst          byte = 0x15
	cmdGetRxBufferStatus    byte = 0x13
	cmdGetPacketStatus      byte = 0x14
)

// IRQ status bits, as returned by getIrqFlagsSafe/GetIrqStatus.
const (
	IrqTxDone           uint16 = 0x0001
	IrqRxDone           uint16 = 0x0002
	IrqPreambleDetected uint16 = 0x0004
	IrqSyncWordValid    uint16 = 0x0008
	IrqHeaderValid      uint16 = 0x0010
	IrqHeaderErr        uint16 = 0x0020
	IrqCrcErr           uint16 = 0x0040
	IrqCadDone          uint16 = 0x0080
	IrqCadDetected      uint16 = 0x0100
	IrqTimeout          uint16 = 0x0200
)

// cadResult mirrors the three outcomes of scanChannel.
type cadResult uint8

const (
	cadChannelFree cadResult = iota
	cadChannelBusy
	cadError
)

// radioChip is the narrow surface driver.go depends on, letting tests
// inject a fake chip instead of real SX126x hardware. It corresponds to
// the spec's "radio-chip register library" collaborator.
type radioChip interface {
	Begin(cfg RadioConfig) error
	SetOutputPowerOptimized(dBm int8, paDuty, hpMax uint8) error
	GetIrqFlagsSafe() (irq uint16, status HardwareError)
	ClearIrqFlags(mask uint16) error
	SetCurrentLimit(mA float32) error
	SetDio2AsRfSwitch(enable bool) error
	SetDio1Action(handler func()) error
	StartReceive() error
	StartTransmit(data []byte) error
	ScanChannel() (cadResult, error)
	ReadData(buf []byte) (n int, err error)
	GetPacketLength() (int, error)
	GetRSSI() (float32, error)
	GetSNR() (float32, error)
	GetTimeOnAir(packetLen int) uint32
}

// sx1262 implements radioChip directly over the HAL, the way the teacher
// implements the NRF24L01's own register protocol rather than depending on
// an external per-chip driver package.
type sx1262 struct {
	spi  SPI
	nss  Pin
	busy Pin
	dio1 Pin
	nrst Pin
	clk  Clock

	cfg       RadioConfig
	symbolsUs uint32 // symbol duration field; Begin does not set it and GetTimeOnAir computes its own
}

func newSX1262(spi SPI, nss, busy, dio1, nrst Pin, clk Clock) *sx1262 {
	return &sx1262{spi: spi, nss: nss, busy: busy, dio1: dio1, nrst: nrst, clk: clk}
}

func (c *sx1262) waitBusy() {
	for c.busy.Read() == High {
		c.clk.DelayMicroseconds(10)
	}
}

// transfer asserts NSS, waits for BUSY to clear, shifts cmd out (and
// whatever comes back in resp, if resp is non-nil and sized), then
// deasserts NSS. HAL-reported SPI failures are returned unchanged; the
// driver's retry wrapper treats any of them as retryable and reports an
// error that is not a HardwareError as code -1 when it crashes.
func (c *sx1262) transfer(cmd []byte, resp []byte) error {
	c.waitBusy()
	if err := c.nss.Out(Low); err != nil {
		return err
	}
	defer c.nss.Out(High)

	if resp == nil {
		return c.spi.Tx(cmd, make([]byte, len(cmd)))
	}
	if len(resp) < len(cmd) {
		resp = make([]byte, len(cmd))
	}
	return c.spi.Tx(cmd, resp)
}

func (c *sx1262) Begin(cfg RadioConfig) error {
	c.cfg = cfg

	if err := c.nrst.Out(Low); err != nil {
		return err
	}
	c.clk.DelayMilliseconds(2)
	if err := c.nrst.Out(High); err != nil {
		return err
	}
	c.clk.DelayMilliseconds(10)

	if err := c.transfer([]byte{cmdSetStandby, 0x00}, nil); err != nil {
		return err
	}
	if err := c.transfer([]byte{cmdSetRegulatorMode, 0x01}, nil); err != nil {
		return err
	}
	if err := c.setPacketType(); err != nil {
		return err
	}
	if err := c.setModulationParams(cfg); err != nil {
		return err
	}
	if err := c.setFrequency(cfg.FreqMHz); err != nil {
		return err
	}
	return c.SetOutputPowerOptimized(int8(cfg.RegulatorTargetDBm), cfg.PADuty, cfg.HPMax)
}

func (c *sx1262) setPacketType() error {
	return c.transfer([]byte{cmdSetPacketType, 0x01}, nil) // 0x01 = LoRa
}

func (c *sx1262) setModulationParams(cfg RadioConfig) error {
	bw := bandwidthCode(cfg.BandwidthKHz)
	return c.transfer([]byte{
		cmdSetModulationParams,
		cfg.SpreadingFactor,
		bw,
		cfg.CodingRateDenom - 4, // CR 4/5..4/8 encode as 0x01..0x04
		0x00,
	}, nil)
}

func bandwidthCode(khz float64) byte {
	switch {
	case khz <= 125.0:
		return 0x04
	case khz <= 250.0:
		return 0x05
	default:
		return 0x06
	}
}

func (c *sx1262) setFrequency(mhz float64) error {
	steps := uint32(mhz * (1 << 25) / 32.0)
	return c.transfer([]byte{
		cmdSetRfFrequency,
		byte(steps >> 24), byte(steps >> 16), byte(steps >> 8), byte(steps),
	}, nil)
}

// SetOutputPowerOptimized mirrors SX1262_Ext.cpp's sequencing: configure PA
// (deviceSel=0 fixed to the HP PA, paLut=1) before TX params, bypassing the
// library's own default-PA override.
func (c *sx1262) SetOutputPowerOptimized(dBm int8, paDuty, hpMax uint8) error {
	if dBm < -9 || dBm > 22 {
		return fmt.Errorf("lora: target power %d dBm out of SX1262 range", dBm)
	}
	if err := c.transfer([]byte{cmdSetPaConfig, paDuty, hpMax, 0x00, 0x01}, nil); err != nil {
		return err
	}
	rampUs200 := byte(0x04)
	return c.transfer([]byte{cmdSetTxParams, byte(dBm), rampUs200}, nil)
}

func (c *sx1262) GetIrqFlagsSafe() (uint16, HardwareError) {
	resp := make([]byte, 4)
	if err := c.transfer([]byte{cmdGetIrqStatus, 0x00, 0x00, 0x00}, resp); err != nil {
		return 0, hardwareErrorFromTransfer
	}
	return uint16(resp[2])<<8 | uint16(resp[3]), 0
}

func (c *sx1262) ClearIrqFlags(mask uint16) error {
	return c.transfer([]byte{cmdClearIrqStatus, byte(mask >> 8), byte(mask)}, nil)
}

func (c *sx1262) SetCurrentLimit(mA float32) error {
	raw := byte(mA / 2.5)
	return c.transfer([]byte{cmdWriteRegister, 0x08, 0xE7, raw}, nil)
}

func (c *sx1262) SetDio2AsRfSwitch(enable bool) error {
	v := byte(0x00)
	if enable {
		v = 0x01
	}
	return c.transfer([]byte{cmdSetDio2AsRfSwitchCtl, v}, nil)
}

func (c *sx1262) SetDio1Action(handler func()) error {
	if err := c.transfer([]byte{
		cmdSetDioIrqParams,
		0xFF, 0xFF,
		0xFF, 0xFF,
		0x00, 0x00,
		0x00, 0x00,
	}, nil); err != nil {
		return err
	}
	return c.dio1.Watch(RisingEdge, handler)
}

func (c *sx1262) StartReceive() error {
	return c.transfer([]byte{cmdSetRx, 0xFF, 0xFF, 0xFF}, nil) // continuous RX
}

func (c *sx1262) StartTransmit(data []byte) error {
	if err := c.transfer([]byte{cmdSetBufferBaseAddr, 0x00, 0x00}, nil); err != nil {
		return err
	}
	payload := append([]byte{cmdWriteBuffer, 0x00}, data...)
	if err := c.transfer(payload, nil); err != nil {
		return err
	}
	if err := c.transfer([]byte{
		cmdSetPacketParams,
		byte(len(c.preambleBytes()) >> 8), byte(len(c.preambleBytes())),
		0x00, byte(len(data)), 0x01, 0x00,
	}, nil); err != nil {
		return err
	}
	return c.transfer([]byte{cmdSetTx, 0x00, 0x00, 0x00}, nil)
}

func (c *sx1262) preambleBytes() []byte {
	return make([]byte, c.cfg.PreambleLength)
}

func (c *sx1262) ScanChannel() (cadResult, error) {
	if err := c.transfer([]byte{cmdSetCadParams, 0x03, c.cfg.SpreadingFactor + 13, 10, 0x00, 0x00, 0x00, 0x00, 0x00}, nil); err != nil {
		return cadError, err
	}
	irq, status := c.GetIrqFlagsSafe()
	if status != 0 {
		return cadError, status
	}
	if err := c.ClearIrqFlags(IrqCadDone | IrqCadDetected); err != nil {
		return cadError, err
	}
	if irq&IrqCadDetected != 0 {
		return cadChannelBusy, nil
	}
	return cadChannelFree, nil
}

func (c *sx1262) ReadData(buf []byte) (int, error) {
	status := make([]byte, 4)
	if err := c.transfer([]byte{cmdGetRxBufferStatus, 0x00, 0x00, 0x00}, status); err != nil {
		return 0, err
	}
	n := int(status[2])
	offset := status[3]
	if n > len(buf) {
		n = len(buf)
	}
	req := append([]byte{cmdReadBuffer, offset, 0x00}, make([]byte, n)...)
	resp := make([]byte, len(req))
	if err := c.transfer(req, resp); err != nil {
		return 0, err
	}
	copy(buf, resp[3:3+n])
	return n, nil
}

func (c *sx1262) GetPacketLength() (int, error) {
	status := make([]byte, 4)
	if err := c.transfer([]byte{cmdGetRxBufferStatus, 0x00, 0x00, 0x00}, status); err != nil {
		return 0, err
	}
	return int(status[2]), nil
}

func (c *sx1262) GetRSSI() (float32, error) {
	resp := make([]byte, 3)
	if err := c.transfer([]byte{cmdGetRssiInst, 0x00, 0x00}, resp); err != nil {
		return 0, err
	}
	return float32(resp[2]) / -2.0, nil
}

func (c *sx1262) GetSNR() (float32, error) {
	resp := make([]byte, 5)
	if err := c.transfer([]byte{cmdGetPacketStatus, 0x00, 0x00, 0x00, 0x00}, resp); err != nil {
		return 0, err
	}
	return float32(int8(resp[3])) / 4.0, nil
}

// GetTimeOnAir estimates the time-on-air, in microseconds, of a packetLen-byte
// packet at the configured SF/BW/CR, matching radio.getTimeOnAir(maxLoraPacketSize) in
// the original source (called once at protocol init to size the ack
// timer).
func (c *sx1262) GetTimeOnAir(packetLen int) uint32 {
	sf := float64(c.cfg.SpreadingFactor)
	bw := c.cfg.BandwidthKHz * 1000.0
	symbolUs := float64(uint32(1)<<c.cfg.SpreadingFactor) / bw * 1e6

	preambleUs := (float64(c.cfg.PreambleLength) + 4.25) * symbolUs

	crDenom := float64(c.cfg.CodingRateDenom)
	payloadSymbNb := 8.0 + maxFloat(
		(8*float64(packetLen)-4*sf+28+16)/(4*sf)*crDenom,
		0,
	)
	payloadUs := payloadSymbNb * symbolUs

	return uint32(preambleUs + payloadUs)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// hardwareErrorFromTransfer is the sentinel reported when a SPI transfer
// itself fails; the HAL does not distinguish SPI failure modes, so this is
// the single negative code the chip layer can report for one.
const hardwareErrorFromTransfer HardwareError = -1
