// Package mfrc522 implements a driver for the NXP MFRC522 contactless
// reader IC connected over SPI.
//
// The MFRC522 talks ISO/IEC 14443 Type A on 13.56 MHz and handles the
// low-level framing, CRC coprocessing and timeouts in hardware. The
// driver drives the chip's command register synchronously: every card
// exchange stages bytes through the 64-byte FIFO and polls the interrupt
// request register for completion.
//
// Datasheet: https://www.nxp.com/docs/en/data-sheet/MFRC522.pdf
package mfrc522

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// Bus is the SPI connection to the chip. spi.Conn implements it.
type Bus interface {
	Tx(w, r []byte) error
}

// FIFOSize is the size of the chip's FIFO buffer.
const FIFOSize = 64

// Error kinds reported by the driver. Use errors.Is to test for them.
var (
	// ErrInvalidArgument reports caller-side misuse, such as a
	// too-small buffer or too many known UID bits.
	ErrInvalidArgument = errors.New("mfrc522: invalid argument")
	// ErrNoBuffer reports a caller buffer too small for the card's reply.
	ErrNoBuffer = errors.New("mfrc522: buffer too small for reply")
	// ErrIO reports a protocol-level violation by the card: parity or
	// CRC failure, an unexpected frame length, or a NAK instead of an ACK.
	ErrIO = errors.New("mfrc522: protocol error")
	// ErrCollision reports a bit collision during anti-collision. The
	// SELECT loop recovers from it by narrowing the next query.
	ErrCollision = errors.New("mfrc522: collision")
	// ErrTimeout reports that neither a completion nor an error
	// interrupt fired within the programmed window.
	ErrTimeout = errors.New("mfrc522: timeout")
	// ErrInternal reports an invariant violation that a caller cannot
	// cause.
	ErrInternal = errors.New("mfrc522: internal error")
)

// Device is a handle to an MFRC522. It is not safe for concurrent use;
// the caller must serialize access.
type Device struct {
	bus Bus
	rst gpio.PinIO

	scratch [FIFOSize + 2]byte
}

// Opts configures optional device connections.
type Opts struct {
	// Reset is the chip's NRSTPD line, if wired. When present, New
	// performs a hard reset if the chip is found powered down.
	Reset gpio.PinIO
}

// Open connects to the chip on the named SPI port (the first available
// port if empty) and initializes it.
func Open(port string, opts Opts) (*Device, error) {
	p, err := spireg.Open(port)
	if err != nil {
		return nil, fmt.Errorf("mfrc522: %w", err)
	}
	c, err := p.Connect(5*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("mfrc522: %w", err)
	}
	return New(c, opts)
}

// New initializes the chip behind bus and leaves it ready for card
// exchanges: timer programmed for a 25 ms communication timeout, 100%
// ASK modulation, CRC preset 0x6363 and the antenna on.
func New(bus Bus, opts Opts) (*Device, error) {
	d := &Device{
		bus: bus,
		rst: opts.Reset,
	}

	hardReset := false
	if d.rst != nil {
		if err := d.rst.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("mfrc522: reset pin: %w", err)
		}
		if d.rst.Read() == gpio.Low {
			// The chip is in power down mode. Exiting it triggers
			// a hard reset.
			if err := d.rst.Out(gpio.Low); err != nil {
				return nil, fmt.Errorf("mfrc522: reset pin: %w", err)
			}
			// Datasheet 8.8.1 asks for 100 ns; be generous.
			time.Sleep(2 * time.Microsecond)
			if err := d.rst.Out(gpio.High); err != nil {
				return nil, fmt.Errorf("mfrc522: reset pin: %w", err)
			}
			// Datasheet 8.8.2: oscillator start-up time is the
			// crystal start-up time plus 37.74 us. Be generous.
			time.Sleep(50 * time.Millisecond)
			hardReset = true
		}
	}
	if !hardReset {
		if err := d.Reset(); err != nil {
			return nil, err
		}
	}

	// Reset baud rates and modulation width.
	if err := d.writeReg(regTxMode, 0x00); err != nil {
		return nil, err
	}
	if err := d.writeReg(regRxMode, 0x00); err != nil {
		return nil, err
	}
	if err := d.writeReg(regModWidth, 0x26); err != nil {
		return nil, err
	}

	// Program the communication timeout. f_timer = 13.56 MHz /
	// (2*TPreScaler+1); TPreScaler = 0x0A9 = 169 gives a 25 us timer
	// period, the 0x3E8 = 1000 reload a 25 ms timeout. TAuto starts
	// the timer automatically at the end of every transmission.
	if err := d.writeReg(regTMode, 0x80); err != nil {
		return nil, err
	}
	if err := d.writeReg(regTPrescaler, 0xA9); err != nil {
		return nil, err
	}
	if err := d.writeReg(regTReloadMSB, 0x03); err != nil {
		return nil, err
	}
	if err := d.writeReg(regTReloadLSB, 0xE8); err != nil {
		return nil, err
	}

	// Force 100% ASK modulation regardless of the ModGsP setting.
	if err := d.writeReg(regTxASK, 0x40); err != nil {
		return nil, err
	}
	// CRC coprocessor preset 0x6363 (ISO 14443-3 part 6.2.4).
	if err := d.writeReg(regMode, 0x3D); err != nil {
		return nil, err
	}
	if err := d.AntennaOn(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reset performs a soft reset and waits for the chip to come back up.
func (d *Device) Reset() error {
	if err := d.writeReg(regCommand, cmdSoftReset); err != nil {
		return err
	}
	// The chip may have been in soft power-down mode, in which case
	// the reset completes only after the oscillator start-up time.
	for count := 0; count < 3; count++ {
		time.Sleep(50 * time.Millisecond)
		v, err := d.readReg(regCommand)
		if err != nil {
			return err
		}
		if v&bitCommandPowerDown == 0 {
			break
		}
	}
	return nil
}

// AntennaOn enables the antenna driver pins TX1 and TX2. They are
// disabled by a reset.
func (d *Device) AntennaOn() error {
	v, err := d.readReg(regTxControl)
	if err != nil {
		return err
	}
	const mask = bitTxControlTx1RFEn | bitTxControlTx2RFEn
	if v&mask != mask {
		return d.writeReg(regTxControl, v|mask)
	}
	return nil
}

// AntennaOff disables the antenna driver pins.
func (d *Device) AntennaOff() error {
	return d.clearBits(regTxControl, bitTxControlTx1RFEn|bitTxControlTx2RFEn)
}

// RxGain is the receiver's antenna gain. The register encodes eight
// 3-bit levels; two pairs of encodings map to the same gain.
type RxGain uint8

const (
	Gain18dB    RxGain = 0x00 // 18 dB, minimum
	Gain23dB    RxGain = 0x01 // 23 dB
	Gain18dBAlt RxGain = 0x02 // 18 dB, alternate encoding
	Gain23dBAlt RxGain = 0x03 // 23 dB, alternate encoding
	Gain33dB    RxGain = 0x04 // 33 dB, typical default
	Gain38dB    RxGain = 0x05 // 38 dB
	Gain43dB    RxGain = 0x06 // 43 dB
	Gain48dB    RxGain = 0x07 // 48 dB, maximum

	GainMin = Gain18dB
	GainAvg = Gain33dB
	GainMax = Gain48dB
)

// Gain reads the current receiver gain.
func (d *Device) Gain() (RxGain, error) {
	v, err := d.readReg(regRFCfg)
	if err != nil {
		return 0, err
	}
	return RxGain(v&maskRFCfgRxGain) >> 4, nil
}

// SetGain sets the receiver gain.
func (d *Device) SetGain(g RxGain) error {
	cur, err := d.Gain()
	if err != nil || cur == g {
		return err
	}
	// RFCfgReg uses reserved bits; only touch the gain field.
	if err := d.clearBits(regRFCfg, maskRFCfgRxGain); err != nil {
		return err
	}
	return d.setBits(regRFCfg, uint8(g)<<4&maskRFCfgRxGain)
}

// SoftPowerDown puts the chip into soft power-down mode. Only the
// serial interface remains active.
func (d *Device) SoftPowerDown() error {
	v, err := d.readReg(regCommand)
	if err != nil {
		return err
	}
	return d.writeReg(regCommand, v|bitCommandPowerDown)
}

// SoftPowerUp wakes the chip from soft power-down mode and waits up to
// 500 ms for the wake-up procedure to finish.
func (d *Device) SoftPowerUp() error {
	v, err := d.readReg(regCommand)
	if err != nil {
		return err
	}
	if err := d.writeReg(regCommand, v&^uint8(bitCommandPowerDown)); err != nil {
		return err
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for !time.Now().After(deadline) {
		v, err := d.readReg(regCommand)
		if err != nil {
			return err
		}
		if v&bitCommandPowerDown == 0 {
			break
		}
	}
	return nil
}

// Version reads the chip's version register.
func (d *Device) Version() (uint8, error) {
	return d.readReg(regVersion)
}

// calculateCRC runs the CRC coprocessor over data and returns the
// CRC_A, LSB first.
func (d *Device) calculateCRC(data []byte) ([2]byte, error) {
	var crc [2]byte
	// Stop any active command, clear the CRC interrupt, flush the FIFO.
	if err := d.writeReg(regCommand, cmdIdle); err != nil {
		return crc, err
	}
	if err := d.writeReg(regDivIrq, bitDivIrqCRC); err != nil {
		return crc, err
	}
	if err := d.writeReg(regFIFOLevel, bitFIFOLevelFlush); err != nil {
		return crc, err
	}
	if err := d.writeRegs(regFIFOData, data); err != nil {
		return crc, err
	}
	if err := d.writeReg(regCommand, cmdCalcCRC); err != nil {
		return crc, err
	}

	// 5000 * 18 us sums up to 90 ms.
	for i := 5000; i > 0; i-- {
		time.Sleep(18 * time.Microsecond)
		n, err := d.readReg(regDivIrq)
		if err != nil {
			return crc, err
		}
		if n&bitDivIrqCRC == 0 {
			continue
		}
		// Stop calculating CRC for new content in the FIFO.
		if err := d.writeReg(regCommand, cmdIdle); err != nil {
			return crc, err
		}
		lsb, err := d.readReg(regCRCResultLSB)
		if err != nil {
			return crc, err
		}
		msb, err := d.readReg(regCRCResultMSB)
		if err != nil {
			return crc, err
		}
		crc[0], crc[1] = lsb, msb
		return crc, nil
	}
	// Communication with the chip might be down.
	return crc, ErrTimeout
}

// transceive sends send to the card and receives the reply into back,
// waiting on the receive and idle interrupts.
func (d *Device) transceive(send, back []byte, validBits *uint8, rxAlign uint8, checkCRC bool) (int, error) {
	const waitIrq = bitComIrqRx | bitComIrqIdle
	return d.communicate(cmdTransceive, waitIrq, send, back, validBits, rxAlign, checkCRC)
}

// communicate executes a chip command that moves bytes to and from a
// card and waits for its completion.
//
// waitIrq is the set of interrupt bits that signal success. If back is
// non-nil the card's reply is copied into it and its length returned.
// validBits, if non-nil, holds the number of valid bits in the last
// byte of send (0 meaning 8) and is updated to the count of valid bits
// in the last received byte. rxAlign is the bit position in back[0] for
// the first received bit; the bits below it are preserved. If checkCRC
// is set the reply's trailing CRC_A is verified.
func (d *Device) communicate(cmd uint8, waitIrq uint8, send, back []byte, validBits *uint8, rxAlign uint8, checkCRC bool) (int, error) {
	var txLastBits uint8
	if validBits != nil {
		txLastBits = *validBits
	}
	// RxAlign = BitFramingReg[6..4], TxLastBits = BitFramingReg[2..0].
	bitFraming := rxAlign<<4 | txLastBits

	// Stop any active command, clear all seven interrupt request bits,
	// flush the FIFO.
	if err := d.writeReg(regCommand, cmdIdle); err != nil {
		return 0, err
	}
	const allIrqs = bitComIrqTimer | bitComIrqErr | bitComIrqLoAlert |
		bitComIrqHiAlert | bitComIrqIdle | bitComIrqRx | bitComIrqTx
	if err := d.writeReg(regComIrq, allIrqs); err != nil {
		return 0, err
	}
	if err := d.writeReg(regFIFOLevel, bitFIFOLevelFlush); err != nil {
		return 0, err
	}
	if err := d.writeRegs(regFIFOData, send); err != nil {
		return 0, err
	}
	if err := d.writeReg(regBitFraming, bitFraming); err != nil {
		return 0, err
	}
	if err := d.writeReg(regCommand, cmd); err != nil {
		return 0, err
	}
	if cmd == cmdTransceive {
		// StartSend=1, transmission of data starts.
		if err := d.setBits(regBitFraming, bitBitFramingStartSend); err != nil {
			return 0, err
		}
	}

	// Wait for the command to complete. Init set the TAuto flag, so the
	// 25 ms timer starts automatically when the chip stops transmitting.
	// 2000 * 18 us sums up to 36 ms.
	completed := false
	for i := 2000; i > 0; i-- {
		time.Sleep(18 * time.Microsecond)
		n, err := d.readReg(regComIrq)
		if err != nil {
			return 0, err
		}
		if n&waitIrq != 0 {
			completed = true
			break
		}
		if n&bitComIrqTimer != 0 {
			// Nothing received in 25 ms.
			return 0, ErrTimeout
		}
	}
	if !completed {
		// Communication with the chip might be down.
		return 0, ErrTimeout
	}

	errReg, err := d.readReg(regError)
	if err != nil {
		return 0, err
	}
	// Stop now on any error except collisions.
	if errReg&(bitErrorBufferOvfl|bitErrorParity|bitErrorProtocol) != 0 {
		return 0, ErrIO
	}

	var n int
	var rxLastBits uint8
	if back != nil {
		level, err := d.readReg(regFIFOLevel)
		if err != nil {
			return 0, err
		}
		if int(level) > len(back) {
			return 0, ErrNoBuffer
		}
		n = int(level)
		if err := d.readRegs(regFIFOData, back[:n], rxAlign); err != nil {
			return 0, err
		}
		// RxLastBits[2:0] is the number of valid bits in the last
		// received byte; 0 means the whole byte is valid.
		ctrl, err := d.readReg(regControl)
		if err != nil {
			return 0, err
		}
		rxLastBits = ctrl & maskControlRxLastBits
		if validBits != nil {
			*validBits = rxLastBits
		}
	}

	if errReg&bitErrorColl != 0 {
		return n, ErrCollision
	}

	if back != nil && checkCRC {
		// A MIFARE Classic NAK is not OK here.
		if n == 1 && rxLastBits == 4 {
			return n, ErrIO
		}
		// We need at least the CRC_A value, and all 8 bits of the
		// last byte must have been received.
		if n < 2 || rxLastBits != 0 {
			return n, ErrIO
		}
		crc, err := d.calculateCRC(back[:n-2])
		if err != nil {
			return n, err
		}
		if back[n-2] != crc[0] || back[n-1] != crc[1] {
			return n, ErrIO
		}
	}
	return n, nil
}

// writeReg writes a single byte to a register.
func (d *Device) writeReg(reg uint8, value uint8) error {
	d.scratch[0] = reg << 1 & 0x7E
	d.scratch[1] = value
	if err := d.bus.Tx(d.scratch[:2], nil); err != nil {
		return fmt.Errorf("mfrc522: %w", err)
	}
	return nil
}

// writeRegs writes values to a register in a single bus transaction.
func (d *Device) writeRegs(reg uint8, values []byte) error {
	// MSB clear for writing, LSB unused. (Datasheet 8.1.2.3)
	tx := append(d.scratch[:0], reg<<1&0x7E)
	tx = append(tx, values...)
	if err := d.bus.Tx(tx, nil); err != nil {
		return fmt.Errorf("mfrc522: %w", err)
	}
	return nil
}

// readReg reads a single register.
func (d *Device) readReg(reg uint8) (uint8, error) {
	d.scratch[0] = reg<<1&0x7E | 0x80
	d.scratch[1] = 0
	rx := d.scratch[len(d.scratch)-2:]
	if err := d.bus.Tx(d.scratch[:2], rx); err != nil {
		return 0, fmt.Errorf("mfrc522: %w", err)
	}
	return rx[1], nil
}

// readRegs reads len(values) bytes from a register. The address byte is
// resent on every cycle; the final cycle sends 0x00 to stop the read.
// If rxAlign is non-zero, only bit positions rxAlign..7 of values[0]
// are updated.
func (d *Device) readRegs(reg uint8, values []byte, rxAlign uint8) error {
	count := len(values)
	if count == 0 {
		return nil
	}
	addr := reg<<1&0x7E | 0x80
	tx := d.scratch[:count+1]
	for i := 0; i < count; i++ {
		tx[i] = addr
	}
	tx[count] = 0x00
	rx := make([]byte, count+1)
	if err := d.bus.Tx(tx, rx); err != nil {
		return fmt.Errorf("mfrc522: %w", err)
	}
	if rxAlign > 0 {
		mask := uint8(0xFF) << rxAlign
		values[0] = values[0]&^mask | rx[1]&mask
		copy(values[1:], rx[2:])
	} else {
		copy(values, rx[1:])
	}
	return nil
}

// setBits sets the mask bits in reg.
func (d *Device) setBits(reg uint8, mask uint8) error {
	v, err := d.readReg(reg)
	if err != nil {
		return err
	}
	return d.writeReg(reg, v|mask)
}

// clearBits clears the mask bits in reg.
func (d *Device) clearBits(reg uint8, mask uint8) error {
	v, err := d.readReg(reg)
	if err != nil {
		return err
	}
	return d.writeReg(reg, v&^mask)
}
