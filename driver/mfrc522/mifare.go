package mfrc522

import (
	"encoding/binary"
	"errors"
)

// Key is a MIFARE Crypto1 sector key.
type Key [6]byte

// DefaultKey is the transport key all sectors carry at chip delivery
// from the factory.
var DefaultKey = Key{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// AuthKind selects which of a sector's two keys to authenticate with.
type AuthKind uint8

const (
	KeyA AuthKind = piccCmdMFAuthKeyA
	KeyB AuthKind = piccCmdMFAuthKeyB
)

// Authenticate executes the MFAuthent command, establishing an
// encrypted Crypto1 session for the sector containing blockAddr. The
// session stays active until StopCrypto1 is called or the card leaves
// the field; all reads and writes of the sector must happen inside it.
func (d *Device) Authenticate(kind AuthKind, blockAddr uint8, key Key, uid *UID) error {
	var send [12]byte
	send[0] = uint8(kind)
	send[1] = blockAddr
	copy(send[2:8], key[:])
	// The last 4 UID bytes, per AN10927 section 3.2.5 "MIFARE Classic
	// Authentication".
	copy(send[8:], uid.Bytes[uid.Size-4:uid.Size])

	// MFAuthent signals completion with the idle interrupt only.
	_, err := d.communicate(cmdMFAuthent, bitComIrqIdle, send[:], nil, nil, 0, false)
	return err
}

// StopCrypto1 ends the encrypted session with the card. It must be
// called after communicating with an authenticated card, or no other
// card can be selected.
func (d *Device) StopCrypto1() error {
	return d.clearBits(regStatus2, bitStatus2MFCrypto1On)
}

// Read reads a 16-byte block (or, on Ultralight, four 4-byte pages)
// into buf, which must have room for the block plus the 2-byte CRC_A.
// It returns the number of bytes received, CRC included and verified.
func (d *Device) Read(blockAddr uint8, buf []byte) (int, error) {
	if len(buf) < 18 {
		return 0, ErrNoBuffer
	}
	buf[0] = piccCmdMFRead
	buf[1] = blockAddr
	crc, err := d.calculateCRC(buf[:2])
	if err != nil {
		return 0, err
	}
	buf[2], buf[3] = crc[0], crc[1]
	return d.transceive(buf[:4], buf, nil, 0, true)
}

// Write writes a 16-byte block. The sector must be authenticated.
//
// The MIFARE Classic write is a two-step exchange: the command and
// block address first, then the data, each acknowledged by the card
// with a 4-bit ACK.
func (d *Device) Write(blockAddr uint8, data []byte) error {
	if len(data) < 16 {
		return ErrInvalidArgument
	}
	if err := d.mifareTransceive([]byte{piccCmdMFWrite, blockAddr}, false); err != nil {
		return err
	}
	return d.mifareTransceive(data[:16], false)
}

// UltralightWrite writes a 4-byte page to a MIFARE Ultralight card.
func (d *Device) UltralightWrite(page uint8, data []byte) error {
	if len(data) < 4 {
		return ErrInvalidArgument
	}
	cmd := []byte{piccCmdMFULWrite, page, data[0], data[1], data[2], data[3]}
	return d.mifareTransceive(cmd, false)
}

// Increment adds delta to the addressed value block, storing the
// result in the card's transfer buffer. Use Transfer to commit it.
func (d *Device) Increment(blockAddr uint8, delta int32) error {
	return d.twoStep(piccCmdMFIncrement, blockAddr, delta)
}

// Decrement subtracts delta from the addressed value block, storing
// the result in the card's transfer buffer. Use Transfer to commit it.
func (d *Device) Decrement(blockAddr uint8, delta int32) error {
	return d.twoStep(piccCmdMFDecrement, blockAddr, delta)
}

// Restore copies the addressed value block into the card's transfer
// buffer.
func (d *Device) Restore(blockAddr uint8) error {
	// The datasheet describes Restore as a two step operation but does
	// not say what to transfer in step 2. A single step does not work,
	// so transfer 0.
	return d.twoStep(piccCmdMFRestore, blockAddr, 0)
}

// twoStep drives the two-step MIFARE Classic value operations
// Increment, Decrement and Restore.
func (d *Device) twoStep(cmd uint8, blockAddr uint8, data int32) error {
	if cmd != piccCmdMFIncrement && cmd != piccCmdMFDecrement && cmd != piccCmdMFRestore {
		// Only reachable through driver bugs, not caller misuse.
		return ErrInternal
	}

	// Step 1: the command and block address, ACKed by the card.
	if err := d.mifareTransceive([]byte{cmd, blockAddr}, false); err != nil {
		return err
	}
	// Step 2: the operand. The card deliberately does not acknowledge
	// this step; the timeout is the expected outcome.
	var operand [4]byte
	binary.LittleEndian.PutUint32(operand[:], uint32(data))
	return d.mifareTransceive(operand[:], true)
}

// Transfer commits the card's transfer buffer to the addressed block.
func (d *Device) Transfer(blockAddr uint8) error {
	return d.mifareTransceive([]byte{piccCmdMFTransfer, blockAddr}, false)
}

// GetValue reads the int32 stored in a value block.
func (d *Device) GetValue(blockAddr uint8) (int32, error) {
	var buf [18]byte
	if _, err := d.Read(blockAddr, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:4])), nil
}

// SetValue formats the block as a value block holding value.
//
// A value block stores the value three times (once inverted) and the
// block address four times (twice inverted), so the card can detect
// corruption:
//
//	v0 v1 v2 v3  ~v0 ~v1 ~v2 ~v3  v0 v1 v2 v3  addr ~addr addr ~addr
func (d *Device) SetValue(blockAddr uint8, value int32) error {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(value))
	binary.LittleEndian.PutUint32(buf[8:], uint32(value))
	for i := 0; i < 4; i++ {
		buf[4+i] = ^buf[i]
	}
	buf[12], buf[14] = blockAddr, blockAddr
	buf[13], buf[15] = ^blockAddr, ^blockAddr
	return d.Write(blockAddr, buf[:])
}

// NTAG216Auth authenticates to an NTAG216 with its 4-byte password and
// returns the 2-byte password acknowledge.
func (d *Device) NTAG216Auth(password [4]byte) ([2]byte, error) {
	var pack [2]byte
	var cmd [7]byte
	cmd[0] = 0x1B // PWD_AUTH
	copy(cmd[1:], password[:])
	crc, err := d.calculateCRC(cmd[:5])
	if err != nil {
		return pack, err
	}
	cmd[5], cmd[6] = crc[0], crc[1]

	var reply [5]byte
	validBits := uint8(0)
	n, err := d.transceive(cmd[:], reply[:], &validBits, 0, false)
	if err != nil {
		return pack, err
	}
	if n < 2 {
		return pack, ErrIO
	}
	pack[0], pack[1] = reply[0], reply[1]
	return pack, nil
}

// mifareTransceive appends a CRC_A to send, transmits it and checks
// that the card replies with the 4-bit MIFARE ACK. With acceptTimeout
// set, a timeout counts as success; the second step of the value
// operations is intentionally unacknowledged.
func (d *Device) mifareTransceive(send []byte, acceptTimeout bool) error {
	if send == nil || len(send) > 16 {
		return ErrInvalidArgument
	}
	var buf [18]byte
	copy(buf[:], send)
	crc, err := d.calculateCRC(buf[:len(send)])
	if err != nil {
		return err
	}
	buf[len(send)], buf[len(send)+1] = crc[0], crc[1]

	validBits := uint8(0)
	n, err := d.transceive(buf[:len(send)+2], buf[:], &validBits, 0, false)
	if acceptTimeout && errors.Is(err, ErrTimeout) {
		return nil
	}
	if err != nil {
		return err
	}
	// The card must reply with a 4-bit ACK.
	if n != 1 || validBits != 4 {
		return ErrIO
	}
	if buf[0] != mfACK {
		return ErrIO
	}
	return nil
}

// SetAccessBits packs the access bit groups g0..g3 (each the 3-bit
// C1 C2 C3 value, C1 the MSB) into the 3-byte access field of a sector
// trailer.
func SetAccessBits(buf []byte, g0, g1, g2, g3 uint8) {
	c1 := (g3&4)<<1 | (g2&4)<<0 | (g1&4)>>1 | (g0&4)>>2
	c2 := (g3&2)<<2 | (g2&2)<<1 | (g1&2)<<0 | (g0&2)>>1
	c3 := (g3&1)<<3 | (g2&1)<<2 | (g1&1)<<1 | (g0&1)<<0

	buf[0] = ^c2&0xF<<4 | ^c1&0xF
	buf[1] = c1<<4 | ^c3&0xF
	buf[2] = c3<<4 | c2
}

// OpenUIDBackdoor unlocks sector 0 of UID-changeable MIFARE clones.
//
// The magic sequence is:
//
//	> 50 00 57 CD (HALT + CRC)
//	> 40 (7 bits only)
//	< A (4 bits only)
//	> 43
//	< A (4 bits only)
//
// Afterwards block 0 can be written without authentication.
func (d *Device) OpenUIDBackdoor() error {
	d.HaltA()

	var response [32]byte
	validBits := uint8(7)
	n, err := d.transceive([]byte{piccCmdMFPersUIDUsage}, response[:], &validBits, 0, false)
	if err != nil {
		return err
	}
	if n != 1 || response[0] != mfACK {
		return ErrIO
	}

	validBits = 8
	n, err = d.transceive([]byte{piccCmdMFSetModType}, response[:], &validBits, 0, false)
	if err != nil {
		return err
	}
	if n != 1 || response[0] != mfACK {
		return ErrIO
	}
	return nil
}

// SetUID rewrites block 0 of a UID-changeable card with newUID,
// recomputing the BCC, and re-wakes the card. newUID is 1 to 15 bytes
// long; the BCC, the XOR of its bytes, is stored right after it.
func (d *Device) SetUID(uid *UID, newUID []byte) error {
	if len(newUID) == 0 || len(newUID) > 15 {
		return ErrInvalidArgument
	}

	// Authenticate for reading block 0.
	err := d.Authenticate(KeyA, 1, DefaultKey, uid)
	if errors.Is(err, ErrTimeout) {
		// A timeout means no card is selected yet; select one.
		if !d.IsNewCardPresent() {
			return ErrIO
		}
		selected, serr := d.ReadCardSerial()
		if serr != nil {
			return serr
		}
		*uid = *selected
		err = d.Authenticate(KeyA, 1, DefaultKey, uid)
	}
	if err != nil {
		return err
	}

	var block0 [18]byte
	if _, err := d.Read(0, block0[:]); err != nil {
		return err
	}

	// Splice in the new UID and recompute the BCC.
	bcc := uint8(0)
	for i, b := range newUID {
		block0[i] = b
		bcc ^= b
	}
	block0[len(newUID)] = bcc

	// Stop encrypted traffic so we can send raw bytes.
	if err := d.StopCrypto1(); err != nil {
		return err
	}
	if err := d.OpenUIDBackdoor(); err != nil {
		return err
	}
	if err := d.Write(0, block0[:16]); err != nil {
		return err
	}

	// Wake the card up again.
	d.WakeupA()
	return nil
}

// UnbrickUIDSector restores a sane block 0 on a UID-changeable card
// whose manufacturer block was corrupted.
func (d *Device) UnbrickUIDSector() error {
	if err := d.OpenUIDBackdoor(); err != nil {
		return err
	}
	block0 := []byte{
		0x01, 0x02, 0x03, 0x04, 0x04, 0x08, 0x04, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	return d.Write(0, block0)
}
