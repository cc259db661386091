package mfrc522

import "errors"

// UID is a card's unique identifier as assembled by Select, together
// with the Select Acknowledge byte the card replied with.
type UID struct {
	// Size is 4, 7 or 10.
	Size int
	// Bytes holds the UID; only the first Size bytes are meaningful.
	Bytes [10]byte
	// SAK is the byte returned after a successful selection.
	SAK uint8
}

// PICCType classifies a card family, derived from its SAK.
type PICCType int

const (
	TypeISO14443_4 PICCType = iota // PICC compliant with ISO/IEC 14443-4
	TypeISO18092                   // PICC compliant with ISO/IEC 18092 (NFC)
	TypeMifareMini                 // MIFARE Mini, 320 bytes
	TypeMifare1K                   // MIFARE 1KB
	TypeMifare4K                   // MIFARE 4KB
	TypeMifareUL                   // MIFARE Ultralight or Ultralight C
	TypeMifarePlus                 // MIFARE Plus
	TypeMifareDESFire              // MIFARE DESFire
	TypeTNP3xxx                    // MIFARE TNP3XXX
	TypeIncomplete                 // SAK indicates the UID is not complete
	TypeUnknown
)

// TypeFromSAK derives the card family from a SAK byte. Bit 8 is
// ignored; ISO 14443 numbers bits starting at 1, and some Infineon
// cards set it.
func TypeFromSAK(sak uint8) PICCType {
	switch sak & 0x7F {
	case 0x04:
		return TypeIncomplete
	case 0x09:
		return TypeMifareMini
	case 0x08:
		return TypeMifare1K
	case 0x18:
		return TypeMifare4K
	case 0x00:
		return TypeMifareUL
	case 0x10, 0x11:
		return TypeMifarePlus
	case 0x01:
		return TypeTNP3xxx
	case 0x20:
		return TypeISO14443_4
	case 0x40:
		return TypeISO18092
	default:
		return TypeUnknown
	}
}

func (t PICCType) String() string {
	switch t {
	case TypeISO14443_4:
		return "PICC compliant with ISO/IEC 14443-4"
	case TypeISO18092:
		return "PICC compliant with ISO/IEC 18092 (NFC)"
	case TypeMifareMini:
		return "MIFARE Mini, 320 bytes"
	case TypeMifare1K:
		return "MIFARE 1KB"
	case TypeMifare4K:
		return "MIFARE 4KB"
	case TypeMifareUL:
		return "MIFARE Ultralight or Ultralight C"
	case TypeMifarePlus:
		return "MIFARE Plus"
	case TypeMifareDESFire:
		return "MIFARE DESFire"
	case TypeTNP3xxx:
		return "MIFARE TNP3XXX"
	case TypeIncomplete:
		return "SAK indicates UID is not complete"
	default:
		return "Unknown type"
	}
}

// RequestA sends a REQA and returns the 2-byte ATQA. Only cards in the
// IDLE state answer.
func (d *Device) RequestA() ([2]byte, error) {
	return d.reqaOrWupa(piccCmdREQA)
}

// WakeupA sends a WUPA and returns the 2-byte ATQA. Cards in both the
// IDLE and HALT states answer.
func (d *Device) WakeupA() ([2]byte, error) {
	return d.reqaOrWupa(piccCmdWUPA)
}

func (d *Device) reqaOrWupa(cmd uint8) ([2]byte, error) {
	var atqa [2]byte

	// Re-enable retention of the bits received after a collision.
	if err := d.clearBits(regColl, bitCollValuesAfterColl); err != nil {
		return atqa, err
	}

	// REQA and WUPA use the short frame format: 7 transmitted bits of
	// the only byte.
	validBits := uint8(7)
	n, err := d.transceive([]byte{cmd}, atqa[:], &validBits, 0, false)
	if err != nil {
		return atqa, err
	}
	// The ATQA must be exactly 16 bits.
	if n != 2 || validBits != 0 {
		return atqa, ErrIO
	}
	return atqa, nil
}

// IsNewCardPresent reports whether a card in the IDLE state answers a
// REQA. A collision still means at least one card is present.
func (d *Device) IsNewCardPresent() bool {
	// Reset baud rates and modulation width; a previous exchange may
	// have left the card at a higher rate.
	if err := d.writeReg(regTxMode, 0x00); err != nil {
		return false
	}
	if err := d.writeReg(regRxMode, 0x00); err != nil {
		return false
	}
	if err := d.writeReg(regModWidth, 0x26); err != nil {
		return false
	}
	_, err := d.RequestA()
	return err == nil || errors.Is(err, ErrCollision)
}

// ReadCardSerial selects the card currently in the field and returns
// its UID.
func (d *Device) ReadCardSerial() (*UID, error) {
	uid := new(UID)
	if err := d.Select(uid, 0); err != nil {
		return nil, err
	}
	return uid, nil
}

// Select runs the cascaded SELECT/ANTICOLLISION procedure of ISO
// 14443-3 and fills uid with the selected card's identifier.
//
// validBits is the number of already-known leading UID bits in
// uid.Bytes, usually 0. With a non-zero count the procedure selects the
// specific card with the given partial UID, probing the remaining bits
// under collision recovery.
func (d *Device) Select(uid *UID, validBits uint8) error {
	// A UID is at most 10 bytes.
	if validBits > 80 {
		return ErrInvalidArgument
	}

	// Each cascade level exchanges a 7-byte standard frame plus 2
	// bytes of CRC_A:
	//
	//	buffer[0]    SEL: cascade level code 0x93, 0x95 or 0x97
	//	buffer[1]    NVB: number of valid bits in the whole command;
	//	             high nibble whole bytes, low nibble extra bits
	//	buffer[2..5] UID bytes; byte 2 is the Cascade Tag when the
	//	             UID continues in the next level
	//	buffer[6]    BCC: XOR of bytes 2..5
	//	buffer[7..8] CRC_A
	//
	// The BCC and CRC_A are transmitted only once all UID bits of the
	// current level are known.
	var buffer [9]byte

	// Re-enable retention of the bits received after a collision.
	if err := d.clearBits(regColl, bitCollValuesAfterColl); err != nil {
		return err
	}

	cascadeLevel := 1
	for {
		var uidIndex int
		var useCascadeTag bool
		switch cascadeLevel {
		case 1:
			buffer[0] = piccCmdSelCL1
			uidIndex = 0
			// The tag is needed when we already know the UID is
			// longer than 4 bytes.
			useCascadeTag = validBits > 0 && uid.Size > 4
		case 2:
			buffer[0] = piccCmdSelCL2
			uidIndex = 3
			useCascadeTag = validBits > 0 && uid.Size > 7
		case 3:
			buffer[0] = piccCmdSelCL3
			uidIndex = 6
			// Never used in CL3.
			useCascadeTag = false
		default:
			return ErrInternal
		}

		// Number of UID bits known in this cascade level.
		currentLevelKnownBits := int(validBits) - 8*uidIndex
		if currentLevelKnownBits < 0 {
			currentLevelKnownBits = 0
		}

		index := 2
		if useCascadeTag {
			buffer[index] = piccCascadeTag
			index++
		}
		if bytesToCopy := (currentLevelKnownBits + 7) / 8; bytesToCopy > 0 {
			// At most 4 UID bytes per level, 3 with a cascade tag.
			maxBytes := 4
			if useCascadeTag {
				maxBytes = 3
			}
			if bytesToCopy > maxBytes {
				bytesToCopy = maxBytes
			}
			copy(buffer[index:], uid.Bytes[uidIndex:uidIndex+bytesToCopy])
			index += bytesToCopy
		}
		if useCascadeTag {
			currentLevelKnownBits += 8
		}

		// Anti-collision loop: narrow the probe on every collision
		// until all UID bits plus the BCC can be transmitted and a
		// SAK received. Terminates after at most 32 iterations.
		var txLastBits uint8
		var responseStart, responseLen int
		selectDone := false
		for !selectDone {
			var bufferUsed int
			if currentLevelKnownBits >= 32 {
				// All UID bits of this level are known: SELECT.
				buffer[1] = 0x70 // NVB: seven whole bytes.
				buffer[6] = buffer[2] ^ buffer[3] ^ buffer[4] ^ buffer[5]
				crc, err := d.calculateCRC(buffer[:7])
				if err != nil {
					return err
				}
				buffer[7], buffer[8] = crc[0], crc[1]
				txLastBits = 0
				bufferUsed = 9
				// The SAK and its CRC_A land where the BCC and
				// CRC were; those are not needed after tx.
				responseStart, responseLen = 6, 3
			} else {
				// ANTICOLLISION with a fractional last byte.
				txLastBits = uint8(currentLevelKnownBits % 8)
				count := currentLevelKnownBits / 8
				index = 2 + count // whole bytes: SEL + NVB + UID
				buffer[1] = uint8(index)<<4 | txLastBits
				bufferUsed = index
				if txLastBits != 0 {
					bufferUsed++
				}
				// The response continues into the unused part
				// of the buffer.
				responseStart, responseLen = index, len(buffer)-index
			}

			// Place the first received bit where transmission
			// left off.
			rxAlign := txLastBits
			if err := d.writeReg(regBitFraming, rxAlign<<4|txLastBits); err != nil {
				return err
			}

			vb := txLastBits
			n, err := d.transceive(buffer[:bufferUsed], buffer[responseStart:responseStart+responseLen], &vb, rxAlign, false)
			switch {
			case errors.Is(err, ErrCollision):
				// More than one card in the field.
				coll, rerr := d.readReg(regColl)
				if rerr != nil {
					return rerr
				}
				if coll&bitCollPosNotValid != 0 {
					// Without a valid collision position we
					// cannot continue.
					return ErrCollision
				}
				// Values 0-31; 0 means bit 32.
				collisionPos := int(coll & maskCollPos)
				if collisionPos == 0 {
					collisionPos = 32
				}
				if collisionPos <= currentLevelKnownBits {
					// No progress - should not happen.
					return ErrInternal
				}
				// Choose the card with the colliding bit set.
				currentLevelKnownBits = collisionPos
				count := currentLevelKnownBits % 8
				checkBit := (currentLevelKnownBits - 1) % 8
				index = 1 + currentLevelKnownBits/8
				if count != 0 {
					index++
				}
				buffer[index] |= 1 << checkBit
			case err != nil:
				return err
			case currentLevelKnownBits >= 32:
				// This was a SELECT; the SAK is in.
				selectDone = true
				responseLen = n
				txLastBits = vb
			default:
				// This was an ANTICOLLISION; the full 32 bits
				// of this level are now known. Run the loop
				// again to do the SELECT.
				currentLevelKnownBits = 32
			}
		}

		// Copy the UID bytes of this level out of the frame,
		// skipping the cascade tag.
		srcIndex, bytesToCopy := 2, 4
		if buffer[2] == piccCascadeTag {
			srcIndex, bytesToCopy = 3, 3
		}
		copy(uid.Bytes[uidIndex:], buffer[srcIndex:srcIndex+bytesToCopy])

		// The SAK must be exactly 24 bits: 1 byte plus CRC_A.
		if responseLen != 3 || txLastBits != 0 {
			return ErrIO
		}
		crc, err := d.calculateCRC(buffer[responseStart : responseStart+1])
		if err != nil {
			return err
		}
		if crc[0] != buffer[responseStart+1] || crc[1] != buffer[responseStart+2] {
			return ErrIO
		}

		if buffer[responseStart]&0x04 != 0 {
			// Cascade bit set: UID not complete yet.
			cascadeLevel++
			continue
		}
		uid.SAK = buffer[responseStart]
		uid.Size = 3*cascadeLevel + 1
		return nil
	}
}

// HaltA instructs the selected card to go to the HALT state. The
// standard requires the card to stay silent for 1 ms after the command:
// a reply within the timeout window is an error, a timeout is success.
func (d *Device) HaltA() error {
	buffer := [4]byte{piccCmdHLTA, 0}
	crc, err := d.calculateCRC(buffer[:2])
	if err != nil {
		return err
	}
	buffer[2], buffer[3] = crc[0], crc[1]

	_, err = d.transceive(buffer[:], nil, nil, 0, false)
	if errors.Is(err, ErrTimeout) {
		return nil
	}
	if err == nil {
		// The card acknowledged, which the standard forbids.
		return ErrIO
	}
	return err
}
