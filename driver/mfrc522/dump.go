package mfrc522

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DumpDetails writes the card's UID, SAK and derived type to w.
func DumpDetails(w io.Writer, uid *UID) {
	fmt.Fprintf(w, "Card UID:")
	for _, b := range uid.Bytes[:uid.Size] {
		fmt.Fprintf(w, " %02x", b)
	}
	fmt.Fprintf(w, "\nCard SAK: %02x\n", uid.SAK)
	fmt.Fprintf(w, "PICC type: %s\n", TypeFromSAK(uid.SAK))
}

// Dump writes a human-readable dump of the card's memory to w,
// choosing the layout from the card type. Classic cards are read with
// the factory default key. The card is halted afterwards.
func (d *Device) Dump(w io.Writer, uid *UID) {
	DumpDetails(w, uid)

	switch typ := TypeFromSAK(uid.SAK); typ {
	case TypeMifareMini, TypeMifare1K, TypeMifare4K:
		d.DumpClassic(w, uid, typ, DefaultKey)
	case TypeMifareUL:
		d.DumpUltralight(w)
	case TypeISO14443_4, TypeMifareDESFire, TypeISO18092, TypeMifarePlus, TypeTNP3xxx:
		fmt.Fprintln(w, "Dumping memory contents not implemented for that PICC type.")
	}
	fmt.Fprintln(w)

	// Already done if it was a MIFARE Classic card.
	d.HaltA()
}

// DumpClassic writes all sectors of a MIFARE Classic card to w,
// highest address first, authenticating each sector with key.
func (d *Device) DumpClassic(w io.Writer, uid *UID, typ PICCType, key Key) {
	var sectors int
	switch typ {
	case TypeMifareMini:
		// 5 sectors * 4 blocks * 16 bytes = 320 bytes.
		sectors = 5
	case TypeMifare1K:
		// 16 sectors * 4 blocks * 16 bytes = 1024 bytes.
		sectors = 16
	case TypeMifare4K:
		// (32 sectors * 4 blocks + 8 sectors * 16 blocks) * 16 bytes
		// = 4096 bytes.
		sectors = 40
	default:
		return
	}

	fmt.Fprintln(w, "Sector Block   0  1  2  3   4  5  6  7   8  9 10 11  12 13 14 15  AccessBits")
	for sector := sectors - 1; sector >= 0; sector-- {
		d.DumpClassicSector(w, uid, key, uint8(sector))
	}

	// Halt the card before stopping the encrypted session.
	d.HaltA()
	d.StopCrypto1()
}

// DumpClassicSector writes one sector to w, highest block first, with
// the decoded access bits of each block group.
func (d *Device) DumpClassicSector(w io.Writer, uid *UID, key Key, sector uint8) {
	// Sectors 0..31 have 4 blocks, sectors 32..39 have 16.
	var firstBlock, blocks int
	switch {
	case sector < 32:
		blocks = 4
		firstBlock = int(sector) * blocks
	case sector < 40:
		blocks = 16
		firstBlock = 128 + (int(sector)-32)*blocks
	default:
		return
	}

	// The access bits of the four block groups are stored in the
	// sector trailer as nibbles c1..c3 plus inverted copies. In g[i],
	// C1 is the MSB and C3 the LSB.
	var g [4]uint8
	invertedError := false

	isSectorTrailer := true
	for blockOffset := blocks - 1; blockOffset >= 0; blockOffset-- {
		blockAddr := uint8(firstBlock + blockOffset)

		if isSectorTrailer {
			fmt.Fprintf(w, "%4d  ", sector)
		} else {
			fmt.Fprintf(w, "      ")
		}
		fmt.Fprintf(w, " %3d  ", blockAddr)

		// Establish encrypted communications before reading the
		// first block.
		if isSectorTrailer {
			if err := d.Authenticate(KeyA, uint8(firstBlock), key, uid); err != nil {
				fmt.Fprintf(w, "authentication failed: %v\n", err)
				return
			}
		}

		var buf [18]byte
		if _, err := d.Read(blockAddr, buf[:]); err != nil {
			fmt.Fprintf(w, "read failed: %v\n", err)
			continue
		}
		for i := 0; i < 16; i++ {
			fmt.Fprintf(w, " %02x", buf[i])
			if i%4 == 3 {
				fmt.Fprintf(w, " ")
			}
		}

		if isSectorTrailer {
			c1 := buf[7] >> 4
			c2 := buf[8] & 0xF
			c3 := buf[8] >> 4
			c1i := buf[6] & 0xF
			c2i := buf[6] >> 4
			c3i := buf[7] & 0xF
			invertedError = c1 != ^c1i&0xF || c2 != ^c2i&0xF || c3 != ^c3i&0xF
			g[0] = (c1&1)<<2 | (c2&1)<<1 | (c3&1)<<0
			g[1] = (c1&2)<<1 | (c2&2)<<0 | (c3&2)>>1
			g[2] = (c1&4)<<0 | (c2&4)>>1 | (c3&4)>>2
			g[3] = (c1&8)>>1 | (c2&8)>>2 | (c3&8)>>3
			isSectorTrailer = false
		}

		// Which access group is this block in?
		var group int
		var firstInGroup bool
		if blocks == 4 {
			group = blockOffset
			firstInGroup = true
		} else {
			group = blockOffset / 5
			firstInGroup = group == 3 || group != (blockOffset+1)/5
		}

		if firstInGroup {
			fmt.Fprintf(w, " [ %d %d %d ] ", g[group]>>2&1, g[group]>>1&1, g[group]>>0&1)
			if invertedError {
				fmt.Fprintf(w, " Inverted access bits did not match! ")
			}
		}

		if group != 3 && (g[group] == 1 || g[group] == 6) {
			// Value block.
			value := int32(binary.LittleEndian.Uint32(buf[:4]))
			fmt.Fprintf(w, " Value=0x%x Addr=0x%x", uint32(value), buf[12])
		}
		fmt.Fprintln(w)
	}
}

// DumpUltralight writes the first 16 pages of a MIFARE Ultralight card
// to w. A read returns data for 4 pages at a time.
func (d *Device) DumpUltralight(w io.Writer) {
	fmt.Fprintln(w, "Page  0  1  2  3")
	for page := uint8(0); page < 16; page += 4 {
		var buf [18]byte
		if _, err := d.Read(page, buf[:]); err != nil {
			fmt.Fprintf(w, "read failed: %v\n", err)
			break
		}
		for offset := 0; offset < 4; offset++ {
			fmt.Fprintf(w, "%4d ", page+uint8(offset))
			for i := 0; i < 4; i++ {
				fmt.Fprintf(w, " %02x", buf[4*offset+i])
			}
			fmt.Fprintln(w)
		}
	}
}
