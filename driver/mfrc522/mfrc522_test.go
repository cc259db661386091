package mfrc522

import (
	"bytes"
	"errors"
	"testing"
)

func newTestDevice(t *testing.T, card *piccSim) (*Device, *chipSim) {
	t.Helper()
	sim := newChipSim(card)
	d, err := New(sim, Opts{})
	if err != nil {
		t.Fatal(err)
	}
	return d, sim
}

func TestReadUID(t *testing.T) {
	card := newPiccSim([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x08)
	d, _ := newTestDevice(t, card)

	if !d.IsNewCardPresent() {
		t.Fatal("no card detected")
	}
	uid, err := d.ReadCardSerial()
	if err != nil {
		t.Fatal(err)
	}
	if uid.Size != 4 {
		t.Errorf("UID size = %d, want 4", uid.Size)
	}
	if want := []byte{0xDE, 0xAD, 0xBE, 0xEF}; !bytes.Equal(uid.Bytes[:4], want) {
		t.Errorf("UID = %x, want %x", uid.Bytes[:4], want)
	}
	if uid.SAK != 0x08 {
		t.Errorf("SAK = %#x, want 0x08", uid.SAK)
	}
	if typ := TypeFromSAK(uid.SAK); typ != TypeMifare1K {
		t.Errorf("type = %v, want %v", typ, TypeMifare1K)
	}
}

func TestSelectCascades(t *testing.T) {
	tests := []struct {
		uid []byte
		sak uint8
	}{
		{[]byte{0x11, 0x22, 0x33, 0x44}, 0x08},
		{[]byte{0x04, 0x5B, 0x59, 0xAA, 0x3D, 0x81, 0x90}, 0x00},
		{[]byte{0x04, 0x5B, 0x59, 0xAA, 0x3D, 0x81, 0x90, 0x01, 0x02, 0x03}, 0x20},
	}
	for _, test := range tests {
		card := newPiccSim(test.uid, test.sak)
		d, _ := newTestDevice(t, card)

		uid, err := d.ReadCardSerial()
		if err != nil {
			t.Fatalf("uid %x: %v", test.uid, err)
		}
		if uid.Size != len(test.uid) {
			t.Errorf("uid %x: size = %d, want %d", test.uid, uid.Size, len(test.uid))
		}
		if !bytes.Equal(uid.Bytes[:uid.Size], test.uid) {
			t.Errorf("uid = %x, want %x", uid.Bytes[:uid.Size], test.uid)
		}
		if uid.SAK != test.sak {
			t.Errorf("uid %x: SAK = %#x, want %#x", test.uid, uid.SAK, test.sak)
		}
	}
}

func TestSelectTooManyValidBits(t *testing.T) {
	d, _ := newTestDevice(t, newPiccSim([]byte{1, 2, 3, 4}, 0x08))
	if err := d.Select(new(UID), 81); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Select(81 bits) = %v, want ErrInvalidArgument", err)
	}
}

func TestCalculateCRC(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	// The HLTA frame 50 00 carries the well-known CRC_A 57 CD.
	crc, err := d.calculateCRC([]byte{0x50, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if crc != [2]byte{0x57, 0xCD} {
		t.Errorf("CRC_A(50 00) = %x, want 57 cd", crc)
	}
	// Deterministic: the same input reproduces the same CRC.
	again, err := d.calculateCRC([]byte{0x50, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if crc != again {
		t.Errorf("CRC_A not deterministic: %x != %x", crc, again)
	}
}

func TestAuthenticateAndRead(t *testing.T) {
	card := newPiccSim([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x08)
	want := [16]byte{0: 0xA5, 7: 0x5A, 15: 0xFF}
	card.blocks[4] = want
	d, _ := newTestDevice(t, card)

	uid, err := d.ReadCardSerial()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Authenticate(KeyA, 4, DefaultKey, uid); err != nil {
		t.Fatal(err)
	}
	var buf [18]byte
	n, err := d.Read(4, buf[:])
	if err != nil {
		t.Fatal(err)
	}
	if n != 18 {
		t.Fatalf("read %d bytes, want 18", n)
	}
	if !bytes.Equal(buf[:16], want[:]) {
		t.Errorf("block = %x, want %x", buf[:16], want)
	}
	// The trailing 2 bytes are the CRC_A of the data.
	if crc := crcA(buf[:16]); buf[16] != crc[0] || buf[17] != crc[1] {
		t.Errorf("reply CRC = %x %x, want %x", buf[16], buf[17], crc)
	}
}

func TestAuthenticateWrongKey(t *testing.T) {
	card := newPiccSim([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x08)
	card.keyA = Key{1, 2, 3, 4, 5, 6}
	d, _ := newTestDevice(t, card)

	uid, err := d.ReadCardSerial()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Authenticate(KeyA, 4, DefaultKey, uid); !errors.Is(err, ErrTimeout) {
		t.Errorf("Authenticate with wrong key = %v, want ErrTimeout", err)
	}
}

func TestWriteRead(t *testing.T) {
	card := newPiccSim([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x08)
	d, _ := newTestDevice(t, card)

	uid, err := d.ReadCardSerial()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Authenticate(KeyA, 5, DefaultKey, uid); err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte{0xC3}, 16)
	if err := d.Write(5, data); err != nil {
		t.Fatal(err)
	}
	var buf [18]byte
	if _, err := d.Read(5, buf[:]); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:16], data) {
		t.Errorf("read back %x, want %x", buf[:16], data)
	}
}

func TestValueBlock(t *testing.T) {
	card := newPiccSim([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x08)
	d, _ := newTestDevice(t, card)

	uid, err := d.ReadCardSerial()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Authenticate(KeyA, 6, DefaultKey, uid); err != nil {
		t.Fatal(err)
	}
	if err := d.SetValue(6, 100); err != nil {
		t.Fatal(err)
	}
	if v, err := d.GetValue(6); err != nil || v != 100 {
		t.Fatalf("GetValue = %d, %v, want 100", v, err)
	}

	if err := d.Increment(6, 5); err != nil {
		t.Fatal(err)
	}
	if err := d.Transfer(6); err != nil {
		t.Fatal(err)
	}
	if v, err := d.GetValue(6); err != nil || v != 105 {
		t.Fatalf("after increment: GetValue = %d, %v, want 105", v, err)
	}

	if err := d.Decrement(6, 7); err != nil {
		t.Fatal(err)
	}
	if err := d.Transfer(6); err != nil {
		t.Fatal(err)
	}
	if v, err := d.GetValue(6); err != nil || v != 98 {
		t.Fatalf("after decrement: GetValue = %d, %v, want 98", v, err)
	}

	// Restore copies the block into the transfer buffer unchanged.
	if err := d.Restore(6); err != nil {
		t.Fatal(err)
	}
	if err := d.Transfer(6); err != nil {
		t.Fatal(err)
	}
	if v, err := d.GetValue(6); err != nil || v != 98 {
		t.Fatalf("after restore: GetValue = %d, %v, want 98", v, err)
	}
}

func TestValueBlockNegative(t *testing.T) {
	card := newPiccSim([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x08)
	d, _ := newTestDevice(t, card)

	uid, err := d.ReadCardSerial()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Authenticate(KeyA, 6, DefaultKey, uid); err != nil {
		t.Fatal(err)
	}
	for _, v := range []int32{-1, -2147483648, 2147483647, 0} {
		if err := d.SetValue(6, v); err != nil {
			t.Fatal(err)
		}
		got, err := d.GetValue(6)
		if err != nil {
			t.Fatal(err)
		}
		if got != v {
			t.Errorf("GetValue = %d, want %d", got, v)
		}
	}
}

func TestUltralightWrite(t *testing.T) {
	card := newPiccSim([]byte{0x04, 0x5B, 0x59, 0xAA, 0x3D, 0x81, 0x90}, 0x00)
	d, _ := newTestDevice(t, card)

	if _, err := d.ReadCardSerial(); err != nil {
		t.Fatal(err)
	}
	if err := d.UltralightWrite(7, []byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatal(err)
	}
	var buf [18]byte
	if _, err := d.Read(4, buf[:]); err != nil {
		t.Fatal(err)
	}
	// Page 7 is the last 4 bytes of a read starting at page 4.
	if want := []byte{0xDE, 0xAD, 0xBE, 0xEF}; !bytes.Equal(buf[12:16], want) {
		t.Errorf("page 7 = %x, want %x", buf[12:16], want)
	}
}

func TestNTAG216Auth(t *testing.T) {
	card := newPiccSim([]byte{0x04, 0x5B, 0x59, 0xAA, 0x3D, 0x81, 0x90}, 0x00)
	card.password = [4]byte{0x12, 0x34, 0x56, 0x78}
	card.pack = [2]byte{0xBE, 0xEF}
	d, _ := newTestDevice(t, card)

	if _, err := d.ReadCardSerial(); err != nil {
		t.Fatal(err)
	}
	pack, err := d.NTAG216Auth([4]byte{0x12, 0x34, 0x56, 0x78})
	if err != nil {
		t.Fatal(err)
	}
	if pack != [2]byte{0xBE, 0xEF} {
		t.Errorf("PACK = %x, want be ef", pack)
	}

	if _, err := d.NTAG216Auth([4]byte{0, 0, 0, 0}); !errors.Is(err, ErrTimeout) {
		t.Errorf("wrong password: %v, want ErrTimeout", err)
	}
}

func TestHaltA(t *testing.T) {
	card := newPiccSim([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x08)
	d, _ := newTestDevice(t, card)

	if _, err := d.ReadCardSerial(); err != nil {
		t.Fatal(err)
	}
	// Silence from the card is success.
	if err := d.HaltA(); err != nil {
		t.Errorf("HaltA = %v, want nil", err)
	}
	// A halted card ignores REQA.
	if d.IsNewCardPresent() {
		t.Error("halted card still answers REQA")
	}
	// But answers WUPA.
	if _, err := d.WakeupA(); err != nil {
		t.Errorf("WakeupA = %v, want nil", err)
	}
}

func TestHaltAReplyIsError(t *testing.T) {
	card := newPiccSim([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x08)
	card.respondToHalt = true
	d, _ := newTestDevice(t, card)

	if _, err := d.ReadCardSerial(); err != nil {
		t.Fatal(err)
	}
	// A reply to HLTA is, ironically, an error.
	if err := d.HaltA(); !errors.Is(err, ErrIO) {
		t.Errorf("HaltA with reply = %v, want ErrIO", err)
	}
}

func TestSetUID(t *testing.T) {
	card := newPiccSim([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x08)
	d, _ := newTestDevice(t, card)

	uid, err := d.ReadCardSerial()
	if err != nil {
		t.Fatal(err)
	}
	newUID := []byte{0x01, 0x02, 0x03, 0x04}
	if err := d.SetUID(uid, newUID); err != nil {
		t.Fatal(err)
	}
	block0 := card.blocks[0]
	if !bytes.Equal(block0[:4], newUID) {
		t.Errorf("block 0 UID = %x, want %x", block0[:4], newUID)
	}
	if want := newUID[0] ^ newUID[1] ^ newUID[2] ^ newUID[3]; block0[4] != want {
		t.Errorf("BCC = %#x, want %#x", block0[4], want)
	}
	if !card.backdoor {
		t.Error("backdoor was not opened")
	}
}

func TestUnbrickUIDSector(t *testing.T) {
	card := newPiccSim([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x08)
	d, _ := newTestDevice(t, card)

	if _, err := d.ReadCardSerial(); err != nil {
		t.Fatal(err)
	}
	if err := d.UnbrickUIDSector(); err != nil {
		t.Fatal(err)
	}
	block0 := card.blocks[0]
	if want := []byte{0x01, 0x02, 0x03, 0x04, 0x04, 0x08, 0x04, 0x00}; !bytes.Equal(block0[:8], want) {
		t.Errorf("block 0 = %x, want %x...", block0[:8], want)
	}
}

func TestSelfTest(t *testing.T) {
	for _, version := range []uint8{0x88, 0x90, 0x91, 0x92} {
		sim := newChipSim(nil)
		sim.version = version
		d, err := New(sim, Opts{})
		if err != nil {
			t.Fatal(err)
		}
		ok, err := d.SelfTest()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("version %#x: self test failed", version)
		}
	}
}

func TestSelfTestCorrupted(t *testing.T) {
	sim := newChipSim(nil)
	sim.corruptSelfTest = true
	d, err := New(sim, Opts{})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := d.SelfTest()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("self test passed with a corrupted byte")
	}
}

func TestSelfTestUnknownVersion(t *testing.T) {
	sim := newChipSim(nil)
	sim.version = 0x12
	d, err := New(sim, Opts{})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := d.SelfTest()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("self test passed on an unknown version")
	}
}

func TestReadBufferTooSmall(t *testing.T) {
	d, _ := newTestDevice(t, newPiccSim([]byte{1, 2, 3, 4}, 0x08))
	var buf [17]byte
	if _, err := d.Read(0, buf[:]); !errors.Is(err, ErrNoBuffer) {
		t.Errorf("Read into 17 bytes = %v, want ErrNoBuffer", err)
	}
}

func TestTypeFromSAK(t *testing.T) {
	tests := []struct {
		sak  uint8
		want PICCType
	}{
		{0x04, TypeIncomplete},
		{0x09, TypeMifareMini},
		{0x08, TypeMifare1K},
		{0x88, TypeMifare1K}, // bit 8 ignored
		{0x18, TypeMifare4K},
		{0x00, TypeMifareUL},
		{0x10, TypeMifarePlus},
		{0x11, TypeMifarePlus},
		{0x01, TypeTNP3xxx},
		{0x20, TypeISO14443_4},
		{0x40, TypeISO18092},
		{0x77, TypeUnknown},
	}
	for _, test := range tests {
		if got := TypeFromSAK(test.sak); got != test.want {
			t.Errorf("TypeFromSAK(%#x) = %v, want %v", test.sak, got, test.want)
		}
	}
}

func TestDump(t *testing.T) {
	card := newPiccSim([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x08)
	d, _ := newTestDevice(t, card)

	uid, err := d.ReadCardSerial()
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	d.Dump(&buf, uid)
	out := buf.String()
	for _, want := range []string{"Card UID: de ad be ef", "Card SAK: 08", "MIFARE 1KB"} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}
