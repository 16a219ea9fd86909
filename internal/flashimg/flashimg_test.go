package flashimg

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/bigbag/papyrix-stub/internal/protocol"
)

func newTestImage(t *testing.T, size uint32) *Image {
	t.Helper()
	im := New()
	if st := im.SetParams(0, size, 1<<16, 4096, 256, 0xFFFF); st != 0 {
		t.Fatalf("SetParams = %d, want 0", st)
	}
	return im
}

func TestSetParams_SizesImage(t *testing.T) {
	im := newTestImage(t, 1<<20)
	if len(im.Bytes()) != 1<<20 {
		t.Errorf("image size = %d, want %d", len(im.Bytes()), 1<<20)
	}
	for _, b := range im.Bytes()[:64] {
		if b != 0xFF {
			t.Fatal("fresh image not erased")
		}
	}
	if st := im.SetParams(0, 0, 0, 0, 0, 0); st == 0 {
		t.Error("nonsensical geometry accepted")
	}
}

func TestEraseChip(t *testing.T) {
	im := newTestImage(t, 4096)
	copy(im.Bytes(), []byte{1, 2, 3})

	if st := im.EraseChip(); st != protocol.StatusOK {
		t.Fatalf("EraseChip = %v", st)
	}
	for i, b := range im.Bytes() {
		if b != 0xFF {
			t.Fatalf("byte %d = 0x%02X after chip erase", i, b)
		}
	}
}

func TestEraseRegion(t *testing.T) {
	im := newTestImage(t, 1<<16)
	for i := range im.Bytes() {
		im.Bytes()[i] = 0xAA
	}

	if st := im.EraseRegion(0x1000, 0x1000); st != protocol.StatusOK {
		t.Fatalf("EraseRegion = %v", st)
	}
	if im.Bytes()[0x0FFF] != 0xAA || im.Bytes()[0x2000] != 0xAA {
		t.Error("erase touched bytes outside the region")
	}
	for i := 0x1000; i < 0x2000; i++ {
		if im.Bytes()[i] != 0xFF {
			t.Fatalf("byte 0x%X not erased", i)
		}
	}
}

func TestEraseRegion_Misaligned(t *testing.T) {
	im := newTestImage(t, 1<<16)
	if st := im.EraseRegion(0x1001, 0x1000); st != protocol.StatusBadBlocksize {
		t.Errorf("misaligned addr: %v, want bad block size", st)
	}
	if st := im.EraseRegion(0x1000, 0x0FFF); st != protocol.StatusBadBlocksize {
		t.Errorf("misaligned length: %v, want bad block size", st)
	}
	if st := im.EraseRegion(0, 1<<17); st != protocol.StatusFailedSPIOp {
		t.Errorf("out of bounds: %v, want SPI operation failed", st)
	}
}

func TestWriteSession_RoundTrip(t *testing.T) {
	im := newTestImage(t, 1<<16)

	payload := bytes.Repeat([]byte{0x5A, 0xA5}, 512)
	if st := im.BeginWrite(uint32(len(payload)), 0x1000); st != protocol.StatusOK {
		t.Fatalf("BeginWrite = %v", st)
	}
	if !im.InWriteMode() {
		t.Fatal("not in write mode after begin")
	}
	im.WriteBlock(payload[:512])
	im.WriteBlock(payload[512:])
	if st := im.EndWrite(); st != protocol.StatusOK {
		t.Fatalf("EndWrite = %v", st)
	}
	if im.InWriteMode() {
		t.Error("still in write mode after end")
	}
	if !bytes.Equal(im.Bytes()[0x1000:0x1000+len(payload)], payload) {
		t.Error("written data does not match")
	}
}

func TestWriteSession_NotEnoughData(t *testing.T) {
	im := newTestImage(t, 1<<16)
	im.BeginWrite(1024, 0)
	im.WriteBlock(make([]byte, 512))
	if st := im.EndWrite(); st != protocol.StatusNotEnoughData {
		t.Errorf("EndWrite = %v, want not enough data", st)
	}
}

func TestWriteSession_TooMuchData(t *testing.T) {
	im := newTestImage(t, 1<<16)
	im.BeginWrite(256, 0)
	im.WriteBlock(make([]byte, 512))
	if st := im.LastError(); st != protocol.StatusTooMuchData {
		t.Errorf("LastError = %v, want too much data", st)
	}
}

func TestBeginWrite_ExceedsCapacity(t *testing.T) {
	im := newTestImage(t, 4096)
	if st := im.BeginWrite(8192, 0); st != protocol.StatusTooMuchData {
		t.Errorf("BeginWrite = %v, want too much data", st)
	}
	if im.InWriteMode() {
		t.Error("write mode entered despite rejection")
	}
}

func TestEndWrite_OutsideSession(t *testing.T) {
	im := newTestImage(t, 4096)
	if st := im.EndWrite(); st != protocol.StatusNotInFlashMode {
		t.Errorf("EndWrite = %v, want not in flash mode", st)
	}
}

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	zw.Close()
	return buf.Bytes()
}

func TestDeflWriteSession_RoundTrip(t *testing.T) {
	im := newTestImage(t, 1<<16)

	payload := bytes.Repeat([]byte("papyrix"), 300)
	compressed := deflate(t, payload)

	st := im.BeginDeflWrite(uint32(len(payload)), uint32(len(compressed)), 0x2000)
	if st != protocol.StatusOK {
		t.Fatalf("BeginDeflWrite = %v", st)
	}
	// Feed in two chunks to exercise stream accumulation.
	half := len(compressed) / 2
	im.WriteDeflBlock(compressed[:half])
	im.WriteDeflBlock(compressed[half:])
	if st := im.EndWrite(); st != protocol.StatusOK {
		t.Fatalf("EndWrite = %v", st)
	}
	if !bytes.Equal(im.Bytes()[0x2000:0x2000+len(payload)], payload) {
		t.Error("inflated data does not match")
	}
}

func TestDeflWriteSession_CorruptStream(t *testing.T) {
	im := newTestImage(t, 1<<16)
	compressed := deflate(t, []byte("hello"))
	compressed[1] ^= 0xFF

	im.BeginDeflWrite(5, uint32(len(compressed)), 0)
	im.WriteDeflBlock(compressed)
	if st := im.EndWrite(); st != protocol.StatusInflateError {
		t.Errorf("EndWrite = %v, want inflate error", st)
	}
}

func TestDeflWriteSession_SizeMismatch(t *testing.T) {
	im := newTestImage(t, 1<<16)
	compressed := deflate(t, []byte("hello"))

	im.BeginDeflWrite(99, uint32(len(compressed)), 0)
	im.WriteDeflBlock(compressed)
	if st := im.EndWrite(); st != protocol.StatusNotEnoughData {
		t.Errorf("EndWrite = %v, want not enough data", st)
	}
}

func TestMD5(t *testing.T) {
	im := newTestImage(t, 1<<16)
	copy(im.Bytes()[0x100:], []byte("some flash content"))

	digest, st := im.MD5(0x100, 18)
	if st != protocol.StatusOK {
		t.Fatalf("MD5 = %v", st)
	}
	want := md5.Sum(im.Bytes()[0x100 : 0x100+18])
	if digest != want {
		t.Errorf("digest = %x, want %x", digest, want)
	}

	if _, st := im.MD5(0, 1<<20); st != protocol.StatusFailedSPIOp {
		t.Errorf("out-of-bounds MD5 = %v, want SPI operation failed", st)
	}
}

func TestRead_StreamsWithAckWindow(t *testing.T) {
	im := newTestImage(t, 1<<16)
	for i := range im.Bytes() {
		im.Bytes()[i] = byte(i)
	}

	var frames [][]byte
	send := func(frame []byte) error {
		frames = append(frames, append([]byte(nil), frame...))
		return nil
	}
	recv := func() ([]byte, bool) {
		// Acknowledge everything streamed so far, like the host does.
		// The digest frame is only sent after the last ack, so every
		// frame seen here is data.
		var received int
		for _, f := range frames {
			received += len(f)
		}
		ack := make([]byte, 4)
		binary.LittleEndian.PutUint32(ack, uint32(received))
		return ack, true
	}
	im.SetLink(send, recv)

	const offset, length, blockSize = 0x400, 1024, 256
	if st := im.Read(offset, length, blockSize, 2*blockSize); st != protocol.StatusOK {
		t.Fatalf("Read = %v", st)
	}

	// Last frame is the MD5 of the streamed bytes; the rest carry data.
	if len(frames) < 2 {
		t.Fatalf("got %d frames, want data frames plus digest", len(frames))
	}
	var streamed []byte
	for _, f := range frames[:len(frames)-1] {
		if len(f) > blockSize {
			t.Errorf("data frame of %d bytes exceeds block size", len(f))
		}
		streamed = append(streamed, f...)
	}
	if !bytes.Equal(streamed, im.Bytes()[offset:offset+length]) {
		t.Error("streamed data does not match image region")
	}
	want := md5.Sum(im.Bytes()[offset : offset+length])
	if !bytes.Equal(frames[len(frames)-1], want[:]) {
		t.Errorf("digest frame = %x, want %x", frames[len(frames)-1], want)
	}
}

func TestRead_NoLink(t *testing.T) {
	im := newTestImage(t, 4096)
	if st := im.Read(0, 256, 64, 64); st != protocol.StatusFailedSPIOp {
		t.Errorf("Read without link = %v, want SPI operation failed", st)
	}
}

func TestRead_LinkLost(t *testing.T) {
	im := newTestImage(t, 4096)
	im.SetLink(
		func([]byte) error { return nil },
		func() ([]byte, bool) { return nil, false },
	)
	if st := im.Read(0, 256, 64, 64); st != protocol.StatusFailedSPIOp {
		t.Errorf("Read with dead link = %v, want SPI operation failed", st)
	}
}

func TestLoadSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flash.bin")
	content := []byte("firmware bytes")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	im := newTestImage(t, 4096)
	if err := im.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(im.Bytes()[:len(content)], content) {
		t.Error("loaded content mismatch")
	}

	out := filepath.Join(dir, "out.bin")
	if err := im.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}
	saved, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(saved, im.Bytes()) {
		t.Error("saved content mismatch")
	}
}

func TestProgressCallback(t *testing.T) {
	im := newTestImage(t, 1<<16)
	var calls [][2]int
	im.SetProgress(func(current, total int) {
		calls = append(calls, [2]int{current, total})
	})

	im.BeginWrite(512, 0)
	im.WriteBlock(make([]byte, 256))
	im.WriteBlock(make([]byte, 256))

	if len(calls) != 2 {
		t.Fatalf("progress calls = %d, want 2", len(calls))
	}
	if calls[0] != [2]int{256, 512} || calls[1] != [2]int{512, 512} {
		t.Errorf("progress = %v", calls)
	}
}
