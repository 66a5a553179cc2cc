package tensor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
)

const (
	magic      = "DCRF"
	version    = 1
	headerSize = 32
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Write encodes t to w with the requested codec.
func Write(w io.Writer, t *Tensor, codec Codec) error {
	if err := t.Validate(); err != nil {
		return err
	}
	raw := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	payload, used, err := compress(raw, codec)
	if err != nil {
		return err
	}

	var hdr [headerSize]byte
	copy(hdr[0:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:], version)
	hdr[6] = byte(used)
	hdr[7] = byte(t.Kind)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(t.W))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(t.H))
	binary.LittleEndian.PutUint32(hdr[16:], uint32(t.K))
	binary.LittleEndian.PutUint64(hdr[20:], uint64(len(payload)))
	binary.LittleEndian.PutUint32(hdr[28:], checksum(raw))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// Read decodes one tensor from r and verifies its checksum.
func Read(r io.Reader) (*Tensor, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrFormat, err)
	}
	if string(hdr[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, hdr[0:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, v)
	}
	t := &Tensor{
		W:    int(binary.LittleEndian.Uint32(hdr[8:])),
		H:    int(binary.LittleEndian.Uint32(hdr[12:])),
		K:    int(binary.LittleEndian.Uint32(hdr[16:])),
		Kind: Kind(hdr[7]),
	}
	if err := t.checkDims(); err != nil {
		return nil, err
	}
	codec := Codec(hdr[6])
	rawLen := 4 * t.W * t.H * t.K
	payloadLen := binary.LittleEndian.Uint64(hdr[20:])
	if payloadLen > uint64(rawLen) {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds raw size %d", ErrFormat, payloadLen, rawLen)
	}
	want := binary.LittleEndian.Uint32(hdr[28:])

	payload, err := readPayload(r, payloadLen)
	if err != nil {
		return nil, err
	}
	raw, err := decompress(payload, codec, rawLen)
	if err != nil {
		return nil, err
	}
	if got := checksum(raw); got != want {
		return nil, fmt.Errorf("%w: got %08x, want %08x", ErrChecksum, got, want)
	}

	t.Data = make([]float32, t.W*t.H*t.K)
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return t, nil
}

// readPayload reads exactly n bytes. The buffer grows with the bytes actually
// read, so a corrupt length alone cannot force a large allocation.
func readPayload(r io.Reader, n uint64) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(r, int64(n)))
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrFormat, err)
	}
	if uint64(len(payload)) != n {
		return nil, fmt.Errorf("%w: payload: %d of %d bytes: %w", ErrFormat, len(payload), n, io.ErrUnexpectedEOF)
	}
	return payload, nil
}

// WriteFile writes t to path, replacing any existing file.
func WriteFile(path string, t *Tensor, codec Codec) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := Write(bw, t, codec); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a tensor from path.
func ReadFile(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}
