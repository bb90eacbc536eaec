package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// Entry file layout, little endian:
//
//	magic "IMGV" | version u16 | dims u32 | dims×float32 | xxhash64(payload) u64
const (
	vecMagic   = "IMGV"
	vecVersion = 1
	vecExt     = ".vec"

	vecHeaderSize  = 4 + 2 + 4
	vecTrailerSize = 8
)

// EncodeVector writes vec in the entry file format.
func EncodeVector(w io.Writer, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("refusing to encode empty vector")
	}

	buf := make([]byte, vecHeaderSize+4*len(vec)+vecTrailerSize)
	copy(buf, vecMagic)
	binary.LittleEndian.PutUint16(buf[4:], vecVersion)
	binary.LittleEndian.PutUint32(buf[6:], uint32(len(vec)))

	payload := buf[vecHeaderSize : vecHeaderSize+4*len(vec)]
	for i, v := range vec {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint64(buf[len(buf)-vecTrailerSize:], xxhash.Sum64(payload))

	_, err := w.Write(buf)
	return err
}

// DecodeVector reads one entry, verifying magic, version, length and
// checksum. Failures wrap ErrCacheCorruption.
func DecodeVector(r io.Reader) ([]float32, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheCorruption, err)
	}

	if len(data) < vecHeaderSize+vecTrailerSize {
		return nil, fmt.Errorf("%w: truncated entry (%d bytes)", ErrCacheCorruption, len(data))
	}
	if !bytes.Equal(data[:4], []byte(vecMagic)) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCacheCorruption, data[:4])
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != vecVersion {
		return nil, fmt.Errorf("%w: unsupported entry version %d", ErrCacheCorruption, v)
	}

	dims := int(binary.LittleEndian.Uint32(data[6:]))
	if dims == 0 || len(data) != vecHeaderSize+4*dims+vecTrailerSize {
		return nil, fmt.Errorf("%w: entry size %d does not match %d dimensions", ErrCacheCorruption, len(data), dims)
	}

	payload := data[vecHeaderSize : vecHeaderSize+4*dims]
	if sum := binary.LittleEndian.Uint64(data[len(data)-vecTrailerSize:]); sum != xxhash.Sum64(payload) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCacheCorruption)
	}

	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}

	return vec, nil
}

// ReadVectorFile loads one entry file.
func ReadVectorFile(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheCorruption, err)
	}
	defer f.Close()

	return DecodeVector(f)
}

// WriteVectorFile writes an entry through a temp file and rename so readers
// never see a partial entry.
func WriteVectorFile(path string, vec []float32) error {
	return writeAtomic(path, func(w io.Writer) error {
		return EncodeVector(w, vec)
	})
}

// writeAtomic writes a file via a temp file in the same directory.
func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrIO, filepath.Base(path), err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync %s: %v", ErrIO, filepath.Base(path), err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %v", ErrIO, filepath.Base(path), err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %v", ErrIO, filepath.Base(path), err)
	}

	return nil
}
