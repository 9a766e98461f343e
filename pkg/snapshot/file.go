package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"os"
	"path/filepath"

	"github.com/lithammer/shortuuid/v4"
)

const (
	// Magic is "VMSNAPST" read as a little endian uint64.
	Magic uint64 = 0x5453_5041_4e53_4d56

	magicLen   = 8
	versionLen = 6
	headerLen  = magicLen + versionLen
	crcLen     = 8
)

var crcTable = crc64.MakeTable(crc64.ECMA)

// Info is what can be learned about a state file from its header.
type Info struct {
	Version     Version `json:"version"`
	Size        int64   `json:"size"`
	PayloadSize int64   `json:"payload_size"`
}

// Encode serializes state in the given format: magic, version, payload and a
// CRC64 trailer over everything before it.
func Encode(state *MicrovmState, version Version) ([]byte, error) {
	payload, err := encodePayload(state, version)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, headerLen, headerLen+len(payload)+crcLen)
	binary.LittleEndian.PutUint64(buf[0:], Magic)
	binary.LittleEndian.PutUint16(buf[8:], version.Major)
	binary.LittleEndian.PutUint16(buf[10:], version.Minor)
	binary.LittleEndian.PutUint16(buf[12:], version.Patch)
	buf = append(buf, payload...)

	return binary.LittleEndian.AppendUint64(buf, crc64.Checksum(buf, crcTable)), nil
}

// Decode validates and parses a state file's content. States written in
// older formats are upgraded to the current one.
func Decode(data []byte) (*MicrovmState, Version, error) {
	if len(data) < crcLen {
		return nil, Version{}, errors.Join(ErrFileTooSmall, fmt.Errorf("%d bytes", len(data)))
	}

	body := data[:len(data)-crcLen]
	if want, got := binary.LittleEndian.Uint64(data[len(body):]), crc64.Checksum(body, crcTable); want != got {
		return nil, Version{}, errors.Join(ErrCRCMismatch, fmt.Errorf("stored %#x, computed %#x", want, got))
	}

	version, err := parseHeader(body)
	if err != nil {
		return nil, Version{}, err
	}

	state, err := decodePayload(body[headerLen:], version)
	if err != nil {
		return nil, version, err
	}

	return state, version, nil
}

func parseHeader(header []byte) (Version, error) {
	if len(header) < headerLen {
		return Version{}, errors.Join(ErrInvalidMagic, fmt.Errorf("header is %d bytes", len(header)))
	}

	if magic := binary.LittleEndian.Uint64(header); magic != Magic {
		return Version{}, errors.Join(ErrInvalidMagic, fmt.Errorf("%#x", magic))
	}

	version := Version{
		Major: binary.LittleEndian.Uint16(header[8:]),
		Minor: binary.LittleEndian.Uint16(header[10:]),
		Patch: binary.LittleEndian.Uint16(header[12:]),
	}

	if err := version.checkReadable(); err != nil {
		return version, err
	}

	return version, nil
}

func ReadFile(path string) (*MicrovmState, Version, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Version{}, errors.Join(ErrCouldNotOpenState, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, Version{}, errors.Join(ErrCouldNotReadState, err)
	}

	return Decode(data)
}

// Write atomically replaces path with state encoded in version.
func Write(path string, state *MicrovmState, version Version) error {
	data, err := Encode(state, version)
	if err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+shortuuid.New())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Join(ErrCouldNotWriteState, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)

		return errors.Join(ErrCouldNotWriteState, err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)

		return errors.Join(ErrCouldNotWriteState, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)

		return errors.Join(ErrCouldNotWriteState, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return errors.Join(ErrCouldNotRenameState, err)
	}

	return nil
}

// Describe reads only the header of the state file at path.
func Describe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, errors.Join(ErrCouldNotOpenState, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return Info{}, errors.Join(ErrCouldNotReadState, err)
	}

	if stat.Size() < crcLen {
		return Info{}, errors.Join(ErrFileTooSmall, fmt.Errorf("%d bytes", stat.Size()))
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Info{}, errors.Join(ErrInvalidMagic, err)
		}

		return Info{}, errors.Join(ErrCouldNotReadState, err)
	}

	version, err := parseHeader(header)
	if err != nil {
		return Info{Version: version, Size: stat.Size()}, err
	}

	return Info{
		Version:     version,
		Size:        stat.Size(),
		PayloadSize: stat.Size() - headerLen - crcLen,
	}, nil
}
