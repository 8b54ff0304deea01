package rpc

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxFieldLen bounds length-prefixed fields read from the wire.
const MaxFieldLen = 64 << 20

var ErrFieldTooLarge = errors.New("length-prefixed field too large")

func WriteInt32(w io.Writer, v int32) {
	var bs [4]byte
	binary.LittleEndian.PutUint32(bs[:], uint32(v))
	w.Write(bs[:])
}

func ReadInt32(r io.Reader) (int32, error) {
	var bs [4]byte
	if _, err := io.ReadFull(r, bs[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(bs[:])), nil
}

func WriteBool(w io.Writer, v bool) {
	bs := []byte{0}
	if v {
		bs[0] = 1
	}
	w.Write(bs)
}

func ReadBool(r io.Reader) (bool, error) {
	var bs [1]byte
	if _, err := io.ReadFull(r, bs[:]); err != nil {
		return false, err
	}
	return bs[0] != 0, nil
}

func WriteByte(w io.Writer, v byte) {
	w.Write([]byte{v})
}

func ReadByte(r io.Reader) (byte, error) {
	var bs [1]byte
	if _, err := io.ReadFull(r, bs[:]); err != nil {
		return 0, err
	}
	return bs[0], nil
}

// WriteBytes writes a length prefix followed by the bytes. A nil slice is
// encoded with length -1 so that absent and empty values stay distinct.
func WriteBytes(w io.Writer, v []byte) {
	if v == nil {
		WriteInt32(w, -1)
		return
	}
	WriteInt32(w, int32(len(v)))
	w.Write(v)
}

func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	if n > MaxFieldLen {
		return nil, errors.Wrapf(ErrFieldTooLarge, "%d bytes", n)
	}
	bs := make([]byte, n)
	if _, err := io.ReadFull(r, bs); err != nil {
		return nil, err
	}
	return bs, nil
}

func WriteString(w io.Writer, s string) {
	WriteBytes(w, []byte(s))
}

func ReadString(r io.Reader) (string, error) {
	bs, err := ReadBytes(r)
	return string(bs), err
}
