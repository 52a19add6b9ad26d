package giop

import (
	"encoding/binary"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/auriga-os/nucleus/corba"
)

// Code set ids from the OSF registry, as carried in TAG_CODE_SETS
const (
	CodeSetISO8859_1 uint32 = 0x00010001
	CodeSetUTF8      uint32 = 0x05010001
	CodeSetUTF16     uint32 = 0x00010109
)

// CodeSets pairs the narrow and wide code sets negotiated with a peer
type CodeSets struct {
	Char  uint32
	WChar uint32
}

// DefaultCodeSets returns the converters the runtime advertises
func DefaultCodeSets() CodeSets {
	return CodeSets{Char: CodeSetUTF8, WChar: CodeSetUTF16}
}

// WCharConverter converts between Go strings and the wide code set bound
// to a stream's GIOP minor version and peer.
type WCharConverter interface {
	Encode(s string, order binary.ByteOrder) []byte
	Decode(b []byte, order binary.ByteOrder) (string, error)
}

// UTF16Converter is the default wide converter
type UTF16Converter struct{}

// Encode converts s to UTF-16 code units in the given byte order
func (UTF16Converter) Encode(s string, order binary.ByteOrder) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, cu := range units {
		order.PutUint16(out[i*2:], cu)
	}
	return out
}

// Decode converts UTF-16 bytes in the given byte order to a string
func (UTF16Converter) Decode(b []byte, order binary.ByteOrder) (string, error) {
	if len(b)%2 != 0 {
		return "", corba.MARSHAL(corba.MinorFewerBytesThanNeeded, corba.CompletionStatusNo)
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = order.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// CharConverter converts narrow strings. The runtime carries UTF-8
// internally, so the default converter is a validator.
type CharConverter interface {
	Check(s string) error
}

// UTF8Converter is the default narrow converter
type UTF8Converter struct{}

// Check validates that s is well-formed UTF-8
func (UTF8Converter) Check(s string) error {
	if !utf8.ValidString(s) {
		return dataConversion()
	}
	return nil
}

// dataConversion is raised when a string cannot be represented in the
// negotiated code set.
func dataConversion() *corba.SystemException {
	return corba.NewSystemException("DATA_CONVERSION", 0, corba.CompletionStatusNo)
}
