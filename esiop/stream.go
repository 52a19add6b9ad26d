package esiop

import (
	"encoding/binary"

	"github.com/auriga-os/nucleus/corba"
)

// StreamBlockSize is the payload capacity of one stream block
const StreamBlockSize = 4096

// blockHeaderSize precedes every block payload: the next-block pointer and
// the payload size with the segment flag in the top bit.
const blockHeaderSize = 16

const segmentFlag uint64 = 1 << 63

// StreamOutSM writes a GIOP message into a peer's address space as a
// singly-linked list of blocks whose head pointer is the stream header.
// Buffers above the virtual-copy threshold transfer as their own segment
// block instead of being copied through the staging buffer. Fully
// transferred local staging is dropped promptly to bound the working set.
type StreamOutSM struct {
	other OtherDomain

	cur []byte

	head      SharedPtr
	prev      SharedPtr
	allocated []SharedPtr
	total     uint64
}

// NewStreamOutSM creates a stream writing through the peer helper
func NewStreamOutSM(other OtherDomain) *StreamOutSM {
	return &StreamOutSM{other: other}
}

// Write appends data to the stream
func (s *StreamOutSM) Write(data []byte) error {
	if len(data) > VirtualCopyThreshold && len(data)%8 == 0 {
		// Virtual copy: the buffer becomes a segment appended to the
		// stream, transferred by pointer rather than through staging.
		if err := s.flush(); err != nil {
			return err
		}
		return s.emit(data, true)
	}
	for len(data) > 0 {
		room := StreamBlockSize - len(s.cur)
		if room == 0 {
			if err := s.flush(); err != nil {
				return err
			}
			room = StreamBlockSize
		}
		if room > len(data) {
			room = len(data)
		}
		s.cur = append(s.cur, data[:room]...)
		data = data[room:]
	}
	return nil
}

// flush transfers the staging buffer as one block
func (s *StreamOutSM) flush() error {
	if len(s.cur) == 0 {
		return nil
	}
	err := s.emit(s.cur, false)
	s.cur = nil // purge the local copy once transferred
	return err
}

// emit allocates a peer block, fills it and links it onto the chain
func (s *StreamOutSM) emit(payload []byte, segment bool) error {
	ptr, err := s.other.Allocate(uint64(blockHeaderSize + len(payload)))
	if err != nil {
		s.abandon()
		return corba.MARSHAL(0, corba.CompletionStatusNo)
	}
	s.allocated = append(s.allocated, ptr)

	var hdr [blockHeaderSize]byte
	size := uint64(len(payload))
	if segment {
		size |= segmentFlag
	}
	binary.LittleEndian.PutUint64(hdr[8:], size)
	if err := s.other.Copy(ptr, 0, hdr[:]); err != nil {
		s.abandon()
		return corba.MARSHAL(0, corba.CompletionStatusNo)
	}
	if err := s.other.Copy(ptr, blockHeaderSize, payload); err != nil {
		s.abandon()
		return corba.MARSHAL(0, corba.CompletionStatusNo)
	}

	if s.head == 0 {
		s.head = ptr
	} else {
		var next [8]byte
		binary.LittleEndian.PutUint64(next[:], uint64(s.other.TranslatePointer(ptr)))
		if err := s.other.Copy(s.prev, 0, next[:]); err != nil {
			s.abandon()
			return corba.MARSHAL(0, corba.CompletionStatusNo)
		}
	}
	s.prev = ptr
	s.total += uint64(len(payload))
	return nil
}

// abandon releases every peer block allocated so far
func (s *StreamOutSM) abandon() {
	for _, ptr := range s.allocated {
		s.other.Release(ptr)
	}
	s.allocated = nil
	s.head = 0
}

// Close flushes the staging buffer and returns the stream header pointer
// and the logical message length.
func (s *StreamOutSM) Close() (SharedPtr, uint64, error) {
	if err := s.flush(); err != nil {
		return 0, 0, err
	}
	if s.head == 0 {
		// Empty stream still needs a header block.
		if err := s.emit(nil, false); err != nil {
			return 0, 0, err
		}
	}
	return s.other.TranslatePointer(s.head), s.total, nil
}

// ReadStream walks a block chain in the local address space, concatenates
// the payloads and releases the blocks.
func ReadStream(space *AddressSpace, head SharedPtr) ([]byte, error) {
	var out []byte
	ptr := head
	for ptr != 0 {
		block, err := space.Read(ptr)
		if err != nil {
			return nil, corba.MARSHAL(corba.MinorFewerBytesThanNeeded, corba.CompletionStatusNo)
		}
		if len(block) < blockHeaderSize {
			return nil, corba.MARSHAL(corba.MinorFewerBytesThanNeeded, corba.CompletionStatusNo)
		}
		next := SharedPtr(binary.LittleEndian.Uint64(block[:8]))
		size := binary.LittleEndian.Uint64(block[8:16]) &^ segmentFlag
		if blockHeaderSize+size > uint64(len(block)) {
			return nil, corba.MARSHAL(corba.MinorFewerBytesThanNeeded, corba.CompletionStatusNo)
		}
		out = append(out, block[blockHeaderSize:blockHeaderSize+size]...)
		space.Release(ptr)
		ptr = next
	}
	return out, nil
}
