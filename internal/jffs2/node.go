package jffs2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	Magic = 0x1985

	NodeTypeDirent uint16 = 0xe001
	NodeTypeInode  uint16 = 0xe002
)

// Header is the part common to every node. HdrCRC covers the first
// eight bytes.
type Header struct {
	Magic    uint16
	NodeType uint16
	Totlen   uint32
	HdrCRC   uint32
}

// RawInode is the on-media inode node. A node with Dsize == 0 only carries
// metadata; a node with Compr == ComprZero describes a hole of Dsize bytes
// starting at Offset and has no payload. NodeCRC covers everything up to
// DataCRC.
type RawInode struct {
	Header
	Ino       uint32
	Version   uint32
	Mode      uint32
	UID       uint16
	GID       uint16
	Rdev      uint32
	Isize     uint32
	Atime     uint32
	Mtime     uint32
	Ctime     uint32
	Offset    uint32
	Csize     uint32
	Dsize     uint32
	Compr     uint8
	UserCompr uint8
	Flags     uint16
	DataCRC   uint32
	NodeCRC   uint32
}

// RawDirent is the on-media directory entry node, followed by Nsize bytes
// of name.
type RawDirent struct {
	Header
	Pino    uint32
	Version uint32
	Ino     uint32
	Mctime  uint32
	Nsize   uint8
	Type    uint8
	Unused  uint16
	NodeCRC uint32
	NameCRC uint32
}

var (
	RawInodeSize  = uint32(binary.Size(RawInode{}))
	RawDirentSize = uint32(binary.Size(RawDirent{}))
	headerSize    = binary.Size(Header{})
)

func crc(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

func encodeFixed(v any) []byte {
	var buf bytes.Buffer
	// Writes into a bytes.Buffer of fixed-size values cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// UpdateCRCs recomputes HdrCRC and NodeCRC from the current field values.
// DataCRC must already be set.
func (ri *RawInode) UpdateCRCs() {
	b := encodeFixed(ri)
	ri.HdrCRC = crc(b[:headerSize-4])
	b = encodeFixed(ri)
	ri.NodeCRC = crc(b[:len(b)-8])
}

func (ri *RawInode) checkCRCs() error {
	b := encodeFixed(ri)
	if got := crc(b[:headerSize-4]); got != ri.HdrCRC {
		return fmt.Errorf("inode node %d v%d: header crc %#x, want %#x", ri.Ino, ri.Version, ri.HdrCRC, got)
	}
	if got := crc(b[:len(b)-8]); got != ri.NodeCRC {
		return fmt.Errorf("inode node %d v%d: node crc %#x, want %#x", ri.Ino, ri.Version, ri.NodeCRC, got)
	}
	return nil
}

func (rd *RawDirent) UpdateCRCs(name string) {
	rd.NameCRC = crc([]byte(name))
	b := encodeFixed(rd)
	rd.HdrCRC = crc(b[:headerSize-4])
	b = encodeFixed(rd)
	rd.NodeCRC = crc(b[:len(b)-8])
}

func (rd *RawDirent) checkCRCs(name []byte) error {
	b := encodeFixed(rd)
	if got := crc(b[:headerSize-4]); got != rd.HdrCRC {
		return fmt.Errorf("dirent node v%d: header crc %#x, want %#x", rd.Version, rd.HdrCRC, got)
	}
	if got := crc(b[:len(b)-8]); got != rd.NodeCRC {
		return fmt.Errorf("dirent node v%d: node crc %#x, want %#x", rd.Version, rd.NodeCRC, got)
	}
	if got := crc(name); got != rd.NameCRC {
		return fmt.Errorf("dirent node v%d: name crc %#x, want %#x", rd.Version, rd.NameCRC, got)
	}
	return nil
}

func marshalInode(ri *RawInode, data []byte) []byte {
	b := encodeFixed(ri)
	return append(b, data...)
}

func marshalDirent(rd *RawDirent, name string) []byte {
	b := encodeFixed(rd)
	return append(b, name...)
}

func readHeader(raw []byte) (Header, error) {
	var h Header
	if len(raw) < headerSize {
		return h, fmt.Errorf("short node: %d bytes", len(raw))
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h); err != nil {
		return h, err
	}
	if h.Magic != Magic {
		return h, fmt.Errorf("bad magic %#x", h.Magic)
	}
	if int(h.Totlen) != len(raw) {
		return h, fmt.Errorf("totlen %d does not match node length %d", h.Totlen, len(raw))
	}
	return h, nil
}

// unmarshalInode decodes and verifies an inode node, returning its payload.
func unmarshalInode(raw []byte) (*RawInode, []byte, error) {
	if len(raw) < int(RawInodeSize) {
		return nil, nil, fmt.Errorf("short inode node: %d bytes", len(raw))
	}

	ri := &RawInode{}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, ri); err != nil {
		return nil, nil, err
	}
	if err := ri.checkCRCs(); err != nil {
		return nil, nil, err
	}

	data := raw[RawInodeSize:]
	if uint32(len(data)) != ri.Csize {
		return nil, nil, fmt.Errorf("inode node %d v%d: csize %d, payload %d", ri.Ino, ri.Version, ri.Csize, len(data))
	}
	if got := crc(data); got != ri.DataCRC {
		return nil, nil, fmt.Errorf("inode node %d v%d: data crc %#x, want %#x", ri.Ino, ri.Version, ri.DataCRC, got)
	}

	return ri, data, nil
}

func unmarshalDirent(raw []byte) (*RawDirent, string, error) {
	if len(raw) < int(RawDirentSize) {
		return nil, "", fmt.Errorf("short dirent node: %d bytes", len(raw))
	}

	rd := &RawDirent{}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, rd); err != nil {
		return nil, "", err
	}

	name := raw[RawDirentSize:]
	if len(name) != int(rd.Nsize) {
		return nil, "", fmt.Errorf("dirent node v%d: nsize %d, name %d", rd.Version, rd.Nsize, len(name))
	}
	if err := rd.checkCRCs(name); err != nil {
		return nil, "", err
	}

	return rd, string(name), nil
}
