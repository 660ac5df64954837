package jffs2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeSizes(t *testing.T) {
	assert.Equal(t, uint32(72), RawInodeSize)
	assert.Equal(t, uint32(40), RawDirentSize)
}

func TestInodeNodeChecks(t *testing.T) {
	payload := []byte("payload")
	ri := &RawInode{
		Header:  Header{Magic: Magic, NodeType: NodeTypeInode, Totlen: RawInodeSize + uint32(len(payload))},
		Ino:     9,
		Version: 3,
		Mode:    S_IFREG | 0o600,
		Isize:   uint32(len(payload)),
		Csize:   uint32(len(payload)),
		Dsize:   uint32(len(payload)),
		DataCRC: crc(payload),
	}
	ri.UpdateCRCs()
	raw := marshalInode(ri, payload)

	t.Run("Valid", func(t *testing.T) {
		h, err := readHeader(raw)
		require.NoError(t, err)
		assert.Equal(t, NodeTypeInode, h.NodeType)

		got, data, err := unmarshalInode(raw)
		require.NoError(t, err)
		assert.Equal(t, ri, got)
		assert.Equal(t, payload, data)
	})

	corrupt := func(i int) []byte {
		b := append([]byte(nil), raw...)
		b[i] ^= 0x01
		return b
	}

	t.Run("BadMagic", func(t *testing.T) {
		_, err := readHeader(corrupt(0))
		assert.Error(t, err)
	})

	t.Run("TruncatedNode", func(t *testing.T) {
		_, err := readHeader(raw[:len(raw)-1])
		assert.Error(t, err)
	})

	t.Run("HeaderChecksum", func(t *testing.T) {
		_, _, err := unmarshalInode(corrupt(2))
		assert.Error(t, err)
	})

	t.Run("NodeChecksum", func(t *testing.T) {
		// Mode lives past the header.
		_, _, err := unmarshalInode(corrupt(20))
		assert.Error(t, err)
	})

	t.Run("DataChecksum", func(t *testing.T) {
		_, _, err := unmarshalInode(corrupt(len(raw) - 1))
		assert.Error(t, err)
	})
}

func TestDirentNodeChecks(t *testing.T) {
	name := "readme"
	rd := &RawDirent{
		Header:  Header{Magic: Magic, NodeType: NodeTypeDirent, Totlen: direntSpace(name)},
		Pino:    1,
		Version: 4,
		Ino:     7,
		Nsize:   uint8(len(name)),
		Type:    DT_REG,
	}
	rd.UpdateCRCs(name)
	raw := marshalDirent(rd, name)

	got, gotName, err := unmarshalDirent(raw)
	require.NoError(t, err)
	assert.Equal(t, rd, got)
	assert.Equal(t, name, gotName)

	bad := append([]byte(nil), raw...)
	bad[len(bad)-1] = 'X'
	_, _, err = unmarshalDirent(bad)
	assert.Error(t, err)
}
