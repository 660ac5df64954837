package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"

	"github.com/S1riyS/jffs2-server/internal/models"
)

// direntHeaderSize is the fixed part of a directory record:
// ino (8) + offset (8) + reclen (2) + type (1) + namlen (2).
const direntHeaderSize = 8 + 8 + 2 + 1 + 2

// DirentSize is the length of the record EncodeDirent produces for name.
func DirentSize(name string) int {
	return direntHeaderSize + len(name)
}

// EncodeDirent encodes a directory record. Offset is the cursor of the
// entry following this one.
func EncodeDirent(dirent *models.Dirent) ([]byte, error) {
	if len(dirent.Name) > 0xffff {
		return nil, fmt.Errorf("name of %d bytes is too long", len(dirent.Name))
	}

	buf := new(bytes.Buffer)
	buf.Grow(DirentSize(dirent.Name))

	// ino (uint64, 8 bytes)
	if err := binary.Write(buf, binary.LittleEndian, uint64(dirent.Ino)); err != nil {
		return nil, fmt.Errorf("failed to encode ino: %w", err)
	}

	// offset of the next entry (int64, 8 bytes)
	if err := binary.Write(buf, binary.LittleEndian, dirent.Offset); err != nil {
		return nil, fmt.Errorf("failed to encode offset: %w", err)
	}

	// reclen (uint16, 2 bytes)
	if err := binary.Write(buf, binary.LittleEndian, uint16(DirentSize(dirent.Name))); err != nil {
		return nil, fmt.Errorf("failed to encode reclen: %w", err)
	}

	// type (uint8, 1 byte)
	if err := buf.WriteByte(uint8(dirent.Type)); err != nil {
		return nil, fmt.Errorf("failed to encode type: %w", err)
	}

	// namlen (uint16, 2 bytes), then the name without terminator
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(dirent.Name))); err != nil {
		return nil, fmt.Errorf("failed to encode namlen: %w", err)
	}
	if _, err := buf.WriteString(dirent.Name); err != nil {
		return nil, fmt.Errorf("failed to encode name: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeDirents parses the records of a readdir buffer.
func DecodeDirents(data []byte) ([]models.Dirent, error) {
	var dirents []models.Dirent

	r := bytes.NewReader(data)
	for r.Len() > 0 {
		var hdr struct {
			Ino    uint64
			Offset int64
			Reclen uint16
			Type   uint8
			Namlen uint16
		}
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return nil, fmt.Errorf("failed to decode dirent header: %w", err)
		}
		if int(hdr.Reclen) != direntHeaderSize+int(hdr.Namlen) {
			return nil, fmt.Errorf("dirent reclen %d does not match name length %d", hdr.Reclen, hdr.Namlen)
		}

		name := make([]byte, hdr.Namlen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("failed to decode dirent name: %w", err)
		}

		dirents = append(dirents, models.Dirent{
			Name:   string(name),
			Ino:    uint32(hdr.Ino),
			Type:   models.ObjectType(hdr.Type),
			Offset: hdr.Offset,
		})
	}

	return dirents, nil
}

// EncodeOid encodes port then id, both uint32.
func EncodeOid(oid models.Oid) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, oid); err != nil {
		return nil, fmt.Errorf("failed to encode oid: %w", err)
	}
	return buf.Bytes(), nil
}

func WriteResponse(w http.ResponseWriter, code int64, data []byte) error {
	response := new(bytes.Buffer)

	// Return code (int64, 8 bytes)
	if err := binary.Write(response, binary.LittleEndian, code); err != nil {
		return fmt.Errorf("failed to write response code: %w", err)
	}

	if data != nil {
		if _, err := response.Write(data); err != nil {
			return fmt.Errorf("failed to write response data: %w", err)
		}
	}

	body := response.Bytes()

	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	_, err := w.Write(body)
	return err
}
