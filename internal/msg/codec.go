package msg

import (
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// Encode writes m in XDR.
func Encode(w io.Writer, m *Msg) error {
	if _, err := xdr.Marshal(w, m); err != nil {
		return fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return nil
}

func Decode(r io.Reader) (*Msg, error) {
	m := &Msg{}
	if _, err := xdr.Unmarshal(r, m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
