package cachetype

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes the compression as its name.
func (c Compression) MarshalJSON() ([]byte, error) {
	switch c {
	case CompressionNone, CompressionZstd:
		return json.Marshal(c.String())
	default:
		return nil, fmt.Errorf("marshal compression %d: unknown", uint8(c))
	}
}

// UnmarshalJSON decodes a compression name. An unknown name is rejected: a
// reader that cannot decode a blob's compression cannot use the entry.
func (c *Compression) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "none":
		*c = CompressionNone
	case "zstd":
		*c = CompressionZstd
	default:
		return fmt.Errorf("unmarshal compression %q: unknown", s)
	}
	return nil
}
