package types

import "encoding/hex"

// HexBytes is a byte slice carried as a hex string in JSON. Empty text
// decodes to nil.
type HexBytes []byte

func (b HexBytes) String() string { return hex.EncodeToString(b) }

func (b HexBytes) MarshalText() ([]byte, error) {
	return hex.AppendEncode(nil, b), nil
}

func (b *HexBytes) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*b = nil
		return nil
	}
	decoded, err := hex.AppendDecode(nil, text)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}
