package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestHash_Basics(t *testing.T) {
	var zero Hash
	if !zero.IsZero() || zero.String() != strings.Repeat("0", 64) {
		t.Errorf("zero hash: IsZero=%v String=%s", zero.IsZero(), zero)
	}

	h := Hash{0xab}
	h[31] = 0xcd
	if h.IsZero() {
		t.Error("non-zero hash reported zero")
	}
	if s := h.String(); s[:2] != "ab" || s[62:] != "cd" {
		t.Errorf("String() = %s", s)
	}
	if h.Short() != "ab00000000000000" {
		t.Errorf("Short() = %s", h.Short())
	}

	b := h.Bytes()
	b[0] = 0xff
	if h[0] != 0xab {
		t.Error("Bytes() aliases the hash")
	}
}

func TestHexToHash(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"valid", "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", true},
		{"zeros", strings.Repeat("0", 64), true},
		{"short", "abcd", false},
		{"long", strings.Repeat("a", 66), false},
		{"odd length", strings.Repeat("a", 63), false},
		{"not hex", strings.Repeat("g", 64), false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := HexToHash(tt.input)
			if (err == nil) != tt.ok {
				t.Fatalf("HexToHash(%q) err = %v, want ok=%v", tt.input, err, tt.ok)
			}
			if tt.ok && h.String() != tt.input {
				t.Errorf("round trip = %s", h)
			}
		})
	}
}

func TestBytesToHash(t *testing.T) {
	if _, err := BytesToHash(make([]byte, 31)); !errors.Is(err, ErrHashLength) {
		t.Errorf("31 bytes: err = %v, want ErrHashLength", err)
	}
	h, err := BytesToHash(bytes.Repeat([]byte{0x11}, HashSize))
	if err != nil {
		t.Fatalf("BytesToHash: %v", err)
	}
	if !bytes.Equal(h[:], bytes.Repeat([]byte{0x11}, HashSize)) {
		t.Errorf("BytesToHash = %s", h)
	}
}

func TestHash_Compare(t *testing.T) {
	tests := []struct {
		a, b Hash
		want int
	}{
		{Hash{0x00, 0xff}, Hash{0x01}, -1},
		{Hash{0x01}, Hash{0x00, 0xff}, 1},
		{Hash{0x07}, Hash{0x07}, 0},
	}
	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("%s.Compare(%s) = %d, want %d", tt.a.Short(), tt.b.Short(), got, tt.want)
		}
	}
}

func TestHash_JSON(t *testing.T) {
	h := Hash{0xab, 0xcd}
	data, err := json.Marshal(map[Hash]Hash{h: h})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `"` + h.String() + `"`
	if !strings.Contains(string(data), want+":"+want) {
		t.Errorf("json = %s, want hex key and value", data)
	}

	var back map[Hash]Hash
	if err := json.Unmarshal(data, &back); err != nil || back[h] != h {
		t.Errorf("round trip = %v, err %v", back, err)
	}

	var got Hash
	if err := json.Unmarshal([]byte(`""`), &got); err != nil || !got.IsZero() {
		t.Errorf(`"" = %s, err %v; want zero hash`, got, err)
	}
	if err := json.Unmarshal([]byte(`"abcd"`), &got); !errors.Is(err, ErrHashLength) {
		t.Errorf("short hex: err = %v, want ErrHashLength", err)
	}
}

func TestHexBytes_JSON(t *testing.T) {
	data, err := json.Marshal(struct{ B HexBytes }{HexBytes{0xbe, 0xef}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"B":"beef"}` {
		t.Errorf("marshal = %s", data)
	}
	var b HexBytes
	if err := json.Unmarshal([]byte(`"zz"`), &b); err == nil {
		t.Error("invalid hex should fail")
	}
	if err := json.Unmarshal([]byte(`""`), &b); err != nil || b != nil {
		t.Errorf(`"" = %v, err %v; want nil`, b, err)
	}
}
