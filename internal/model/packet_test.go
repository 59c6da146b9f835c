package model

import (
	"bytes"
	"testing"
)

func TestVariableLengthEncoding(t *testing.T) {
	t.Parallel()

	cases := []struct {
		l int
		e []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{2097151, []byte{0xFF, 0xFF, 0x7F}},
		{2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	ve := make([]byte, 0, 4)
	for _, c := range cases {
		ve = VariableLengthEncode(ve[:0], c.l)
		if !bytes.Equal(ve, c.e) {
			t.Fatal(c.l, ve)
		}
		if n := LengthToNumberOfVariableLengthBytes(c.l); n != len(c.e) {
			t.Fatal(c.l, n)
		}

		l, n, err := VariableLengthDecode(ve)
		if err != nil {
			t.Fatal(c.l, err)
		}
		if l != c.l || n != len(c.e) {
			t.Fatal(c.l, l, n)
		}
	}
}

func TestVariableLengthRoundTrip(t *testing.T) {
	t.Parallel()

	ve := make([]byte, 0, 4)
	check := func(v int) {
		ve = VariableLengthEncode(ve[:0], v)
		l, n, err := VariableLengthDecode(ve)
		if err != nil || l != v || n != len(ve) {
			t.Fatal(v, l, n, err)
		}
	}

	for v := 0; v < 1<<16; v++ {
		check(v)
	}
	for v := 1 << 16; v <= MaxRemainingLength; v += 4099 {
		check(v)
	}
	check(MaxRemainingLength)
}

func TestVariableLengthDecodeMalformed(t *testing.T) {
	t.Parallel()

	if _, _, err := VariableLengthDecode([]byte{0x80, 0x80, 0x80, 0x80, 0x01}); err != ErrMalformedLength {
		t.Fatal("5 byte length accepted")
	}
	if _, _, err := VariableLengthDecode([]byte{0x80}); err != ErrMalformedLength {
		t.Fatal("unterminated length accepted")
	}
	if _, _, err := VariableLengthDecode(nil); err != ErrMalformedLength {
		t.Fatal("empty input accepted")
	}
}

func TestVariableLengthEncodeOutOfRange(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	VariableLengthEncode(nil, MaxRemainingLength+1)
}
