package models

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestByteListRoundTrip(t *testing.T) {
	in := ByteList{0, 1, 127, 255}

	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(raw) != "[0,1,127,255]" {
		t.Errorf("marshal = %s, want number array", raw)
	}

	var out ByteList
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Errorf("round-trip = %v, want %v", out, in)
	}
}

func TestByteListRejectsOutOfRange(t *testing.T) {
	testCases := []struct {
		name string
		in   string
	}{
		{"too large", "[256]"},
		{"negative", "[-1]"},
		{"not an array", `"AAECAw=="`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out ByteList
			if err := json.Unmarshal([]byte(tc.in), &out); err == nil {
				t.Errorf("expected error for %s", tc.in)
			}
		})
	}
}

func TestChunkValidate(t *testing.T) {
	valid := Chunk{
		ContentID:   "c",
		ChunkIndex:  0,
		TotalChunks: 2,
		IV:          make(ByteList, 12),
	}

	if err := valid.Validate(); err != nil {
		t.Errorf("valid chunk rejected: %v", err)
	}

	testCases := []struct {
		name   string
		mutate func(*Chunk)
	}{
		{"missing content id", func(c *Chunk) { c.ContentID = "" }},
		{"index out of range", func(c *Chunk) { c.ChunkIndex = 2 }},
		{"negative index", func(c *Chunk) { c.ChunkIndex = -1 }},
		{"zero total", func(c *Chunk) { c.TotalChunks = 0 }},
		{"bad iv length", func(c *Chunk) { c.IV = make(ByteList, 8) }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	t.Run("16 byte iv accepted", func(t *testing.T) {
		c := valid
		c.IV = make(ByteList, 16)
		if err := c.Validate(); err != nil {
			t.Errorf("16-byte IV rejected: %v", err)
		}
	})
}
