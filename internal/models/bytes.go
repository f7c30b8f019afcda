package models

import (
	"encoding/json"
	"fmt"
)

// ByteList is a byte slice that marshals as a JSON array of numbers rather
// than base64. Browser clients send IVs and ciphertext as plain arrays; this
// keeps the wire format byte-compatible in both directions.
type ByteList []byte

// MarshalJSON renders the slice as [1,2,3].
func (b ByteList) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	nums := make([]uint16, len(b))
	for i, v := range b {
		nums[i] = uint16(v)
	}
	return json.Marshal(nums)
}

// UnmarshalJSON accepts a JSON number array. Values outside 0-255 are
// rejected rather than truncated.
func (b *ByteList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("byte list must be a number array: %w", err)
	}
	out := make([]byte, len(nums))
	for i, v := range nums {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte list value %d at index %d out of range", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
