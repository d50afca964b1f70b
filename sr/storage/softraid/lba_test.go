package softraid

import (
	"errors"
	"testing"
)

func TestLBAValidation(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{name: "range_within_bounds", run: testRangeWithinBounds},
		{name: "range_last_block", run: testRangeLastBlock},
		{name: "range_out_of_bounds", run: testRangeOutOfBounds},
		{name: "range_spans_end", run: testRangeSpansEnd},
		{name: "range_alignment", run: testRangeAlignment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t)
		})
	}
}

const testVolBlocks = 1 << 20

func testRangeWithinBounds(t *testing.T) {
	if err := ValidateRange(0, BlockSize, testVolBlocks); err != nil {
		t.Errorf("blk=0 should be valid: %v", err)
	}
	if err := ValidateRange(1000, 8*BlockSize, testVolBlocks); err != nil {
		t.Errorf("blk=1000 should be valid: %v", err)
	}
}

func testRangeLastBlock(t *testing.T) {
	if err := ValidateRange(testVolBlocks-1, BlockSize, testVolBlocks); err != nil {
		t.Errorf("last block should be valid: %v", err)
	}
}

func testRangeOutOfBounds(t *testing.T) {
	err := ValidateRange(testVolBlocks, BlockSize, testVolBlocks)
	if !errors.Is(err, ErrIllegalRequest) {
		t.Errorf("one past end: expected ErrIllegalRequest, got %v", err)
	}
	err = ValidateRange(testVolBlocks+1000, BlockSize, testVolBlocks)
	if !errors.Is(err, ErrIllegalRequest) {
		t.Errorf("far past end: expected ErrIllegalRequest, got %v", err)
	}
}

func testRangeSpansEnd(t *testing.T) {
	// 2 blocks starting at the last block run past the end.
	err := ValidateRange(testVolBlocks-1, 2*BlockSize, testVolBlocks)
	if !errors.Is(err, ErrIllegalRequest) {
		t.Errorf("spanning end: expected ErrIllegalRequest, got %v", err)
	}
}

func testRangeAlignment(t *testing.T) {
	for _, length := range []int{0, 1, 500, BlockSize + 1} {
		if err := ValidateRange(0, length, testVolBlocks); !errors.Is(err, ErrIllegalRequest) {
			t.Errorf("length %d: expected ErrIllegalRequest, got %v", length, err)
		}
	}
}
