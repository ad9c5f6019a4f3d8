package registry

import (
	"math"
	"testing"
)

func TestNBitsToTargetMatchesDifficultyOneConstant(t *testing.T) {
	// 0x1d00ffff is Bitcoin's genesis difficulty-1 compact target.
	got := NBitsToTarget(0x1d00ffff)
	if got.Cmp(diff1Target) != 0 {
		t.Fatalf("NBitsToTarget(0x1d00ffff) = %x, want %x", got, diff1Target)
	}
}

func TestNBitsToTargetNegativeBitIsZero(t *testing.T) {
	got := NBitsToTarget(0x01800000)
	if got.Sign() != 0 {
		t.Fatalf("expected zero target for a negative-bit nbits, got %x", got)
	}
}

func TestDifficultyToTargetRoundTrip(t *testing.T) {
	cases := []float64{1, 2, 4, 100, 65536, 0.5}

	for _, diff := range cases {
		target := DifficultyToTarget(diff)
		back := TargetToDifficulty(target)
		if math.Abs(back-diff)/diff > 0.01 {
			t.Fatalf("difficulty %.4f round-tripped to %.4f through target %x", diff, back, target)
		}
	}
}

func TestDifficultyToTargetNonPositiveTreatedAsOne(t *testing.T) {
	zero := DifficultyToTarget(0)
	one := DifficultyToTarget(1)
	if zero.Cmp(one) != 0 {
		t.Fatalf("DifficultyToTarget(0) should behave like difficulty 1")
	}

	negative := DifficultyToTarget(-5)
	if negative.Cmp(one) != 0 {
		t.Fatalf("DifficultyToTarget(-5) should behave like difficulty 1")
	}
}

func TestTargetToDifficultyNonPositiveIsZero(t *testing.T) {
	if d := TargetToDifficulty(nil); d != 0 {
		t.Fatalf("TargetToDifficulty(nil) = %v, want 0", d)
	}
}

func TestDifficultyToTargetMonotonicallyDecreasing(t *testing.T) {
	low := DifficultyToTarget(1)
	high := DifficultyToTarget(1000)
	if high.Cmp(low) >= 0 {
		t.Fatal("higher difficulty must produce a smaller target")
	}
}
