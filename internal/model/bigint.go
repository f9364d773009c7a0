package model

import "math/big"

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// IntOrZero returns v, or a fresh zero when v is nil.
func IntOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// EqualInt compares two amounts treating nil as zero.
func EqualInt(a, b *big.Int) bool {
	return IntOrZero(a).Cmp(IntOrZero(b)) == 0
}

// IntString formats an amount, rendering nil as "0".
func IntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
