package mpc

import (
	"errors"
	"math/bits"
)

// errArithmeticOverflow is returned by a circuit function and reaches the
// host through the simulator's abort path (AbortedComputation); it is not
// mapped to coreerrors.ArithmeticOverflow. The mpc package stays
// independent of coreerrors to avoid a dependency cycle with packages that
// both apply callbacks and construct circuit inputs.
var errArithmeticOverflow = errors.New("overflow")

// bitsMul64 is math/bits.Mul64, named locally so the payout formula's
// overflow-avoidance reads as a deliberate choice at the call site rather
// than a bare stdlib call lost among cipher operations.
func bitsMul64(a, b uint64) (hi, lo uint64) {
	return bits.Mul64(a, b)
}

// bitsDiv64 is math/bits.Div64; d must exceed hi, which mulDivTruncating
// checks before calling it.
func bitsDiv64(hi, lo, d uint64) (quo, rem uint64) {
	return bits.Div64(hi, lo, d)
}
