package datasets

import (
	"fmt"
	"math"
)

// NormKind identifies which normalization produced a NormState.
type NormKind int

const (
	// NormNone marks the zero state; denormalizing with it is a no-op copy
	// only when requested explicitly through Denormalize.
	NormNone NormKind = iota
	NormStandard
	NormMinMax
)

func (k NormKind) String() string {
	switch k {
	case NormNone:
		return "none"
	case NormStandard:
		return "standard"
	case NormMinMax:
		return "minmax"
	}
	return fmt.Sprintf("NormKind(%d)", int(k))
}

// NormState holds the fit statistics captured when a series is
// normalized. It is an immutable value: the caller threads it into the
// matching inverse call. Using the wrong kind is a caller error and is
// rejected rather than producing nonsensical values.
type NormState struct {
	Kind NormKind

	// Standard statistics (population mean / std over all elements).
	Mean float32
	Std  float32

	// Min-max statistics.
	Min float32
	Max float32
}

// Standardize returns (x - mean) / std together with the captured
// statistics. Mean and std are scalar, computed over every element.
func Standardize(x *Dense) (*Dense, NormState) {
	var sum float64
	for _, v := range x.Data {
		sum += float64(v)
	}
	n := float64(len(x.Data))
	mean := sum / n

	var sq float64
	for _, v := range x.Data {
		d := float64(v) - mean
		sq += d * d
	}
	std := math.Sqrt(sq / n)

	st := NormState{Kind: NormStandard, Mean: float32(mean), Std: float32(std)}
	out := x.Clone()
	for i, v := range out.Data {
		out.Data[i] = (v - st.Mean) / st.Std
	}
	return out, st
}

// Destandardize inverts Standardize using the supplied state.
func Destandardize(x *Dense, st NormState) (*Dense, error) {
	if st.Kind != NormStandard {
		return nil, fmt.Errorf("destandardize requires %v statistics, got %v", NormStandard, st.Kind)
	}
	out := x.Clone()
	for i, v := range out.Data {
		out.Data[i] = v*st.Std + st.Mean
	}
	return out, nil
}

// MinMaxNormalize maps x into [-1, 1] via 2*(x-min)/(max-min) - 1 and
// returns the captured min/max.
func MinMaxNormalize(x *Dense) (*Dense, NormState) {
	st := NormState{Kind: NormMinMax, Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}
	for _, v := range x.Data {
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
	}
	span := st.Max - st.Min
	out := x.Clone()
	for i, v := range out.Data {
		out.Data[i] = 2*(v-st.Min)/span - 1
	}
	return out, st
}

// InverseMinMax is the exact algebraic inverse of MinMaxNormalize. No
// clamping is applied: out-of-range inputs extrapolate linearly.
func InverseMinMax(x *Dense, st NormState) (*Dense, error) {
	if st.Kind != NormMinMax {
		return nil, fmt.Errorf("inverse minmax requires %v statistics, got %v", NormMinMax, st.Kind)
	}
	out := x.Clone()
	for i, v := range out.Data {
		out.Data[i] = (st.Max-st.Min)*(v+1)/2 + st.Min
	}
	return out, nil
}

// Denormalize dispatches to the inverse matching the state's kind.
// A NormNone state returns an untouched copy, for pipelines that loaded
// raw data.
func Denormalize(x *Dense, st NormState) (*Dense, error) {
	switch st.Kind {
	case NormNone:
		return x.Clone(), nil
	case NormStandard:
		return Destandardize(x, st)
	case NormMinMax:
		return InverseMinMax(x, st)
	}
	return nil, fmt.Errorf("unknown normalization kind %v", st.Kind)
}
