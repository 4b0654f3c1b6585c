package datasets

import "fmt"

// WindowSpec is the single source of truth for multi-scale window
// addressing. Both the sliding window generator and the periodic flow
// resolver derive their offsets from it, so the two can never drift
// apart.
//
// For a target timestep t the three history windows are:
//
//	serial: t-SerialLen .. t-1 (contiguous)
//	daily:  t - k*CycleLen        for k = DailyLen .. 1 (same time of day)
//	weekly: t - k*CycleLen*7      for k = WeeklyLen .. 1 (same time of week)
//
// each listed in chronological order. CycleLen is the number of
// timesteps per day.
type WindowSpec struct {
	SerialLen int
	DailyLen  int
	WeeklyLen int
	CycleLen  int
}

// Validate checks the spec is usable. Scale lengths of zero are allowed
// and simply contribute no window positions.
func (w WindowSpec) Validate() error {
	if w.CycleLen <= 0 {
		return fmt.Errorf("cycle length must be positive, got %d", w.CycleLen)
	}
	if w.SerialLen < 0 || w.DailyLen < 0 || w.WeeklyLen < 0 {
		return fmt.Errorf("window lengths must be non-negative, got serial=%d daily=%d weekly=%d",
			w.SerialLen, w.DailyLen, w.WeeklyLen)
	}
	return nil
}

// StartIndex is the first timestep whose three windows are fully
// in-range. Earlier timesteps are never emitted: no padding, no
// wraparound.
func (w WindowSpec) StartIndex() int {
	start := w.SerialLen
	if d := w.DailyLen * w.CycleLen; d > start {
		start = d
	}
	if wk := w.WeeklyLen * w.CycleLen * 7; wk > start {
		start = wk
	}
	return start
}

// SeqLen is the length of the concatenated weekly|daily|serial sequence.
func (w WindowSpec) SeqLen() int {
	return w.WeeklyLen + w.DailyLen + w.SerialLen
}

// WeeklyLags lists the weekly-scale lags in chronological order
// (largest lag first).
func (w WindowSpec) WeeklyLags() []int {
	return scaleLags(w.WeeklyLen, w.CycleLen*7)
}

// DailyLags lists the daily-scale lags in chronological order.
func (w WindowSpec) DailyLags() []int {
	return scaleLags(w.DailyLen, w.CycleLen)
}

// SerialLags lists the serial-scale lags in chronological order.
func (w WindowSpec) SerialLags() []int {
	return scaleLags(w.SerialLen, 1)
}

// Lags returns the full weekly|daily|serial lag list, matching the
// window-position axis of a concatenated sample sequence.
func (w WindowSpec) Lags() []int {
	lags := make([]int, 0, w.SeqLen())
	lags = append(lags, w.WeeklyLags()...)
	lags = append(lags, w.DailyLags()...)
	lags = append(lags, w.SerialLags()...)
	return lags
}

func scaleLags(length, factor int) []int {
	lags := make([]int, 0, length)
	for k := length; k >= 1; k-- {
		lags = append(lags, k*factor)
	}
	return lags
}

// Generate slides the spec over a series of shape [time, ...] and
// returns the serial, daily and weekly windows plus the target, all
// aligned by sample index: sample i corresponds to series timestep
// i + StartIndex(). The same spec must be applied to the signal and its
// metadata channel so their sample indices stay aligned.
func (w WindowSpec) Generate(series *Dense) (serial, daily, weekly, target *Dense, err error) {
	if err := w.Validate(); err != nil {
		return nil, nil, nil, nil, err
	}
	if series.Rank() < 1 {
		return nil, nil, nil, nil, fmt.Errorf("series must have a time axis")
	}
	start := w.StartIndex()
	steps := series.Shape[0]
	if steps <= start {
		return nil, nil, nil, nil, fmt.Errorf("series has %d timesteps but windows need at least %d", steps, start+1)
	}
	samples := steps - start

	serial, err = w.gather(series, start, samples, w.SerialLags())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	daily, err = w.gather(series, start, samples, w.DailyLags())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	weekly, err = w.gather(series, start, samples, w.WeeklyLags())
	if err != nil {
		return nil, nil, nil, nil, err
	}

	block := series.stride()
	target = &Dense{
		Data:  make([]float32, samples*block),
		Shape: append([]int{samples}, series.Shape[1:]...),
	}
	copy(target.Data, series.Data[start*block:])
	return serial, daily, weekly, target, nil
}

// gather collects series[i-lag] for every sample and lag into a tensor
// of shape [samples, len(lags), ...].
func (w WindowSpec) gather(series *Dense, start, samples int, lags []int) (*Dense, error) {
	block := series.stride()
	shape := append([]int{samples, len(lags)}, series.Shape[1:]...)
	out := &Dense{Data: make([]float32, samples*len(lags)*block), Shape: shape}
	pos := 0
	for s := 0; s < samples; s++ {
		t := start + s
		for _, lag := range lags {
			src := t - lag
			copy(out.Data[pos:], series.Data[src*block:(src+1)*block])
			pos += block
		}
	}
	return out, nil
}

// ResolveFlowWindow reconstructs the multi-scale window for a periodic
// flow tensor holding exactly one cycle's worth of snapshots, shape
// [CycleLen, N, N, groups]. The flow series repeats with the cycle, so
// the calendar position of each lag is re-derived modulo the cycle
// instead of indexing the full series. The output window position axis
// matches Generate's weekly|daily|serial ordering and always has length
// SeqLen(), regardless of the sample index.
func (w WindowSpec) ResolveFlowWindow(flow *Dense, sampleIdx int) (*Dense, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if flow.Rank() < 1 || flow.Shape[0] != w.CycleLen {
		return nil, fmt.Errorf("flow cycle axis %v does not match cycle length %d", flow.Shape, w.CycleLen)
	}
	if sampleIdx < 0 {
		return nil, fmt.Errorf("sample index %d out of range", sampleIdx)
	}

	targetTime := sampleIdx + w.StartIndex()
	lags := w.Lags()
	block := flow.stride()
	shape := append([]int{len(lags)}, flow.Shape[1:]...)
	out := &Dense{Data: make([]float32, len(lags)*block), Shape: shape}
	pos := 0
	for _, lag := range lags {
		key := (targetTime - lag) % w.CycleLen
		if key < 0 {
			key += w.CycleLen
		}
		copy(out.Data[pos:], flow.Data[key*block:(key+1)*block])
		pos += block
	}
	return out, nil
}
