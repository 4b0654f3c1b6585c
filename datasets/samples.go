package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Sample is one training example: the concatenated history windows for
// the signal and its metadata, an optionally resolved flow window, and
// the prediction target. All tensors except Flow are views into the
// store's buffers; the store owns the backing memory.
type Sample struct {
	XSeq    *Dense // [seq, N, C]
	MetaSeq *Dense // [seq, N, meta]
	Flow    *Dense // [seq, N, N, groups], nil without mobility data
	Target  *Dense // [N, C]
}

// WindowedData holds the full windowed tensors for every sample in the
// series, before split slicing. XSeq and MetaSeq carry the weekly, daily
// and serial windows concatenated along the window-position axis, in
// that order.
type WindowedData struct {
	Spec    WindowSpec
	XSeq    *Dense // [samples, seq, N, C]
	MetaSeq *Dense // [samples, seq, N, meta]
	Target  *Dense // [samples, N, C]
	Flow    *Dense // raw cycle [CycleLen, N, N, groups], optional
}

// BuildWindowedData applies the spec identically to the signal and the
// metadata series so their sample indices stay aligned, then joins the
// three scales into one sequence per sample. The flow cycle, when
// present, is kept raw: it is periodic and resolved lazily per sample.
func BuildWindowedData(spec WindowSpec, signal, meta, flow *Dense) (*WindowedData, error) {
	serial, daily, weekly, target, err := spec.Generate(signal)
	if err != nil {
		return nil, fmt.Errorf("windowing signal: %w", err)
	}
	mSerial, mDaily, mWeekly, _, err := spec.Generate(meta)
	if err != nil {
		return nil, fmt.Errorf("windowing metadata: %w", err)
	}
	if signal.Shape[0] != meta.Shape[0] {
		return nil, fmt.Errorf("signal has %d timesteps but metadata has %d", signal.Shape[0], meta.Shape[0])
	}

	xSeq, err := Concat(1, weekly, daily, serial)
	if err != nil {
		return nil, fmt.Errorf("concatenating signal scales: %w", err)
	}
	metaSeq, err := Concat(1, mWeekly, mDaily, mSerial)
	if err != nil {
		return nil, fmt.Errorf("concatenating metadata scales: %w", err)
	}

	if flow != nil {
		if flow.Rank() != 4 {
			return nil, fmt.Errorf("flow cycle must have shape [cycle, N, N, groups], got %v", flow.Shape)
		}
		if flow.Shape[0] != spec.CycleLen {
			return nil, fmt.Errorf("flow cycle length %d does not match spec cycle length %d", flow.Shape[0], spec.CycleLen)
		}
	}

	return &WindowedData{
		Spec:    spec,
		XSeq:    xSeq,
		MetaSeq: metaSeq,
		Target:  target,
		Flow:    flow,
	}, nil
}

// SampleStore serves one split's samples by index, in fixed order.
type SampleStore struct {
	mode    Mode
	spec    WindowSpec
	xSeq    *Dense
	metaSeq *Dense
	target  *Dense
	flow    *Dense

	// BatchSize controls Yield's batch width for the gomlx dataset
	// interface. Indexed access through Get ignores it.
	BatchSize int
	cursor    int
}

// NewSampleStore slices the windowed tensors down to one split
// according to the plan. Validate and test offsets are shifted forward
// by the preceding splits' lengths via the plan.
func NewSampleStore(wd *WindowedData, plan SplitPlan, mode Mode) (*SampleStore, error) {
	length, err := plan.ModeLen(mode)
	if err != nil {
		return nil, err
	}
	offset, err := plan.ModeOffset(mode)
	if err != nil {
		return nil, err
	}
	total := wd.XSeq.Shape[0]
	if offset < 0 || offset+length > total {
		return nil, fmt.Errorf("%s split [%d, %d) exceeds the %d windowed samples", mode, offset, offset+length, total)
	}

	xSeq, err := wd.XSeq.ViewRange(offset, offset+length)
	if err != nil {
		return nil, err
	}
	metaSeq, err := wd.MetaSeq.ViewRange(offset, offset+length)
	if err != nil {
		return nil, err
	}
	target, err := wd.Target.ViewRange(offset, offset+length)
	if err != nil {
		return nil, err
	}

	return &SampleStore{
		mode:      mode,
		spec:      wd.Spec,
		xSeq:      xSeq,
		metaSeq:   metaSeq,
		target:    target,
		flow:      wd.Flow,
		BatchSize: 32,
	}, nil
}

// NewSampleStores builds all three split stores from one windowed
// dataset.
func NewSampleStores(wd *WindowedData, plan SplitPlan) (map[Mode]*SampleStore, error) {
	stores := make(map[Mode]*SampleStore, 3)
	for _, mode := range Modes() {
		store, err := NewSampleStore(wd, plan, mode)
		if err != nil {
			return nil, err
		}
		stores[mode] = store
	}
	return stores, nil
}

// Mode returns the split this store serves.
func (s *SampleStore) Mode() Mode { return s.mode }

// Spec returns the window spec the store's samples were built with.
func (s *SampleStore) Spec() WindowSpec { return s.spec }

// Len returns the split's sample count.
func (s *SampleStore) Len() int { return s.xSeq.Shape[0] }

// HasFlow reports whether samples carry a mobility-flow window.
func (s *SampleStore) HasFlow() bool { return s.flow != nil }

// Get returns the sample at index i, 0 <= i < Len(). The flow window,
// when mobility data is present, is resolved lazily from the periodic
// cycle using the split-local sample index.
func (s *SampleStore) Get(i int) (Sample, error) {
	if i < 0 || i >= s.Len() {
		return Sample{}, fmt.Errorf("sample index %d out of range [0, %d)", i, s.Len())
	}
	xSeq, err := s.xSeq.View(i)
	if err != nil {
		return Sample{}, err
	}
	metaSeq, err := s.metaSeq.View(i)
	if err != nil {
		return Sample{}, err
	}
	target, err := s.target.View(i)
	if err != nil {
		return Sample{}, err
	}
	var flow *Dense
	if s.flow != nil {
		flow, err = s.spec.ResolveFlowWindow(s.flow, i)
		if err != nil {
			return Sample{}, fmt.Errorf("resolving flow window for sample %d: %w", i, err)
		}
	}
	return Sample{XSeq: xSeq, MetaSeq: metaSeq, Flow: flow, Target: target}, nil
}

// Yield returns the next batch as gomlx tensors, implementing the shape
// of gomlx's train.Dataset. Inputs are [x_seq, meta_seq], labels
// [target]. Samples are delivered in fixed index order; io.EOF marks the
// end of the epoch.
func (s *SampleStore) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if s.cursor >= s.Len() {
		return nil, nil, nil, io.EOF
	}
	end := s.cursor + s.BatchSize
	if end > s.Len() {
		end = s.Len()
	}
	x, err := s.xSeq.ViewRange(s.cursor, end)
	if err != nil {
		return nil, nil, nil, err
	}
	meta, err := s.metaSeq.ViewRange(s.cursor, end)
	if err != nil {
		return nil, nil, nil, err
	}
	y, err := s.target.ViewRange(s.cursor, end)
	if err != nil {
		return nil, nil, nil, err
	}
	s.cursor = end

	xT, err := x.ToGomlxTensor()
	if err != nil {
		return nil, nil, nil, err
	}
	metaT, err := meta.ToGomlxTensor()
	if err != nil {
		return nil, nil, nil, err
	}
	yT, err := y.ToGomlxTensor()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{xT, metaT}, []*tensors.Tensor{yT}, nil
}

// Restart resets the Yield cursor for a new epoch.
func (s *SampleStore) Restart() error {
	s.cursor = 0
	return nil
}
