package train

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mobilitylab/emscast/datasets"
)

// scriptModel satisfies Trainable and Stateful with trivial mechanics so
// trainer tests can script the loss sequence. Its single state value is
// the number of train passes seen, which identifies the epoch a
// checkpoint was taken at.
type scriptModel struct {
	training   bool
	trainPass  int
	restored   []float32
	sawDynAdj  [][]*datasets.Dense
	backwardOK bool
}

func (m *scriptModel) Forward(xSeq, metaSeq *datasets.Dense, dynAdj, staAdj []*datasets.Dense) (*datasets.Dense, error) {
	m.sawDynAdj = append(m.sawDynAdj, dynAdj)
	shape := append([]int{xSeq.Shape[0]}, 1, 1)
	return datasets.NewDense(shape...)
}

func (m *scriptModel) SetTraining(on bool) {
	if on && !m.training {
		m.trainPass++
	}
	m.training = on
}

func (m *scriptModel) Backward(gradPred *datasets.Dense) error {
	m.backwardOK = true
	return nil
}

func (m *scriptModel) StateVector() []float32 { return []float32{float32(m.trainPass)} }

func (m *scriptModel) SetStateVector(state []float32) error {
	m.restored = append([]float32(nil), state...)
	return nil
}

// countingOptim fails if stepped while the model is in evaluation mode.
type countingOptim struct {
	model *scriptModel
	steps int
}

func (o *countingOptim) ZeroGrad() {}

func (o *countingOptim) Step() error {
	if !o.model.training {
		o.steps = -1
		return fmt.Errorf("optimizer stepped outside training mode")
	}
	o.steps++
	return nil
}

// scriptedCriterion returns 1.0 for train passes and pops the next
// scripted value for validate passes.
func scriptedCriterion(model *scriptModel, valLosses []float64) Criterion {
	idx := 0
	return func(pred, target *datasets.Dense) (float64, *datasets.Dense, error) {
		grad := &datasets.Dense{
			Data:  make([]float32, len(pred.Data)),
			Shape: append([]int(nil), pred.Shape...),
		}
		if model.training {
			return 1.0, grad, nil
		}
		if idx >= len(valLosses) {
			return 0, nil, fmt.Errorf("criterion script exhausted after %d validate passes", idx)
		}
		loss := valLosses[idx]
		idx++
		return loss, grad, nil
	}
}

// buildStores creates one-batch-per-split stores: 9 timesteps under a
// serial-only window leave 8 samples, split 4/2/2.
func buildStores(t *testing.T) map[datasets.Mode]*datasets.SampleStore {
	t.Helper()
	const steps = 9
	signal, err := datasets.NewDense(steps, 1, 1)
	if err != nil {
		t.Fatalf("NewDense failed: %v", err)
	}
	meta, err := datasets.NewDense(steps, 1, 1)
	if err != nil {
		t.Fatalf("NewDense failed: %v", err)
	}
	for i := range signal.Data {
		signal.Data[i] = float32(i)
	}

	spec := datasets.WindowSpec{SerialLen: 1, CycleLen: 1}
	wd, err := datasets.BuildWindowedData(spec, signal, meta, nil)
	if err != nil {
		t.Fatalf("BuildWindowedData failed: %v", err)
	}
	plan := datasets.SplitPlan{StartOffset: 0, Train: 4, Validate: 2, Test: 2}
	stores, err := datasets.NewSampleStores(wd, plan)
	if err != nil {
		t.Fatalf("NewSampleStores failed: %v", err)
	}
	return stores
}

func newTestTrainer(t *testing.T, model *scriptModel, optim Optimizer, crit Criterion, cfg Config) *Trainer {
	t.Helper()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 8
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "scripted"
	}
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = t.TempDir()
	}
	trainer, err := NewTrainer(model, crit, optim, cfg)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	trainer.SetClock(clockwork.NewFakeClockAt(time.Unix(1700000000, 0)))
	return trainer
}

func TestEarlyStoppingAndBestCheckpoint(t *testing.T) {
	// Validate losses 5, 4, 4, 6, 7, 7: epoch 3 ties the best (ties
	// count as improvement), then three consecutive non-improving epochs
	// exhaust the patience at epoch 6. The checkpoint on disk must be
	// the epoch-3 record.
	model := &scriptModel{}
	optim := &countingOptim{model: model}
	crit := scriptedCriterion(model, []float64{5, 4, 4, 6, 7, 7, 7, 7, 7, 7})
	dir := t.TempDir()
	trainer := newTestTrainer(t, model, optim, crit, Config{
		Epochs:        10,
		Patience:      3,
		CheckpointDir: dir,
	})

	hist, err := trainer.Train(buildStores(t))
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if !hist.StoppedEarly {
		t.Fatalf("expected early stop")
	}
	if len(hist.TrainLoss) != 6 || len(hist.ValidateLoss) != 6 {
		t.Fatalf("ran %d epochs, want 6", len(hist.TrainLoss))
	}
	if hist.BestEpoch != 3 || hist.BestLoss != 4 {
		t.Fatalf("best epoch/loss = %d/%v, want 3/4", hist.BestEpoch, hist.BestLoss)
	}
	if optim.steps != 6 {
		t.Fatalf("optimizer stepped %d times, want 6 (and never during validation)", optim.steps)
	}
	if !model.backwardOK {
		t.Fatalf("backward never ran")
	}

	ck, err := LoadCheckpoint(dir, "scripted")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if ck.Epoch != 3 {
		t.Fatalf("checkpoint epoch = %d, want 3", ck.Epoch)
	}
	// state was captured right after the third train pass
	if len(ck.State) != 1 || ck.State[0] != 3 {
		t.Fatalf("checkpoint state = %v, want [3]", ck.State)
	}
}

func TestTrainingRunsToEpochBudget(t *testing.T) {
	model := &scriptModel{}
	optim := &countingOptim{model: model}
	crit := scriptedCriterion(model, []float64{5, 4, 3})
	dir := t.TempDir()
	trainer := newTestTrainer(t, model, optim, crit, Config{
		Epochs:        3,
		Patience:      5,
		CheckpointDir: dir,
	})

	hist, err := trainer.Train(buildStores(t))
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if hist.StoppedEarly {
		t.Fatalf("unexpected early stop")
	}
	if hist.BestEpoch != 3 || hist.BestLoss != 3 {
		t.Fatalf("best epoch/loss = %d/%v, want 3/3", hist.BestEpoch, hist.BestLoss)
	}

	ck, err := LoadCheckpoint(dir, "scripted")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if ck.Epoch != 3 || ck.State[0] != 3 {
		t.Fatalf("final checkpoint = epoch %d state %v, want epoch 3 state [3]", ck.Epoch, ck.State)
	}
}

func TestNonFiniteLossAborts(t *testing.T) {
	model := &scriptModel{}
	optim := &countingOptim{model: model}
	crit := func(pred, target *datasets.Dense) (float64, *datasets.Dense, error) {
		return math.NaN(), nil, nil
	}
	trainer := newTestTrainer(t, model, optim, crit, Config{Epochs: 2, Patience: 2})

	if _, err := trainer.Train(buildStores(t)); err == nil {
		t.Fatalf("expected non-finite loss error")
	} else if !strings.Contains(err.Error(), "non-finite") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTrainRequiresBothLoopStores(t *testing.T) {
	model := &scriptModel{}
	optim := &countingOptim{model: model}
	crit := scriptedCriterion(model, []float64{1})
	trainer := newTestTrainer(t, model, optim, crit, Config{Epochs: 1, Patience: 1})

	stores := buildStores(t)
	delete(stores, datasets.ModeValidate)
	if _, err := trainer.Train(stores); err == nil {
		t.Fatalf("expected missing validate store error")
	}
}

func TestNewTrainerValidation(t *testing.T) {
	model := &scriptModel{}
	crit := scriptedCriterion(model, nil)

	if _, err := NewTrainer(nil, crit, nil, Config{Epochs: 1, BatchSize: 1, Patience: 1, ModelName: "m"}); err == nil {
		t.Fatalf("expected nil model error")
	}
	if _, err := NewTrainer(model, nil, nil, Config{Epochs: 1, BatchSize: 1, Patience: 1, ModelName: "m"}); err == nil {
		t.Fatalf("expected nil criterion error")
	}
	if _, err := NewTrainer(model, crit, nil, Config{Epochs: 0, BatchSize: 1, Patience: 1, ModelName: "m"}); err == nil {
		t.Fatalf("expected epochs error")
	}
	if _, err := NewTrainer(model, crit, nil, Config{Epochs: 1, BatchSize: 1, Patience: 1}); err == nil {
		t.Fatalf("expected model name error")
	}
}

func TestEvaluateRestoresBestState(t *testing.T) {
	model := &scriptModel{}
	optim := &countingOptim{model: model}
	crit := scriptedCriterion(model, []float64{5, 4, 6, 6, 6})
	dir := t.TempDir()
	trainer := newTestTrainer(t, model, optim, crit, Config{
		Epochs:        5,
		Patience:      3,
		CheckpointDir: dir,
	})

	stores := buildStores(t)
	if _, err := trainer.Train(stores); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	results, err := trainer.Evaluate(stores, datasets.NormState{Kind: datasets.NormNone})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected metrics for all three splits, got %d", len(results))
	}
	for mode, m := range results {
		if math.IsNaN(m.MSE) || math.Abs(m.RMSE-math.Sqrt(m.MSE)) > 1e-9 {
			t.Fatalf("%s metrics inconsistent: %+v", mode, m)
		}
	}

	// the best checkpoint was epoch 2; its state was restored before
	// any forward pass
	if len(model.restored) != 1 || model.restored[0] != 2 {
		t.Fatalf("restored state %v, want [2]", model.restored)
	}
	if model.training {
		t.Fatalf("model left in training mode after evaluation")
	}
}

// flowStores builds stores whose samples carry a one-group flow window.
func flowStores(t *testing.T) map[datasets.Mode]*datasets.SampleStore {
	t.Helper()
	const steps = 24
	signal, _ := datasets.NewDense(steps, 1, 1)
	meta, _ := datasets.NewDense(steps, 1, 1)
	flow, _ := datasets.NewDense(2, 1, 1, 1)
	for i := range flow.Data {
		flow.Data[i] = float32(i + 1)
	}

	spec := datasets.WindowSpec{SerialLen: 2, DailyLen: 1, WeeklyLen: 1, CycleLen: 2}
	wd, err := datasets.BuildWindowedData(spec, signal, meta, flow)
	if err != nil {
		t.Fatalf("BuildWindowedData failed: %v", err)
	}
	stores, err := datasets.NewSampleStores(wd, datasets.SplitPlan{Train: 6, Validate: 2, Test: 2})
	if err != nil {
		t.Fatalf("NewSampleStores failed: %v", err)
	}
	return stores
}

func TestFlowRequiresAdjTransform(t *testing.T) {
	model := &scriptModel{}
	optim := &countingOptim{model: model}
	crit := scriptedCriterion(model, []float64{1})
	trainer := newTestTrainer(t, model, optim, crit, Config{Epochs: 1, Patience: 1})

	if _, err := trainer.Train(flowStores(t)); err == nil {
		t.Fatalf("expected missing adjacency transform error")
	}
}

func TestDynAdjReachesModel(t *testing.T) {
	model := &scriptModel{}
	optim := &countingOptim{model: model}
	crit := scriptedCriterion(model, []float64{1})
	trainer := newTestTrainer(t, model, optim, crit, Config{Epochs: 1, Patience: 1})

	var transformed int
	trainer.SetAdjTransform(func(slice *datasets.Dense) (*datasets.Dense, error) {
		transformed++
		return slice, nil
	})

	if _, err := trainer.Train(flowStores(t)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	// one group, four window positions, two passes (train + validate)
	if transformed != 8 {
		t.Fatalf("transform ran %d times, want 8", transformed)
	}
	if len(model.sawDynAdj) == 0 {
		t.Fatalf("model never ran forward")
	}
	dynAdj := model.sawDynAdj[0]
	if len(dynAdj) != 1 {
		t.Fatalf("expected one dynamic adjacency group, got %d", len(dynAdj))
	}
	adj := dynAdj[0]
	if adj.Rank() != 4 || adj.Shape[1] != 4 || adj.Shape[2] != 1 || adj.Shape[3] != 1 {
		t.Fatalf("unexpected dynamic adjacency shape %v", adj.Shape)
	}
}
