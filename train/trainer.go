package train

import (
	"fmt"
	"log"
	"math"

	"github.com/jonboulle/clockwork"

	"github.com/mobilitylab/emscast/datasets"
)

// Config holds the trainer's hyperparameters and checkpoint location.
type Config struct {
	// Epochs is the training budget.
	Epochs int

	// BatchSize for both optimization and evaluation batches.
	BatchSize int

	// Patience is the early-stopping budget: the number of consecutive
	// non-improving validation epochs tolerated after the best one.
	Patience int

	// ModelName keys the checkpoint file.
	ModelName string

	// CheckpointDir is where the best-model record is written.
	// Default "output".
	CheckpointDir string

	// MAPEEpsilon is the additive denominator epsilon used during
	// evaluation. Zero selects DefaultMAPEEpsilon.
	MAPEEpsilon float64
}

// History records per-epoch mean losses and how training ended.
type History struct {
	TrainLoss    []float64
	ValidateLoss []float64
	BestEpoch    int
	BestLoss     float64
	StoppedEarly bool
}

// Trainer drives epoch-based optimization with validation-gated
// checkpointing and early stopping, then a final denormalized
// evaluation pass. Execution is single-threaded and batch-oriented;
// samples are always consumed in fixed index order.
type Trainer struct {
	model        Forecaster
	criterion    Criterion
	optim        Optimizer
	cfg          Config
	adjTransform AdjTransform
	staAdj       []*datasets.Dense
	clock        clockwork.Clock
}

// NewTrainer validates the configuration and wires the collaborators.
// The model must implement Trainable and Stateful to be trained; a
// Forecaster alone can still be evaluated against an existing
// checkpoint.
func NewTrainer(model Forecaster, criterion Criterion, optim Optimizer, cfg Config) (*Trainer, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if criterion == nil {
		return nil, fmt.Errorf("criterion cannot be nil")
	}
	if cfg.Epochs < 1 {
		return nil, fmt.Errorf("epochs must be >= 1, got %d", cfg.Epochs)
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", cfg.BatchSize)
	}
	if cfg.Patience < 1 {
		return nil, fmt.Errorf("patience must be >= 1, got %d", cfg.Patience)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = "output"
	}
	if cfg.MAPEEpsilon == 0 {
		cfg.MAPEEpsilon = DefaultMAPEEpsilon
	}
	return &Trainer{
		model:     model,
		criterion: criterion,
		optim:     optim,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
	}, nil
}

// SetAdjTransform installs the external adjacency-preprocessing kernel.
// Required whenever the sample stores carry flow windows.
func (t *Trainer) SetAdjTransform(f AdjTransform) { t.adjTransform = f }

// SetStaticAdj installs the static adjacency tiers passed to every
// Forward call.
func (t *Trainer) SetStaticAdj(adj []*datasets.Dense) { t.staAdj = adj }

// SetClock swaps the time source. Pass nil to reset to the real clock.
func (t *Trainer) SetClock(c clockwork.Clock) {
	if c == nil {
		t.clock = clockwork.NewRealClock()
		return
	}
	t.clock = c
}

// Train runs the epoch loop over the train and validate stores. After
// each validate pass a mean loss less than or equal to the best seen so
// far (ties count as improvement) saves a new best checkpoint and
// resets the patience counter; otherwise the counter decrements and
// training stops when it reaches zero. Exhausting the epoch budget also
// terminates, re-saving the best checkpoint, so both paths leave a
// valid checkpoint on disk.
func (t *Trainer) Train(stores map[datasets.Mode]*datasets.SampleStore) (*History, error) {
	trainable, ok := t.model.(Trainable)
	if !ok {
		return nil, fmt.Errorf("model does not support training")
	}
	stateful, ok := t.model.(Stateful)
	if !ok {
		return nil, fmt.Errorf("model does not expose state for checkpointing")
	}
	if t.optim == nil {
		return nil, fmt.Errorf("optimizer cannot be nil for training")
	}
	for _, mode := range []datasets.Mode{datasets.ModeTrain, datasets.ModeValidate} {
		if stores[mode] == nil {
			return nil, fmt.Errorf("missing %s sample store", mode)
		}
	}

	hist := &History{BestLoss: math.Inf(1)}
	best := Checkpoint{Model: t.cfg.ModelName, Epoch: 0, State: stateful.StateVector()}
	patience := t.cfg.Patience

	started := t.clock.Now()
	log.Printf("Training starts at %s", started.Format("2006-01-02 15:04:05"))

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		epochStart := t.clock.Now()

		trainLoss, err := t.runEpoch(stores[datasets.ModeTrain], trainable, true)
		if err != nil {
			return nil, fmt.Errorf("epoch %d train pass: %w", epoch, err)
		}
		hist.TrainLoss = append(hist.TrainLoss, trainLoss)

		valLoss, err := t.runEpoch(stores[datasets.ModeValidate], trainable, false)
		if err != nil {
			return nil, fmt.Errorf("epoch %d validate pass: %w", epoch, err)
		}
		hist.ValidateLoss = append(hist.ValidateLoss, valLoss)

		elapsed := t.clock.Now().Sub(epochStart)
		if valLoss <= hist.BestLoss {
			log.Printf("Epoch %d (%s): val loss drops from %.5g to %.5g, updating checkpoint",
				epoch, elapsed, hist.BestLoss, valLoss)
			hist.BestLoss = valLoss
			hist.BestEpoch = epoch
			best = Checkpoint{
				Model:   t.cfg.ModelName,
				Epoch:   epoch,
				State:   stateful.StateVector(),
				SavedAt: t.clock.Now().Unix(),
			}
			if err := SaveCheckpoint(t.cfg.CheckpointDir, best); err != nil {
				return nil, fmt.Errorf("saving checkpoint at epoch %d: %w", epoch, err)
			}
			patience = t.cfg.Patience
		} else {
			log.Printf("Epoch %d (%s): val loss %.5g does not improve on %.5g",
				epoch, elapsed, valLoss, hist.BestLoss)
			patience--
			if patience == 0 {
				log.Printf("Early stopping at epoch %d, best epoch was %d", epoch, hist.BestEpoch)
				hist.StoppedEarly = true
				return hist, nil
			}
		}
	}

	// Natural end of the epoch budget: re-save the best record.
	best.SavedAt = t.clock.Now().Unix()
	if err := SaveCheckpoint(t.cfg.CheckpointDir, best); err != nil {
		return nil, fmt.Errorf("saving final checkpoint: %w", err)
	}
	log.Printf("Training ends at %s after %d epochs, best epoch %d",
		t.clock.Now().Format("2006-01-02 15:04:05"), t.cfg.Epochs, hist.BestEpoch)
	return hist, nil
}

// runEpoch iterates one split's batches in fixed order. In training
// mode gradients are accumulated and the optimizer steps after every
// batch; otherwise the model only runs forward. The returned loss is
// the batch-size-weighted mean over the split.
func (t *Trainer) runEpoch(store *datasets.SampleStore, trainable Trainable, training bool) (float64, error) {
	trainable.SetTraining(training)
	n := store.Len()
	if n == 0 {
		return 0, fmt.Errorf("%s split has no samples", store.Mode())
	}

	var running float64
	for lo := 0; lo < n; lo += t.cfg.BatchSize {
		hi := lo + t.cfg.BatchSize
		if hi > n {
			hi = n
		}
		xSeq, metaSeq, flow, target, err := assembleBatch(store, lo, hi)
		if err != nil {
			return 0, err
		}
		dynAdj, err := t.buildDynAdjList(flow)
		if err != nil {
			return 0, err
		}

		pred, err := t.model.Forward(xSeq, metaSeq, dynAdj, t.staAdj)
		if err != nil {
			return 0, fmt.Errorf("forward on batch [%d, %d): %w", lo, hi, err)
		}
		loss, grad, err := t.criterion(pred, target)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, fmt.Errorf("non-finite loss %g on batch [%d, %d)", loss, lo, hi)
		}

		if training {
			t.optim.ZeroGrad()
			if err := trainable.Backward(grad); err != nil {
				return 0, fmt.Errorf("backward on batch [%d, %d): %w", lo, hi, err)
			}
			if err := t.optim.Step(); err != nil {
				return 0, fmt.Errorf("optimizer step on batch [%d, %d): %w", lo, hi, err)
			}
		}
		running += loss * float64(hi-lo)
	}
	return running / float64(n), nil
}

// assembleBatch stacks samples [lo, hi) into batch tensors. The flow
// tensor is nil when the store carries no mobility data.
func assembleBatch(store *datasets.SampleStore, lo, hi int) (xSeq, metaSeq, flow, target *datasets.Dense, err error) {
	xs := make([]*datasets.Dense, 0, hi-lo)
	metas := make([]*datasets.Dense, 0, hi-lo)
	targets := make([]*datasets.Dense, 0, hi-lo)
	var flows []*datasets.Dense
	if store.HasFlow() {
		flows = make([]*datasets.Dense, 0, hi-lo)
	}

	for i := lo; i < hi; i++ {
		sample, err := store.Get(i)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		xs = append(xs, sample.XSeq)
		metas = append(metas, sample.MetaSeq)
		targets = append(targets, sample.Target)
		if flows != nil {
			flows = append(flows, sample.Flow)
		}
	}

	if xSeq, err = datasets.Stack(xs); err != nil {
		return nil, nil, nil, nil, err
	}
	if metaSeq, err = datasets.Stack(metas); err != nil {
		return nil, nil, nil, nil, err
	}
	if target, err = datasets.Stack(targets); err != nil {
		return nil, nil, nil, nil, err
	}
	if flows != nil {
		if flow, err = datasets.Stack(flows); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	return xSeq, metaSeq, flow, target, nil
}

// buildDynAdjList converts a raw flow batch [B, T, N, N, groups] into
// one dynamic adjacency tensor [B, T, N, N] per mobility group. The
// external transform runs independently per group and per timestep on
// the [B, N, N] slice; results are stacked back along the time axis.
func (t *Trainer) buildDynAdjList(flow *datasets.Dense) ([]*datasets.Dense, error) {
	if flow == nil {
		return nil, nil
	}
	if t.adjTransform == nil {
		return nil, fmt.Errorf("flow windows present but no adjacency transform configured")
	}
	if flow.Rank() != 5 {
		return nil, fmt.Errorf("flow batch must have shape [batch, seq, N, N, groups], got %v", flow.Shape)
	}
	batch, seq, nodes, groups := flow.Shape[0], flow.Shape[1], flow.Shape[2], flow.Shape[4]
	if flow.Shape[3] != nodes {
		return nil, fmt.Errorf("flow batch is not square over nodes: %v", flow.Shape)
	}

	cell := nodes * nodes
	list := make([]*datasets.Dense, 0, groups)
	for g := 0; g < groups; g++ {
		out, err := datasets.NewDense(batch, seq, nodes, nodes)
		if err != nil {
			return nil, err
		}
		for s := 0; s < seq; s++ {
			raw, err := datasets.NewDense(batch, nodes, nodes)
			if err != nil {
				return nil, err
			}
			for b := 0; b < batch; b++ {
				base := ((b*seq + s) * cell) * groups
				for c := 0; c < cell; c++ {
					raw.Data[b*cell+c] = flow.Data[base+c*groups+g]
				}
			}
			processed, err := t.adjTransform(raw)
			if err != nil {
				return nil, fmt.Errorf("adjacency transform (group %d, step %d): %w", g, s, err)
			}
			if processed.Size() != batch*cell {
				return nil, fmt.Errorf("adjacency transform changed shape: got %v", processed.Shape)
			}
			for b := 0; b < batch; b++ {
				copy(out.Data[(b*seq+s)*cell:(b*seq+s+1)*cell], processed.Data[b*cell:(b+1)*cell])
			}
		}
		list = append(list, out)
	}
	return list, nil
}

// Evaluate restores the best checkpoint, runs the model over every
// provided split without gradient updates, applies the inverse
// normalization to predictions and targets, and reports denormalized
// metrics per split.
func (t *Trainer) Evaluate(stores map[datasets.Mode]*datasets.SampleStore, norm datasets.NormState) (map[datasets.Mode]Metrics, error) {
	if stateful, ok := t.model.(Stateful); ok {
		ck, err := LoadCheckpoint(t.cfg.CheckpointDir, t.cfg.ModelName)
		if err != nil {
			return nil, fmt.Errorf("restoring best checkpoint: %w", err)
		}
		if err := stateful.SetStateVector(ck.State); err != nil {
			return nil, fmt.Errorf("restoring model state from epoch %d: %w", ck.Epoch, err)
		}
		log.Printf("Restored best checkpoint from epoch %d", ck.Epoch)
	}
	if trainable, ok := t.model.(Trainable); ok {
		trainable.SetTraining(false)
	}

	results := make(map[datasets.Mode]Metrics)
	for _, mode := range datasets.Modes() {
		store := stores[mode]
		if store == nil {
			continue
		}
		preds := make([]*datasets.Dense, 0)
		truths := make([]*datasets.Dense, 0)
		n := store.Len()
		for lo := 0; lo < n; lo += t.cfg.BatchSize {
			hi := lo + t.cfg.BatchSize
			if hi > n {
				hi = n
			}
			xSeq, metaSeq, flow, target, err := assembleBatch(store, lo, hi)
			if err != nil {
				return nil, err
			}
			dynAdj, err := t.buildDynAdjList(flow)
			if err != nil {
				return nil, err
			}
			pred, err := t.model.Forward(xSeq, metaSeq, dynAdj, t.staAdj)
			if err != nil {
				return nil, fmt.Errorf("%s forward on batch [%d, %d): %w", mode, lo, hi, err)
			}
			preds = append(preds, pred)
			truths = append(truths, target)
		}

		predAll, err := datasets.Concat(0, preds...)
		if err != nil {
			return nil, err
		}
		truthAll, err := datasets.Concat(0, truths...)
		if err != nil {
			return nil, err
		}
		predAll, err = datasets.Denormalize(predAll, norm)
		if err != nil {
			return nil, fmt.Errorf("denormalizing %s predictions: %w", mode, err)
		}
		truthAll, err = datasets.Denormalize(truthAll, norm)
		if err != nil {
			return nil, fmt.Errorf("denormalizing %s targets: %w", mode, err)
		}

		m := Summarize(predAll.Data, truthAll.Data, t.cfg.MAPEEpsilon)
		results[mode] = m
		log.Printf("%s true MSE: %.6g", mode, m.MSE)
		log.Printf("%s true RMSE: %.6g", mode, m.RMSE)
		log.Printf("%s true MAE: %.6g", mode, m.MAE)
		log.Printf("%s true MAPE: %.4g%%", mode, m.MAPE*100)
	}
	return results, nil
}
