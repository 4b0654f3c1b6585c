package train

import (
	"fmt"

	"github.com/mobilitylab/emscast/datasets"
)

// Forecaster is the black-box model contract the training loop drives.
// Given the concatenated history windows, the metadata windows, the
// per-group dynamic adjacency tensors (nil without mobility data) and
// the static adjacency tiers, it produces a prediction of shape
// [batch, N, C]. The loop never inspects the concrete model type.
type Forecaster interface {
	Forward(xSeq, metaSeq *datasets.Dense, dynAdj, staAdj []*datasets.Dense) (*datasets.Dense, error)
}

// Trainable is implemented by forecasters that support gradient-based
// updates. SetTraining toggles gradient bookkeeping: in validate and
// test passes it is off and Forward caches nothing. Backward consumes
// the criterion's gradient with respect to the prediction and
// accumulates parameter gradients for the optimizer.
type Trainable interface {
	Forecaster
	SetTraining(on bool)
	Backward(gradPred *datasets.Dense) error
}

// Stateful exposes a model's parameters as one flat vector so
// checkpoints can capture and restore them without knowing the
// architecture.
type Stateful interface {
	StateVector() []float32
	SetStateVector(state []float32) error
}

// Optimizer applies accumulated gradients to the model it was built
// around. ZeroGrad clears the accumulators before a batch; Step applies
// the update after Backward.
type Optimizer interface {
	ZeroGrad()
	Step() error
}

// Criterion computes the batch loss and its gradient with respect to
// the prediction.
type Criterion func(pred, target *datasets.Dense) (loss float64, grad *datasets.Dense, err error)

// MSELoss is the mean squared error over all elements. The gradient is
// scaled per example so that averaging per-example parameter gradients
// over the batch yields the batch-mean update.
func MSELoss(pred, target *datasets.Dense) (float64, *datasets.Dense, error) {
	if len(pred.Data) != len(target.Data) {
		return 0, nil, fmt.Errorf("prediction has %d elements but target has %d", len(pred.Data), len(target.Data))
	}
	if pred.Rank() == 0 || pred.Shape[0] == 0 {
		return 0, nil, fmt.Errorf("empty prediction batch")
	}
	perExample := pred.Size() / pred.Shape[0]

	grad := &datasets.Dense{
		Data:  make([]float32, len(pred.Data)),
		Shape: append([]int(nil), pred.Shape...),
	}
	var sum float64
	for i := range pred.Data {
		d := pred.Data[i] - target.Data[i]
		sum += float64(d) * float64(d)
		grad.Data[i] = 2 * d / float32(perExample)
	}
	return sum / float64(len(pred.Data)), grad, nil
}

// AdjTransform is the externally supplied stateless kernel that turns
// one raw [batch, N, N] flow slice into a propagation-ready adjacency of
// the same shape. The trainer applies it independently per mobility
// group and per timestep.
type AdjTransform func(slice *datasets.Dense) (*datasets.Dense, error)
