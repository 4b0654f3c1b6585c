// Package baseline provides a reference forecaster: a small MLP over the
// flattened history windows, trained with a self-contained pure-Go
// backprop implementation so the full training loop can run without any
// external deep-learning runtime. Graph-structured models plug into the
// same contracts.
package baseline

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/mobilitylab/emscast/datasets"
)

// Config holds the MLP's hyperparameters.
type Config struct {
	// HiddenSizes is the list of hidden layer sizes. If empty, a single
	// hidden layer of size 64 is used.
	HiddenSizes []int

	// Seed controls RNG for weight initialization. If zero, a time-based
	// seed is used.
	Seed int64
}

// MLP predicts the next timestep for every node from the flattened
// signal and metadata windows. It ignores the adjacency inputs: the
// baseline treats nodes independently and exists to exercise the
// training contracts end to end.
type MLP struct {
	nodes    int
	channels int

	// layerSizes includes input size, hidden sizes, then output size.
	layerSizes []int

	// weights[l] is a matrix of shape [out][in] for layer l -> l+1;
	// biases[l] is the matching vector.
	weights [][][]float32
	biases  [][]float32

	// gradient accumulators, averaged over gradCount examples at Step
	gradW     [][][]float32
	gradB     [][]float32
	gradCount int

	// per-batch forward caches, kept only while training
	training bool
	preacts  [][][]float32
	acts     [][][]float32

	rng *rand.Rand
}

// InputDim returns the flattened feature width of one sample, which is
// what NewMLP expects as its input dimension.
func InputDim(sample datasets.Sample) int {
	return sample.XSeq.Size() + sample.MetaSeq.Size()
}

// NewMLP creates a model producing [batch, nodes, channels] predictions
// from inputDim flattened features.
func NewMLP(inputDim, nodes, channels int, cfg Config) (*MLP, error) {
	if inputDim < 1 {
		return nil, fmt.Errorf("input dimension must be >= 1, got %d", inputDim)
	}
	if nodes < 1 || channels < 1 {
		return nil, fmt.Errorf("output needs nodes >= 1 and channels >= 1, got %d and %d", nodes, channels)
	}
	if len(cfg.HiddenSizes) == 0 {
		cfg.HiddenSizes = []int{64}
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	m := &MLP{
		nodes:    nodes,
		channels: channels,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}

	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, inputDim)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, nodes*channels)
	m.layerSizes = sizes

	layers := len(sizes) - 1
	m.weights = make([][][]float32, layers)
	m.biases = make([][]float32, layers)
	m.gradW = make([][][]float32, layers)
	m.gradB = make([][]float32, layers)
	for l := 0; l < layers; l++ {
		in := sizes[l]
		out := sizes[l+1]
		// Xavier/Glorot uniform initialization heuristic
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		mat := make([][]float32, out)
		grad := make([][]float32, out)
		for j := 0; j < out; j++ {
			row := make([]float32, in)
			for i := 0; i < in; i++ {
				row[i] = (m.rng.Float32()*2.0 - 1.0) * limit * 0.5
			}
			mat[j] = row
			grad[j] = make([]float32, in)
		}
		m.weights[l] = mat
		m.biases[l] = make([]float32, out)
		m.gradW[l] = grad
		m.gradB[l] = make([]float32, out)
	}

	return m, nil
}

// SetTraining toggles gradient bookkeeping. Turning it off drops any
// cached activations.
func (m *MLP) SetTraining(on bool) {
	m.training = on
	m.preacts = nil
	m.acts = nil
}

// Forward runs the batch through the network. The adjacency arguments
// are accepted to satisfy the forecaster contract and ignored.
func (m *MLP) Forward(xSeq, metaSeq *datasets.Dense, dynAdj, staAdj []*datasets.Dense) (*datasets.Dense, error) {
	if xSeq.Rank() < 1 || metaSeq.Rank() < 1 {
		return nil, fmt.Errorf("windows must have a batch axis")
	}
	batch := xSeq.Shape[0]
	if metaSeq.Shape[0] != batch {
		return nil, fmt.Errorf("signal batch %d does not match metadata batch %d", batch, metaSeq.Shape[0])
	}

	if m.training {
		m.preacts = make([][][]float32, batch)
		m.acts = make([][][]float32, batch)
	} else {
		m.preacts = nil
		m.acts = nil
	}

	out, err := datasets.NewDense(batch, m.nodes, m.channels)
	if err != nil {
		return nil, err
	}
	width := m.nodes * m.channels
	for b := 0; b < batch; b++ {
		x, err := xSeq.View(b)
		if err != nil {
			return nil, err
		}
		meta, err := metaSeq.View(b)
		if err != nil {
			return nil, err
		}
		features := make([]float32, 0, x.Size()+meta.Size())
		features = append(features, x.Data...)
		features = append(features, meta.Data...)

		preacts, acts, err := m.forwardSingle(features)
		if err != nil {
			return nil, err
		}
		if m.training {
			m.preacts[b] = preacts
			m.acts[b] = acts
		}
		copy(out.Data[b*width:(b+1)*width], acts[len(acts)-1])
	}
	return out, nil
}

// forwardSingle runs one feature vector through the layers, returning
// pre-activations and activations (acts[0] is the input). ReLU on
// hidden layers, linear output.
func (m *MLP) forwardSingle(input []float32) (preacts, acts [][]float32, err error) {
	if len(input) != m.layerSizes[0] {
		return nil, nil, fmt.Errorf("input has dimension %d, model expects %d", len(input), m.layerSizes[0])
	}
	layers := len(m.weights)
	acts = make([][]float32, layers+1)
	acts[0] = input
	preacts = make([][]float32, layers)

	for l := 0; l < layers; l++ {
		in := acts[l]
		outDim := len(m.biases[l])
		pre := make([]float32, outDim)
		for j := 0; j < outDim; j++ {
			sum := m.biases[l][j]
			row := m.weights[l][j]
			for i := range in {
				sum += row[i] * in[i]
			}
			pre[j] = sum
		}
		preacts[l] = pre

		act := make([]float32, outDim)
		copy(act, pre)
		if l < layers-1 {
			for i := range act {
				if act[i] < 0 {
					act[i] = 0
				}
			}
		}
		acts[l+1] = act
	}
	return preacts, acts, nil
}

// Backward accumulates parameter gradients from the criterion's
// prediction gradient, shape [batch, nodes, channels]. Forward must
// have run in training mode on the same batch.
func (m *MLP) Backward(gradPred *datasets.Dense) error {
	if !m.training {
		return fmt.Errorf("backward called outside training mode")
	}
	batch := gradPred.Shape[0]
	if len(m.acts) != batch {
		return fmt.Errorf("backward batch %d does not match cached forward batch %d", batch, len(m.acts))
	}
	width := m.nodes * m.channels
	if gradPred.Size() != batch*width {
		return fmt.Errorf("gradient shape %v does not match output width %d", gradPred.Shape, width)
	}

	for b := 0; b < batch; b++ {
		delta := make([]float32, width)
		copy(delta, gradPred.Data[b*width:(b+1)*width])

		for l := len(m.weights) - 1; l >= 0; l-- {
			inAct := m.acts[b][l]
			for j := range delta {
				m.gradB[l][j] += delta[j]
				row := m.gradW[l][j]
				for i := range inAct {
					row[i] += delta[j] * inAct[i]
				}
			}

			if l > 0 {
				prevLen := len(m.weights[l][0])
				next := make([]float32, prevLen)
				for i := 0; i < prevLen; i++ {
					var sum float32
					for j := range delta {
						sum += m.weights[l][j][i] * delta[j]
					}
					// ReLU derivative on the previous hidden layer
					if m.preacts[b][l-1][i] > 0 {
						next[i] = sum
					}
				}
				delta = next
			}
		}
	}
	m.gradCount += batch
	return nil
}

// StateVector flattens all weights then biases, layer by layer, into
// one copy suitable for checkpointing.
func (m *MLP) StateVector() []float32 {
	state := make([]float32, 0, m.paramCount())
	for l := range m.weights {
		for _, row := range m.weights[l] {
			state = append(state, row...)
		}
		state = append(state, m.biases[l]...)
	}
	return state
}

// SetStateVector restores parameters from a StateVector copy.
func (m *MLP) SetStateVector(state []float32) error {
	if len(state) != m.paramCount() {
		return fmt.Errorf("state vector has %d parameters, model expects %d", len(state), m.paramCount())
	}
	pos := 0
	for l := range m.weights {
		for _, row := range m.weights[l] {
			copy(row, state[pos:pos+len(row)])
			pos += len(row)
		}
		copy(m.biases[l], state[pos:pos+len(m.biases[l])])
		pos += len(m.biases[l])
	}
	return nil
}

func (m *MLP) paramCount() int {
	count := 0
	for l := range m.weights {
		count += len(m.weights[l])*len(m.weights[l][0]) + len(m.biases[l])
	}
	return count
}

// zeroGrad clears the accumulators; called by the optimizer.
func (m *MLP) zeroGrad() {
	for l := range m.gradW {
		for j := range m.gradW[l] {
			for i := range m.gradW[l][j] {
				m.gradW[l][j][i] = 0
			}
			m.gradB[l][j] = 0
		}
	}
	m.gradCount = 0
}

// SGD applies averaged minibatch gradient descent to an MLP.
type SGD struct {
	LR    float32
	model *MLP
}

// NewSGD creates an optimizer bound to the model.
func NewSGD(model *MLP, lr float32) (*SGD, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", lr)
	}
	return &SGD{LR: lr, model: model}, nil
}

// ZeroGrad clears the model's gradient accumulators.
func (s *SGD) ZeroGrad() { s.model.zeroGrad() }

// Step applies the accumulated gradients, averaged over the examples
// seen since ZeroGrad.
func (s *SGD) Step() error {
	m := s.model
	if m.gradCount == 0 {
		return fmt.Errorf("step with no accumulated gradients")
	}
	inv := s.LR / float32(m.gradCount)
	for l := range m.weights {
		for j := range m.weights[l] {
			row := m.weights[l][j]
			grad := m.gradW[l][j]
			for i := range row {
				row[i] -= inv * grad[i]
			}
			m.biases[l][j] -= inv * m.gradB[l][j]
		}
	}
	return nil
}
