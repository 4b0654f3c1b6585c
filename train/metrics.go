package train

import "math"

// DefaultMAPEEpsilon is the additive denominator epsilon used by MAPE.
// Zero-valued targets are not masked; the epsilon keeps the division
// defined. A magnitude of one suits count-like demand data, where a
// target of zero means zero incidents.
const DefaultMAPEEpsilon = 1.0

// Metrics are the denormalized evaluation results for one split.
type Metrics struct {
	MSE  float64
	RMSE float64
	MAE  float64
	MAPE float64
}

// MSE is the mean squared error over all elements.
func MSE(pred, truth []float32) float64 {
	if len(pred) == 0 {
		return 0
	}
	var sum float64
	for i := range pred {
		d := float64(pred[i]) - float64(truth[i])
		sum += d * d
	}
	return sum / float64(len(pred))
}

// RMSE is the root mean squared error.
func RMSE(pred, truth []float32) float64 {
	return math.Sqrt(MSE(pred, truth))
}

// MAE is the mean absolute error.
func MAE(pred, truth []float32) float64 {
	if len(pred) == 0 {
		return 0
	}
	var sum float64
	for i := range pred {
		sum += math.Abs(float64(pred[i]) - float64(truth[i]))
	}
	return sum / float64(len(pred))
}

// MAPE is the mean absolute percentage error with an additive epsilon
// in the denominator.
func MAPE(pred, truth []float32, epsilon float64) float64 {
	if len(pred) == 0 {
		return 0
	}
	var sum float64
	for i := range pred {
		sum += math.Abs(float64(pred[i])-float64(truth[i])) / (float64(truth[i]) + epsilon)
	}
	return sum / float64(len(pred))
}

// Summarize computes all four metrics in one pass over the buffers.
func Summarize(pred, truth []float32, mapeEpsilon float64) Metrics {
	mse := MSE(pred, truth)
	return Metrics{
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		MAE:  MAE(pred, truth),
		MAPE: MAPE(pred, truth, mapeEpsilon),
	}
}
