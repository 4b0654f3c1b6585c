// Command emscast prepares a windowed spatiotemporal demand dataset and
// trains the baseline forecaster on it: archive -> normalization ->
// multi-scale windows -> calendar splits -> training loop with
// validation-gated checkpointing -> denormalized metrics and a loss
// curve PNG.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/mobilitylab/emscast/baseline"
	"github.com/mobilitylab/emscast/datasets"
	"github.com/mobilitylab/emscast/train"
)

func main() {
	// Load environment variables; flags below default from them.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	dataPath := flag.String("data", envOrDefault("EMSCAST_DATA", "data/ems.gob"), "path to the gob data archive")
	year := flag.Int("year", 2017, "calendar year the date ranges resolve against")
	trainStart := flag.String("train-start", "0301", "train range start, MMDD")
	trainEnd := flag.String("train-end", "0930", "train range end, MMDD (inclusive)")
	testStart := flag.String("test-start", "1001", "test range start, MMDD")
	testEnd := flag.String("test-end", "1031", "test range end, MMDD (inclusive)")
	valRatio := flag.Float64("val-ratio", 0.1, "fraction of the train span carved off as validation")
	dt := flag.Int("dt", 1, "hours per timestep; timesteps per day = 24/dt")
	serialLen := flag.Int("serial", 4, "serial (short-term) window length")
	dailyLen := flag.Int("daily", 1, "daily-periodic window length")
	weeklyLen := flag.Int("weekly", 1, "weekly-periodic window length")
	mobility := flag.Int("mobility", 0, "dynamic-mobility level: 0 none, 1 aggregated, 2 profiled")
	static := flag.Int("static", 0, "static-adjacency level: 0-3 tiers")
	normalize := flag.Bool("normalize", true, "standardize the demand series at load")
	epochs := flag.Int("epochs", 50, "training epoch budget")
	batchSize := flag.Int("batch", 32, "batch size")
	lr := flag.Float64("lr", 0.005, "SGD learning rate")
	patience := flag.Int("patience", 10, "early-stopping patience in epochs")
	hidden := flag.String("hidden", "64,32", "comma-separated hidden layer sizes")
	seed := flag.Int64("seed", 0, "RNG seed for weight init; 0 uses the clock")
	modelName := flag.String("model-name", "mlp", "checkpoint key")
	modelDir := flag.String("model-dir", envOrDefault("EMSCAST_MODEL_DIR", "output"), "checkpoint directory")
	plotPath := flag.String("plot", "output/loss_curve.png", "loss curve PNG path; empty disables plotting")
	flag.Parse()

	if *dt < 1 || 24%*dt != 0 {
		log.Fatalf("dt=%d does not divide 24 hours evenly", *dt)
	}

	hiddenSizes, err := parseHidden(*hidden)
	if err != nil {
		log.Fatalf("invalid -hidden: %v", err)
	}

	bundle, err := datasets.LoadBundle(*dataPath, datasets.LoadOptions{
		MobilityLevel: *mobility,
		StaticLevel:   *static,
		Normalize:     *normalize,
	})
	if err != nil {
		log.Fatalf("loading %s: %v", *dataPath, err)
	}
	log.Printf("Loaded %s: ems %v, meta %v, %d static tiers, mobility level %d",
		*dataPath, bundle.EMS.Shape, bundle.Meta.Shape, len(bundle.StaticAdj), *mobility)

	spec := datasets.WindowSpec{
		SerialLen: *serialLen,
		DailyLen:  *dailyLen,
		WeeklyLen: *weeklyLen,
		CycleLen:  24 / *dt,
	}
	wd, err := datasets.BuildWindowedData(spec, bundle.EMS, bundle.Meta, bundle.Flow)
	if err != nil {
		log.Fatalf("windowing: %v", err)
	}

	plan, err := datasets.PlanSplits(*year, *trainStart, *trainEnd, *testStart, *testEnd, *valRatio, spec.CycleLen)
	if err != nil {
		log.Fatalf("planning splits: %v", err)
	}
	log.Printf("Splits: train=%d validate=%d test=%d (start offset %d)",
		plan.Train, plan.Validate, plan.Test, plan.StartOffset)

	stores, err := datasets.NewSampleStores(wd, plan)
	if err != nil {
		log.Fatalf("building sample stores: %v", err)
	}

	probe, err := stores[datasets.ModeTrain].Get(0)
	if err != nil {
		log.Fatalf("probing first sample: %v", err)
	}
	nodes, channels := bundle.EMS.Shape[1], bundle.EMS.Shape[2]
	model, err := baseline.NewMLP(baseline.InputDim(probe), nodes, channels, baseline.Config{
		HiddenSizes: hiddenSizes,
		Seed:        *seed,
	})
	if err != nil {
		log.Fatalf("building model: %v", err)
	}
	optim, err := baseline.NewSGD(model, float32(*lr))
	if err != nil {
		log.Fatalf("building optimizer: %v", err)
	}

	trainer, err := train.NewTrainer(model, train.MSELoss, optim, train.Config{
		Epochs:        *epochs,
		BatchSize:     *batchSize,
		Patience:      *patience,
		ModelName:     *modelName,
		CheckpointDir: *modelDir,
	})
	if err != nil {
		log.Fatalf("building trainer: %v", err)
	}
	trainer.SetStaticAdj(bundle.StaticAdj)
	if bundle.Flow != nil {
		trainer.SetAdjTransform(rowNormalizeAdj)
	}

	hist, err := trainer.Train(stores)
	if err != nil {
		log.Fatalf("training: %v", err)
	}

	if _, err := trainer.Evaluate(stores, bundle.Norm); err != nil {
		log.Fatalf("evaluation: %v", err)
	}

	if *plotPath != "" {
		if err := plotLosses(*plotPath, hist); err != nil {
			log.Fatalf("writing loss curve: %v", err)
		}
		log.Printf("Loss curve written to %s", *plotPath)
	}
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseHidden(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	sizes := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("bad hidden layer size %q", p)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

// rowNormalizeAdj is the adjacency-preprocessing kernel handed to the
// trainer: each row of the [batch, N, N] flow slice is scaled to sum to
// one. A graph-convolution stack would substitute its own kernel here.
func rowNormalizeAdj(slice *datasets.Dense) (*datasets.Dense, error) {
	if slice.Rank() != 3 || slice.Shape[1] != slice.Shape[2] {
		return nil, fmt.Errorf("adjacency slice must have shape [batch, N, N], got %v", slice.Shape)
	}
	const eps = 1e-6
	n := slice.Shape[1]
	out := slice.Clone()
	for b := 0; b < slice.Shape[0]; b++ {
		for i := 0; i < n; i++ {
			row := out.Data[(b*n+i)*n : (b*n+i+1)*n]
			var sum float32
			for _, v := range row {
				sum += v
			}
			sum += eps
			for j := range row {
				row[j] /= sum
			}
		}
	}
	return out, nil
}

// plotLosses renders the per-epoch train and validation mean losses.
func plotLosses(path string, hist *train.History) error {
	p := plot.New()
	p.Title.Text = "Training and validation loss"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "mean loss"

	trainXY := make(plotter.XYs, len(hist.TrainLoss))
	for i, v := range hist.TrainLoss {
		trainXY[i] = plotter.XY{X: float64(i + 1), Y: v}
	}
	valXY := make(plotter.XYs, len(hist.ValidateLoss))
	for i, v := range hist.ValidateLoss {
		valXY[i] = plotter.XY{X: float64(i + 1), Y: v}
	}

	trainLine, err := plotter.NewLine(trainXY)
	if err != nil {
		return err
	}
	trainLine.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	trainLine.Width = vg.Points(1.2)
	p.Add(trainLine)
	p.Legend.Add("train", trainLine)

	valLine, err := plotter.NewLine(valXY)
	if err != nil {
		return err
	}
	valLine.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	valLine.Width = vg.Points(1.2)
	p.Add(valLine)
	p.Legend.Add("validate", valLine)

	grid := plotter.NewGrid()
	p.Add(grid)

	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}
