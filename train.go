package cnntrain

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LossName of the loss every architecture is trained with.
const LossName = "sparse categorical cross-entropy (logits)"

// OptimizerNames returns the sorted names of the supported optimizers.
func OptimizerNames() []string {
	names := make([]string, 0, len(optimizers.KnownOptimizers))
	for name := range optimizers.KnownOptimizers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewContext returns a fresh model context with the optimizer and learning
// rate hyperparameters set from cfg. The optimizer name must be one of
// OptimizerNames().
func NewContext(cfg *Config) (*context.Context, error) {
	if _, found := optimizers.KnownOptimizers[cfg.Optimizer]; !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are %v", cfg.Optimizer, OptimizerNames())
	}
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    cfg.Optimizer,
		optimizers.ParamLearningRate: cfg.LearningRate,
	})
	return ctx, nil
}

// TrainModel runs the whole pipeline configured by cfg: load the dataset,
// build the architecture, train it, save a checkpoint and write the report.
func TrainModel(cfg *Config) error {
	start := time.Now()

	paths, err := ListImagePaths(cfg.DataDir)
	if err != nil {
		return err
	}
	klog.Infof("found %d images under %q", len(paths), cfg.DataDir)
	loader := NewLoader(cfg)
	samples, err := loader.Load(paths)
	if err != nil {
		return err
	}
	klog.Infof("loaded %d examples in %d classes", samples.NumExamples(), samples.NumClasses())

	model, err := BuildArchitecture(cfg.Architecture, cfg.ImageSize, cfg.ImageSize, loader.Channels(), samples.NumClasses())
	if err != nil {
		return err
	}
	if model.Width != cfg.ImageSize || model.Depth != loader.Channels() {
		return errors.Errorf(
			"architecture %q requires a %dx%dx%d input, but the dataset is loaded as %dx%dx%d: %s",
			model.Name, model.Width, model.Height, model.Depth,
			cfg.ImageSize, cfg.ImageSize, loader.Channels(), geometryAdvice(model, cfg, loader.Channels()))
	}
	if model.Classes < samples.NumClasses() {
		return errors.Errorf("architecture %q outputs %d classes, but the dataset has %d",
			model.Name, model.Classes, samples.NumClasses())
	}
	if model.Classes > samples.NumClasses() {
		klog.Warningf("architecture %q outputs %d classes, dataset has only %d; extra outputs stay untrained",
			model.Name, model.Classes, samples.NumClasses())
	}

	ctx, err := NewContext(cfg)
	if err != nil {
		return err
	}
	var backend backends.Backend
	err = exceptions.TryCatch[error](func() { backend = backends.New() })
	if err != nil {
		return errors.WithMessage(err, "failed to create the computation backend")
	}

	trainDS := NewDataset("train", samples, cfg.BatchSize).Shuffle()
	evalDS := NewDataset("eval", samples, cfg.BatchSize)

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	trainer := train.NewTrainer(backend, ctx, model.Graph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric},
		[]metrics.Interface{meanAccuracyMetric})

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)
	var trainErr error
	err = exceptions.TryCatch[error](func() {
		_, trainErr = loop.RunEpochs(trainDS, cfg.Epochs)
	})
	if err == nil {
		err = trainErr
	}
	if err != nil {
		return errors.WithMessagef(err, "training %q failed", cfg.ModelName)
	}
	elapsed := time.Since(start)

	evalDS.Reset()
	var updated bool
	err = exceptions.TryCatch[error](func() {
		updated = batchnorm.UpdateAverages(trainer, evalDS)
	})
	if err != nil {
		return errors.WithMessage(err, "failed to update batch normalization averages")
	}
	if updated {
		klog.Infof("updated batch normalization mean/variance averages")
	}

	evalDS.Reset()
	var evalErr error
	err = exceptions.TryCatch[error](func() {
		evalErr = commandline.ReportEval(trainer, evalDS)
	})
	if err == nil {
		err = evalErr
	}
	if err != nil {
		return errors.WithMessage(err, "evaluation failed")
	}

	evalDS.Reset()
	report, err := ClassificationReport(backend, ctx, model, evalDS, samples.ClassNames)
	if err != nil {
		return err
	}

	if err = SaveModel(ctx, cfg.ModelName); err != nil {
		return err
	}

	params := NewModelParameters(cfg, ctx, elapsed)
	return WriteTrainingReport(cfg, params, report)
}

// geometryAdvice names the flag changes that would make the dataset match the
// model's input, mentioning only the flags that actually differ.
func geometryAdvice(model *Model, cfg *Config, channels int) string {
	var advice []string
	if model.Width != cfg.ImageSize {
		advice = append(advice, fmt.Sprintf("set --image-size %d", model.Width))
	}
	if model.Depth != channels {
		if channels < model.Depth {
			advice = append(advice, "drop --grayscale")
		} else {
			advice = append(advice, "set --grayscale")
		}
	}
	return strings.Join(advice, " and ")
}

// SaveModel checkpoints ctx, with all the model weights and hyperparameters,
// under output/models/<modelName>.
func SaveModel(ctx *context.Context, modelName string) error {
	dir := filepath.Join("output", "models", modelName)
	var saveErr error
	err := exceptions.TryCatch[error](func() {
		var handler *checkpoints.Handler
		handler, saveErr = checkpoints.Build(ctx).Dir(dir).Keep(1).Done()
		if saveErr == nil {
			saveErr = handler.Save()
		}
	})
	if err == nil {
		err = saveErr
	}
	if err != nil {
		return errors.WithMessagef(err, "failed to save model to %q", dir)
	}
	klog.Infof("saved model to %q", dir)
	return nil
}

// ClassificationReport runs inference over ds with the trained variables in
// ctx and returns a per-class precision/recall/f1-score table as a string.
func ClassificationReport(backend backends.Backend, ctx *context.Context, model *Model, ds train.Dataset, classNames []string) (string, error) {
	var exec *context.Exec
	err := exceptions.TryCatch[error](func() {
		exec = context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *graph.Node) *graph.Node {
			logits := model.Graph(ctx, nil, []*graph.Node{images})[0]
			return graph.ArgMax(logits, -1, dtypes.Int32)
		})
	})
	if err != nil {
		return "", errors.WithMessage(err, "failed to build the inference executor")
	}

	numClasses := len(classNames)
	truePositives := make([]int, numClasses)
	falsePositives := make([]int, numClasses)
	falseNegatives := make([]int, numClasses)
	support := make([]int, numClasses)
	correct, total := 0, 0
	for {
		_, inputs, labels, yieldErr := ds.Yield()
		if yieldErr == io.EOF {
			break
		}
		if yieldErr != nil {
			return "", yieldErr
		}
		var outputs []*tensors.Tensor
		err = exceptions.TryCatch[error](func() { outputs = exec.Call(inputs[0]) })
		if err != nil {
			return "", errors.WithMessage(err, "inference failed")
		}
		predicted := tensors.CopyFlatData[int32](outputs[0])
		truth := tensors.CopyFlatData[int32](labels[0])
		for idx, label := range truth {
			pred := predicted[idx]
			support[label]++
			total++
			if pred == label {
				truePositives[label]++
				correct++
				continue
			}
			falseNegatives[label]++
			if int(pred) < numClasses {
				falsePositives[pred]++
			}
		}
	}
	if total == 0 {
		return "", errors.Errorf("no examples to build the classification report from")
	}
	return formatClassificationReport(classNames, truePositives, falsePositives, falseNegatives, support, correct, total), nil
}

// formatClassificationReport renders per-class precision, recall, f1-score and
// support, plus accuracy and macro/weighted averages.
func formatClassificationReport(classNames []string, truePositives, falsePositives, falseNegatives, support []int, correct, total int) string {
	nameWidth := len("weighted avg")
	for _, name := range classNames {
		nameWidth = max(nameWidth, len(name))
	}

	var report strings.Builder
	write := func(name string, precision, recall, f1 float64, count int) {
		fmt.Fprintf(&report, "%*s  %9.3f %9.3f %9.3f %9d\n", nameWidth, name, precision, recall, f1, count)
	}
	fmt.Fprintf(&report, "%*s  %9s %9s %9s %9s\n\n", nameWidth, "", "precision", "recall", "f1-score", "support")

	var macroPrecision, macroRecall, macroF1 float64
	var weightedPrecision, weightedRecall, weightedF1 float64
	for classIdx, name := range classNames {
		precision := ratio(truePositives[classIdx], truePositives[classIdx]+falsePositives[classIdx])
		recall := ratio(truePositives[classIdx], truePositives[classIdx]+falseNegatives[classIdx])
		f1 := 0.0
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}
		write(name, precision, recall, f1, support[classIdx])
		macroPrecision += precision
		macroRecall += recall
		macroF1 += f1
		weight := float64(support[classIdx]) / float64(total)
		weightedPrecision += weight * precision
		weightedRecall += weight * recall
		weightedF1 += weight * f1
	}
	numClasses := float64(len(classNames))
	accuracy := float64(correct) / float64(total)
	fmt.Fprintf(&report, "\n%*s  %9s %9s %9.3f %9d\n", nameWidth, "accuracy", "", "", accuracy, total)
	write("macro avg", macroPrecision/numClasses, macroRecall/numClasses, macroF1/numClasses, total)
	write("weighted avg", weightedPrecision, weightedRecall, weightedF1, total)
	return report.String()
}

func ratio(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}
