package cnntrain

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModelParameters() *ModelParameters {
	return &ModelParameters{
		ImageSize: 64,
		Epochs:    30,
		Optimizer: "sgd",
		OptimizerConfig: [][2]string{
			{"learning_rate", "0.001"},
		},
		Loss:    LossName,
		Metrics: []string{"accuracy"},
		Elapsed: 2 * time.Minute,
		Summary: "fake model summary",
	}
}

func TestReportPath(t *testing.T) {
	assert.Equal(t, filepath.Join("output", "reports", "test1_report.txt"), ReportPath("test1"))
}

func TestWriteTrainingReport(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.Join("output", "reports"), 0755))

	cfg := DefaultConfig()
	cfg.Architecture = "minivgg"
	cfg.DataDir = "testdata"
	cfg.ModelName = "test1"
	require.NoError(t, WriteTrainingReport(cfg, testModelParameters(), "fake classification report"))

	raw, err := os.ReadFile(ReportPath("test1"))
	require.NoError(t, err)
	report := string(raw)

	sections := []string{
		"REPORT FOR MODEL: test1",
		"========   PROGRAM ARGUMENTS   ========",
		"======== MODEL HYPERPARAMETERS ========",
		"========    ELAPSED TRAINING TIME ========",
		"========     MODEL SUMMARY  ========",
		"======== CLASSIFICATION REPORT ========",
	}
	previous := -1
	for _, section := range sections {
		position := strings.Index(report, section)
		require.GreaterOrEqual(t, position, 0, "section %q missing", section)
		assert.Greater(t, position, previous, "section %q out of order", section)
		previous = position
	}

	assert.Contains(t, report, "2.000 minutes")
	assert.Contains(t, report, "architecture:    minivgg")
	assert.Contains(t, report, "learning_rate")
	assert.Contains(t, report, "fake model summary")
	assert.Contains(t, report, "fake classification report")
}

func TestWriteTrainingReportOverwrites(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.Join("output", "reports"), 0755))

	cfg := DefaultConfig()
	cfg.ModelName = "test1"
	require.NoError(t, WriteTrainingReport(cfg, testModelParameters(), "first"))
	require.NoError(t, WriteTrainingReport(cfg, testModelParameters(), "second"))

	raw, err := os.ReadFile(ReportPath("test1"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "second")
	assert.NotContains(t, string(raw), "first")
}

func TestWriteTrainingReportMissingDir(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg := DefaultConfig()
	cfg.ModelName = "test1"
	err := WriteTrainingReport(cfg, testModelParameters(), "report")
	require.Error(t, err)
	assert.NoFileExists(t, ReportPath("test1"))
}

func TestFormatClassificationReport(t *testing.T) {
	report := formatClassificationReport(
		[]string{"cats", "dogs"},
		[]int{8, 9},   // true positives
		[]int{1, 2},   // false positives
		[]int{2, 1},   // false negatives
		[]int{10, 10}, // support
		17, 20)

	assert.Contains(t, report, "precision")
	assert.Contains(t, report, "recall")
	assert.Contains(t, report, "f1-score")
	assert.Contains(t, report, "support")
	assert.Contains(t, report, "cats")
	assert.Contains(t, report, "dogs")
	assert.Contains(t, report, "accuracy")
	assert.Contains(t, report, "macro avg")
	assert.Contains(t, report, "weighted avg")
	// cats precision = 8/9, recall = 8/10; accuracy = 17/20.
	assert.Contains(t, report, "0.889")
	assert.Contains(t, report, "0.800")
	assert.Contains(t, report, "0.850")
}
