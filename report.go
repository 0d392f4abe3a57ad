package cnntrain

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// ModelParameters gathers everything about a finished training run that the
// report prints besides the configuration itself.
type ModelParameters struct {
	ImageSize int
	Epochs    int

	// Optimizer name and its configuration as ordered key/value pairs.
	Optimizer       string
	OptimizerConfig [][2]string

	Loss    string
	Metrics []string

	// Elapsed wall-clock training time.
	Elapsed time.Duration

	// Summary is the multi-line model structure table.
	Summary string
}

// NewModelParameters collects the report inputs from the configuration and
// the trained context.
func NewModelParameters(cfg *Config, ctx *context.Context, elapsed time.Duration) *ModelParameters {
	return &ModelParameters{
		ImageSize: cfg.ImageSize,
		Epochs:    cfg.Epochs,
		Optimizer: cfg.Optimizer,
		OptimizerConfig: [][2]string{
			{"learning_rate", fmt.Sprintf("%g", cfg.LearningRate)},
		},
		Loss:    LossName,
		Metrics: []string{"accuracy"},
		Elapsed: elapsed,
		Summary: SummarizeModel(ctx),
	}
}

var summaryCellStyle = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)

// SummarizeModel renders the model structure as a table: one row per variable
// with its scope, name, shape and parameter count, followed by the totals.
func SummarizeModel(ctx *context.Context) string {
	type row struct {
		scope, name string
		shape       string
		params      int
	}
	var rows []row
	totalParams := 0
	var totalBytes uintptr
	ctx.EnumerateVariables(func(v *context.Variable) {
		rows = append(rows, row{
			scope:  v.Scope(),
			name:   v.Name(),
			shape:  v.Shape().String(),
			params: v.Shape().Size(),
		})
		totalParams += v.Shape().Size()
		totalBytes += v.Shape().Memory()
	})
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].scope != rows[j].scope {
			return rows[i].scope < rows[j].scope
		}
		return rows[i].name < rows[j].name
	})

	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			alignment := lipgloss.Left
			if col >= 2 {
				alignment = lipgloss.Right
			}
			return summaryCellStyle.Align(alignment)
		}).
		Headers("Scope", "Variable", "Shape", "Parameters")
	for _, r := range rows {
		table.Row(r.scope, r.name, r.shape, humanize.Comma(int64(r.params)))
	}

	var summary strings.Builder
	summary.WriteString(table.Render())
	fmt.Fprintf(&summary, "\nTotal: %s variables, %s parameters, %s\n",
		humanize.Comma(int64(len(rows))), humanize.Comma(int64(totalParams)), humanize.Bytes(uint64(totalBytes)))
	return summary.String()
}

// ReportPath returns where the training report of the named model is written.
func ReportPath(modelName string) string {
	return filepath.Join("output", "reports", modelName+"_report.txt")
}

// WriteTrainingReport writes the plain-text training report to
// ReportPath(cfg.ModelName), overwriting any previous report of the same
// model. The parent directory must already exist.
func WriteTrainingReport(cfg *Config, params *ModelParameters, classificationReport string) error {
	var report strings.Builder
	fmt.Fprintf(&report, "REPORT FOR MODEL: %s\n\n", cfg.ModelName)
	fmt.Fprintf(&report, "DATETIME: %s\n\n", time.Now().Format("2006-01-02 15:04:05"))

	report.WriteString("             ========   PROGRAM ARGUMENTS   ========\n\n")
	for _, arg := range [][2]string{
		{"architecture", cfg.Architecture},
		{"dataset", cfg.DataDir},
		{"normalize", fmt.Sprintf("%v", cfg.Normalize)},
		{"model_name", cfg.ModelName},
		{"grayscale", fmt.Sprintf("%v", cfg.Grayscale)},
		{"image_size", fmt.Sprintf("%d", cfg.ImageSize)},
		{"optimizer", cfg.Optimizer},
		{"etha", fmt.Sprintf("%g", cfg.LearningRate)},
		{"epochs", fmt.Sprintf("%d", cfg.Epochs)},
		{"batch_size", fmt.Sprintf("%d", cfg.BatchSize)},
	} {
		fmt.Fprintf(&report, "%-12s    %s\n", arg[0]+":", arg[1])
	}
	report.WriteString("\n\n")

	report.WriteString("             ======== MODEL HYPERPARAMETERS ========\n\n")
	fmt.Fprintf(&report, "image size:\t%d * %d\n", params.ImageSize, params.ImageSize)
	fmt.Fprintf(&report, "epochs:\t%10d\n", params.Epochs)
	fmt.Fprintf(&report, "optimizer:\t%-10s\n\n", params.Optimizer)
	for _, pair := range params.OptimizerConfig {
		fmt.Fprintf(&report, "\t\t\t* %-10s: \t%10s\n", pair[0], pair[1])
	}
	fmt.Fprintf(&report, "\nloss function:\t%s\n", params.Loss)
	fmt.Fprintf(&report, "metrics:\t%s\n\n\n", strings.Join(params.Metrics, ", "))

	report.WriteString("             ========    ELAPSED TRAINING TIME ========\n\n")
	fmt.Fprintf(&report, "elapsed training time:\t%10.3f minutes\n\n\n", params.Elapsed.Minutes())

	report.WriteString("             ========     MODEL SUMMARY  ========\n\n")
	report.WriteString(params.Summary)
	report.WriteString("\n\n")

	report.WriteString("             ======== CLASSIFICATION REPORT ========\n\n")
	report.WriteString(classificationReport)
	report.WriteString("\n\n")

	path := ReportPath(cfg.ModelName)
	if err := os.WriteFile(path, []byte(report.String()), 0644); err != nil {
		return errors.Wrapf(err, "failed to write training report to %q", path)
	}
	return nil
}
