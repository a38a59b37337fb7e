package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/output"
)

type outputSink struct {
	writer io.Writer
	close  func() error
	path   string
}

// outputFlags are the --output-format/--out/--out-dir flags shared by admin commands.
type outputFlags struct {
	format string
	out    string
	outDir string
}

func (o *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.format, "output-format", string(output.FormatTable), "Output format: table|json|yaml")
	cmd.Flags().StringVar(&o.out, "out", "", "Write output to a file (default stdout)")
	cmd.Flags().StringVar(&o.outDir, "out-dir", "", "Write output to a directory")
}

// write renders value to the selected sink. name is the file stem used with --out-dir.
func (o *outputFlags) write(name string, value any) error {
	format, err := output.ParseFormat(o.format)
	if err != nil {
		return err
	}

	outPath := strings.TrimSpace(o.out)
	outDir := strings.TrimSpace(o.outDir)
	if outPath != "" && outDir != "" {
		return fmt.Errorf("--out and --out-dir are mutually exclusive")
	}
	if outDir != "" {
		outDir, err = ensureOutDir(outDir)
		if err != nil {
			return err
		}
		outPath = filepath.Join(outDir, fmt.Sprintf("%s.%s", name, format.Extension()))
	}

	sink, err := openSink(outPath)
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()

	return output.Write(sink.writer, format, value)
}

func openSink(path string) (*outputSink, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "-" {
		return &outputSink{writer: os.Stdout, close: func() error { return nil }, path: "-"}, nil
	}

	if err := os.MkdirAll(filepath.Dir(trimmed), 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(trimmed)
	if err != nil {
		return nil, err
	}
	return &outputSink{writer: file, close: file.Close, path: trimmed}, nil
}

func ensureOutDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", nil
	}
	if err := os.MkdirAll(clean, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return clean, nil
	}
	return abs, nil
}
