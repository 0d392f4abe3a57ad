// cnntrain trains a convolutional neural network on a directory of labeled
// images and writes a plain-text training report.
//
// Example:
//
//	cnntrain -a minivgg -d ./flowers -mn flowers1 -i 64 -o adam -e 40
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/axtellabs/cnntrain"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func main() {
	cfg := cnntrain.DefaultConfig()
	fs := flag.NewFlagSet("cnntrain", flag.ExitOnError)
	cfg.RegisterFlags(fs)
	klog.InitFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "%s\n\nUsage of %s:\n", cnntrain.Description, os.Args[0])
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:]) // ExitOnError: Parse exits on bad flags.

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n\n", os.Args[0], err)
		fs.Usage()
		os.Exit(2)
	}
	if err := cnntrain.TrainModel(cfg); err != nil {
		klog.Exitf("%+v", err)
	}
}
