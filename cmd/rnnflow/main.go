// Package main provides the rnnflow CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/born-ml/rnnflow/internal/config"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/matrix"
	"github.com/born-ml/rnnflow/internal/optim"
	"github.com/born-ml/rnnflow/internal/serialization"
	"github.com/born-ml/rnnflow/internal/train"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stdout)
		return 0
	}

	var err error
	switch args[0] {
	case "version":
		fmt.Fprintf(stdout, "rnnflow %s\n", serialization.Version)
		fmt.Fprintf(stdout, "cpu: %v\n", device.CPUFeatures())
		return 0
	case "train":
		err = trainCmd(args[1:], stderr)
	case "inspect":
		err = inspectCmd(args[1:], stdout)
	case "export":
		err = exportCmd(args[1:], stdout)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "rnnflow %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "rnnflow - asynchronous dataflow training of recurrent networks")
	fmt.Fprintf(w, "Version: %s\n\n", serialization.Version)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  version                               Show version and CPU features")
	fmt.Fprintln(w, "  train   -config run.yaml              Train a model")
	fmt.Fprintln(w, "  inspect -checkpoint file.born         Describe a checkpoint")
	fmt.Fprintln(w, "  export  -checkpoint file.born -out f  Export parameters as SafeTensors")
}

func trainCmd(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "run.yaml", "run configuration")
	resume := fs.String("resume", "", "checkpoint to resume from (overrides model.resume)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if *resume != "" {
		cfg.Model.Resume = *resume
	}
	log, closeLog, err := cfg.Logging.NewLogger(stderr)
	if err != nil {
		return err
	}
	defer func() {
		_ = closeLog()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := train.Run(ctx, cfg, log)
	if res != nil {
		log.Info("run summary",
			"iterations", res.Iterations,
			"train_loss", res.TrainLoss,
			"valid_loss", res.ValidLoss,
			"checkpoint", res.Checkpoint)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func inspectCmd(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	path := fs.String("checkpoint", "", "checkpoint file")
	verify := fs.Bool("verify", false, "verify the data checksum")
	def := fs.Bool("definition", false, "print the stored model definition")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("-checkpoint is required")
	}

	r, err := serialization.NewMmapReader(*path)
	if err != nil {
		return err
	}
	defer r.Close()

	h := r.Header()
	fmt.Fprintf(stdout, "file:     %s\n", *path)
	fmt.Fprintf(stdout, "format:   v%d (rnnflow %s)\n", h.FormatVersion, h.Version)
	fmt.Fprintf(stdout, "created:  %s\n", h.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(stdout, "data:     %d bytes\n", r.DataSize())
	if tr := h.Training; tr != nil {
		fmt.Fprintf(stdout, "training: iteration %d, optimizer %s, learning rate %g\n", tr.Iteration, tr.Optimizer, tr.LearningRate)
	}
	if *verify {
		if err := r.VerifyChecksum(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "checksum: ok (%s)\n", r.Checksum())
	}
	if len(h.Metadata) > 0 {
		keys := make([]string, 0, len(h.Metadata))
		for k := range h.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(stdout, "meta:     %s=%s\n", k, h.Metadata[k])
		}
	}

	fmt.Fprintln(stdout)
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDTYPE\tSHAPE\tBYTES")
	for _, e := range h.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%d\n", e.Name, e.DType, e.Rows(), e.Cols(), e.Size)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if *def && h.Definition != "" {
		fmt.Fprintf(stdout, "\n%s", h.Definition)
	}
	return nil
}

func exportCmd(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	path := fs.String("checkpoint", "", "checkpoint file")
	out := fs.String("out", "", "SafeTensors output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *out == "" {
		return fmt.Errorf("-checkpoint and -out are required")
	}

	ck, err := serialization.LoadCheckpoint(*path)
	if err != nil {
		return err
	}
	meta := map[string]string{"source": "rnnflow " + serialization.Version}
	if ck.Training != nil {
		meta["iteration"] = fmt.Sprint(ck.Training.Iteration)
	}
	params := make(map[string]matrix.Host, len(ck.Parameters))
	for name, h := range ck.Parameters {
		if !optim.IsStateEntry(name) {
			params[name] = h
		}
	}
	if err := serialization.WriteSafeTensors(*out, params, meta); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported %d tensors to %s\n", len(params), *out)
	return nil
}
