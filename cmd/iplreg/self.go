package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"iplreg/pkg/registration"
)

func (a *app) selfCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "self [flags] source target output_xfm",
		Short: "Register two scans of the same subject with mritoself",
		Args:  cobra.ExactArgs(3),
		RunE:  a.runSelf,
	}

	f := cmd.Flags()
	f.String("lin", "", "transform family passed to mritoself")
	f.String("mask", "", "mask used for both scans")
	f.String("target-talxfm", "", "stereotaxic transform of the target")
	f.String("init-xfm", "", "initial transform")
	f.String("model", "", "model name")
	f.String("modeldir", "", "model directory")
	f.Bool("close", false, "inputs are already close to each other")
	f.Bool("nocrop", false, "do not crop the inputs")
	f.Bool("noautothreshold", false, "disable automatic thresholding")
	f.String("program", "", "replacement for the mritoself binary")
	return cmd
}

func (a *app) runSelf(cmd *cobra.Command, args []string) error {
	req := registration.SelfRequest{
		Source:          args[0],
		Target:          args[1],
		Output:          args[2],
		Parameters:      dashed(a.v.GetString("lin")),
		Mask:            a.v.GetString("mask"),
		TargetTalXFM:    a.v.GetString("target-talxfm"),
		InitXFM:         a.v.GetString("init-xfm"),
		Model:           a.v.GetString("model"),
		ModelDir:        a.v.GetString("modeldir"),
		Close:           a.v.GetBool("close"),
		NoCrop:          a.v.GetBool("nocrop"),
		NoAutoThreshold: a.v.GetBool("noautothreshold"),
		Program:         a.v.GetString("program"),
	}
	if err := a.registrar(a.tools()).LinearToSelf(cmd.Context(), req); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s %s\n", color.GreenString("done"), req.Output)
	return nil
}
