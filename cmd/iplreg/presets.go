package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"iplreg/pkg/config"
	"iplreg/pkg/stages"
)

func (a *app) presetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presets [name]",
		Short: "List the built-in schedules or print one as a stage file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  a.runPresets,
	}
	cmd.Flags().StringP("output", "o", "", "write the stage file here instead of stdout")
	cmd.Flags().Bool("nonlinear", false, "print the default non-linear schedule")
	return cmd
}

func (a *app) runPresets(cmd *cobra.Command, args []string) error {
	if a.v.GetBool("nonlinear") {
		data, err := yaml.Marshal(stages.DefaultNonlinear())
		if err != nil {
			return err
		}
		_, err = a.stdout.Write(data)
		return err
	}

	if len(args) == 0 {
		for _, name := range stages.Names() {
			if name == stages.DefaultPreset {
				fmt.Fprintf(a.stdout, "%s %s\n", name, color.CyanString("(default)"))
				continue
			}
			fmt.Fprintln(a.stdout, name)
		}
		return nil
	}

	st, err := stages.Lookup(args[0])
	if err != nil {
		return err
	}
	if out := a.v.GetString("output"); out != "" {
		if err := stages.WriteFile(out, st); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s %s\n", color.GreenString("wrote"), out)
		return nil
	}
	data, err := yaml.Marshal(map[string]any{"stages": st})
	if err != nil {
		return err
	}
	_, err = a.stdout.Write(data)
	return err
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config path",
		Short: "Write a default config file (.yaml or .toml)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s %s\n", color.GreenString("wrote"), args[0])
			return nil
		},
	}
}
