package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"code-executor/internal/sandbox"
)

func newLanguagesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List accepted languages and their images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeApp(a)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LANGUAGE\tIMAGE")
			for _, lang := range a.Engine.Languages() {
				rt, _ := a.Engine.Registry().Resolve(lang)
				fmt.Fprintf(tw, "%s\t%s\n", lang, rt.Image())
			}
			return tw.Flush()
		},
	}
}

func newImagesCmd(opts *globalOptions) *cobra.Command {
	images := &cobra.Command{
		Use:   "images",
		Short: "Inspect or pre-pull runtime images",
	}

	images.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Report which runtime images are present locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeApp(a)

			statuses := sandbox.CheckImages(cmd.Context(), a.Engine.Backend(), a.Engine.Registry().Images())
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "IMAGE\tSTATUS")
			for _, s := range statuses {
				status := "present"
				switch {
				case s.Err != nil:
					status = "error: " + s.Err.Error()
				case !s.Present:
					status = "missing"
				}
				fmt.Fprintf(tw, "%s\t%s\n", s.Ref, status)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if missing := sandbox.MissingImages(statuses); len(missing) > 0 {
				return &exitError{code: 1}
			}
			return nil
		},
	})

	var parallel int
	pull := &cobra.Command{
		Use:   "pull",
		Short: "Pull every runtime image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeApp(a)

			refs := a.Engine.Registry().Images()
			if err := sandbox.PullImages(cmd.Context(), a.Engine.Backend(), refs, parallel); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pulled %d image(s)\n", len(refs))
			return nil
		},
	}
	pull.Flags().IntVar(&parallel, "parallel", 2, "Concurrent pulls")
	images.AddCommand(pull)

	return images
}

func newReapCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Remove sandbox containers left behind past their deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeApp(a)

			n, err := a.Engine.Reap(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphaned container(s)\n", n)
			return nil
		},
	}
}
