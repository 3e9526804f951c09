package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"delta-gateway/internal/icons"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pwaicons",
		Short:         "Generate PWA icons from the logo image",
		Long:          `pwaicons downloads the logo, flattens it onto white and writes icon-<size>.png files for the web manifest.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String("url", icons.DefaultSourceURL, "source image URL")
	flags.String("out", icons.DefaultOutDir, "output directory")
	flags.IntSlice("size", icons.DefaultSizes, "icon edge length in pixels (repeatable)")

	v.SetEnvPrefix("PWAICONS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)

	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, v *viper.Viper) error {
	if ctx == nil {
		ctx = context.Background()
	}

	sizes, err := parseSizes(v.Get("size"))
	if err != nil {
		return err
	}
	opts := icons.Options{
		SourceURL: v.GetString("url"),
		OutDir:    v.GetString("out"),
		Sizes:     sizes,
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Fetching %s\n", opts.SourceURL)
	written, err := icons.Generate(ctx, opts)
	if err != nil {
		return err
	}
	for _, ic := range written {
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%dx%d, %d bytes)\n", ic.Path, ic.Size, ic.Size, ic.Bytes)
	}
	return nil
}

// parseSizes accepts the flag value ([]int) or a comma separated env value.
func parseSizes(raw any) ([]int, error) {
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case []int:
		return val, nil
	case string:
		val = strings.Trim(strings.TrimSpace(val), "[]")
		if val == "" {
			return nil, nil
		}
		var out []int
		for _, part := range strings.Split(val, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("invalid size %q", part)
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported size value %v", raw)
	}
}
