package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

type docsOptions struct {
	dir    string
	format string
}

// newDocsCmd builds the hidden gen-docs command used when packaging.
func newDocsCmd() *cobra.Command {
	var opts docsOptions
	cmd := &cobra.Command{
		Use:    "gen-docs",
		Short:  "Write sitepull's man pages or reference docs",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeDocs(cmd.Root(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.dir, "dir", "docs", "directory the pages are written to")
	cmd.Flags().StringVar(&opts.format, "format", "man", "man, markdown or yaml")
	return cmd
}

func writeDocs(root *cobra.Command, opts docsOptions) error {
	// Keep generated pages stable between builds.
	root.DisableAutoGenTag = true

	var gen func() error
	switch opts.format {
	case "man":
		gen = func() error {
			return doc.GenManTree(root, &doc.GenManHeader{
				Title:   "SITEPULL",
				Section: "1",
				Source:  "sitepull " + version,
				Manual:  "sitepull manual",
			}, opts.dir)
		}
	case "markdown":
		gen = func() error { return doc.GenMarkdownTree(root, opts.dir) }
	case "yaml":
		gen = func() error { return doc.GenYamlTree(root, opts.dir) }
	default:
		return fmt.Errorf("unknown docs format %q", opts.format)
	}

	if err := os.MkdirAll(opts.dir, 0o755); err != nil {
		return fmt.Errorf("create docs dir: %w", err)
	}
	if err := gen(); err != nil {
		return fmt.Errorf("generate %s docs: %w", opts.format, err)
	}
	return nil
}
