package main

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-zsr/zsr"
)

func newCreateCmd() *cobra.Command {
	var linkPolicy string

	cmd := &cobra.Command{
		Use:   "create <srcdir> <dest.archive>",
		Short: "Build an archive from a source directory tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := parseLinkPolicy(linkPolicy)
			if err != nil {
				return err
			}

			ctx, cancel := zsr.InterruptibleContext()
			defer cancel()

			opts := zsr.BuildOptions{
				LinkPolicy:      policy,
				NodeSchema:      []string{"title"},
				TitleField:      "title",
				ArchiveMetadata: []zsr.KV{{Key: "generator", Value: "zsr"}},
				MetadataFunc: func(archivePath string) ([]string, error) {
					return []string{deriveTitle(archivePath)}, nil
				},
			}
			return zsr.Build(ctx, args[0], args[1], opts)
		},
	}

	cmd.Flags().StringVar(&linkPolicy, "links", "process", "how to handle symlinks: process, follow, or skip")
	return cmd
}

func parseLinkPolicy(s string) (zsr.LinkPolicy, error) {
	switch strings.ToLower(s) {
	case "process":
		return zsr.Process, nil
	case "follow":
		return zsr.Follow, nil
	case "skip":
		return zsr.Skip, nil
	default:
		return 0, fmt.Errorf("unknown --links value %q (want process, follow, or skip)", s)
	}
}

// deriveTitle turns an archive-relative path's base name into a
// human-readable title: the file extension is dropped and separator
// characters become spaces.
func deriveTitle(archivePath string) string {
	base := path.Base(archivePath)
	base = strings.TrimSuffix(base, path.Ext(base))
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-':
			return ' '
		default:
			return r
		}
	}, base)
}
