package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-zsr/zsr"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <src.archive> [member_path]",
		Short: "Print archive or node metadata",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := zsr.Open(args[0])
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				return printArchiveInfo(a)
			}
			return printNodeInfo(a, args[1])
		},
	}
}

func printArchiveInfo(a *zsr.Archive) error {
	fmt.Printf("nodes: %d\n", a.Count())
	fmt.Println("archive metadata:")
	for _, kv := range a.Metadata() {
		fmt.Printf("  %s = %s\n", kv.Key, kv.Value)
	}
	fmt.Println("node metadata schema:")
	for _, field := range a.NodeSchema() {
		fmt.Printf("  %s\n", field)
	}
	return nil
}

func printNodeInfo(a *zsr.Archive, memberPath string) error {
	n, err := a.Resolve(memberPath)
	if err != nil {
		return err
	}
	fmt.Printf("path: %s\n", memberPath)
	fmt.Printf("kind: %s\n", n.Kind())
	if n.Kind() == zsr.Link {
		dest, err := n.Dest()
		if err != nil {
			return err
		}
		destPath, err := a.Path(dest)
		if err != nil {
			return err
		}
		fmt.Printf("dest: %s\n", destPath)
		return nil
	}
	if n.Kind() != zsr.Regular {
		return nil
	}
	size, err := n.FullSize()
	if err != nil {
		return err
	}
	fmt.Printf("size: %d\n", size)
	for _, field := range a.NodeSchema() {
		v, err := n.MetadataValue(field)
		if err != nil {
			return err
		}
		fmt.Printf("  %s = %s\n", field, v)
	}
	return nil
}
