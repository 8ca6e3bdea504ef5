package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-zsr/zsr"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <src.archive> [member_path]",
		Short: "List the immediate children of a directory member",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := zsr.Open(args[0])
			if err != nil {
				return err
			}
			defer a.Close()

			memberPath := ""
			if len(args) == 2 {
				memberPath = args[1]
			}
			n, err := a.Resolve(memberPath)
			if err != nil {
				return err
			}
			children, err := n.Children()
			if err != nil {
				return err
			}
			for _, c := range children {
				switch c.Kind() {
				case zsr.Directory:
					fmt.Printf("%s/\n", c.Name())
				case zsr.Link:
					targetID, err := c.TargetID()
					if err != nil {
						return err
					}
					target, err := a.Node(targetID)
					if err != nil {
						return err
					}
					targetPath, err := a.Path(target)
					if err != nil {
						return err
					}
					fmt.Printf("%s -> %s\n", c.Name(), targetPath)
				default:
					fmt.Println(c.Name())
				}
			}
			return nil
		},
	}
}
