package main

import (
	"os"

	subnets "github.com/PinkDiamond1/stacks-subnets"
	"github.com/urfave/cli/v2"
)

func versionCmd(*cli.Context) error {
	subnets.PrintVersion(os.Stdout)
	return nil
}
