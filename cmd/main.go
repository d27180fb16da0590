package main

import (
	"os"

	subnets "github.com/PinkDiamond1/stacks-subnets"
	"github.com/PinkDiamond1/stacks-subnets/common"
	"github.com/PinkDiamond1/stacks-subnets/config"
	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/urfave/cli/v2"
)

const appName = "subnets-node"

var (
	configFileFlag = cli.StringSliceFlag{
		Name:     config.FlagCfg,
		Aliases:  []string{"c"},
		Usage:    "Configuration file(s)",
		Required: false,
	}
	componentsFlag = cli.StringSliceFlag{
		Name:     config.FlagComponents,
		Aliases:  []string{"co"},
		Usage:    "List of components to run",
		Required: false,
		Value:    cli.NewStringSlice(common.L1_OBSERVER, common.BLOCK_PRODUCER, common.RPC),
	}
	saveConfigFlag = cli.StringFlag{
		Name:     config.FlagSaveConfigPath,
		Aliases:  []string{"s"},
		Usage:    "Save final configuration into the indicated path (name: " + config.SaveConfigFileName + ")",
		Required: false,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = appName
	app.Version = subnets.Version
	flags := []cli.Flag{
		&configFileFlag,
		&componentsFlag,
		&saveConfigFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name:   "version",
			Usage:  "Application version and build",
			Action: versionCmd,
		},
		{
			Name:   "run",
			Usage:  "Run the subnet node",
			Action: start,
			Flags:  flags,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
		os.Exit(1)
	}
}
