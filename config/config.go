package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	jRPC "github.com/0xPolygon/cdk-rpc/rpc"
	"github.com/PinkDiamond1/stacks-subnets/blockbuilder"
	"github.com/PinkDiamond1/stacks-subnets/commitments"
	"github.com/PinkDiamond1/stacks-subnets/common"
	"github.com/PinkDiamond1/stacks-subnets/l1client"
	"github.com/PinkDiamond1/stacks-subnets/l1observer"
	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/mempool"
	"github.com/PinkDiamond1/stacks-subnets/node"
	"github.com/PinkDiamond1/stacks-subnets/reorgdetector"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

const (
	// FlagCfg is the flag for cfg.
	FlagCfg = "cfg"
	// FlagComponents is the flag for components.
	FlagComponents = "components"
	// FlagSaveConfigPath is the flag to save the final configuration file
	FlagSaveConfigPath = "save-config-path"

	EnvVarPrefix       = "SUBNETS"
	ConfigType         = "toml"
	SaveConfigFileName = "subnets_config.toml"

	DefaultCreationFilePermissions = os.FileMode(0600)
)

// Config represents the configuration of the entire subnet node.
// The file is TOML format; every section can be overridden through
// environment variables prefixed with SUBNETS_ (e.g. SUBNETS_RPC_PORT).
type Config struct {
	// Configure Log level for all the services, allow also to store the logs in a file
	Log log.Config
	// Common Config that affects all the services
	Common common.Config
	// DBPath is the sqlite file holding the chainstate, the peg ledger,
	// the withdrawal tree and the commitment table
	DBPath string

	// Configuration of the client that talks to the L1 chain
	L1Client l1client.Config
	// Configuration of the reorg detector watching the L1
	ReorgDetector reorgdetector.Config
	// Configuration of the L1 observer service
	L1Observer l1observer.Config

	// Configuration of the mempool
	Mempool mempool.Config
	// Configuration of the block builder
	BlockBuilder blockbuilder.Config
	// Configuration of the commitment coordinator
	Commitments commitments.Config
	// Configuration of the node production loop
	Node node.Config

	// RPC is the config for the RPC server
	RPC jRPC.Config
}

// FileData is the content of a config file together with its origin,
// kept for error reporting
type FileData struct {
	Name    string
	Content string
}

// Load loads the configuration from the files given via FlagCfg,
// layered on top of the defaults
func Load(ctx *cli.Context) (*Config, error) {
	configFilePaths := ctx.StringSlice(FlagCfg)
	filesData, err := readFiles(configFilePaths)
	if err != nil {
		return nil, fmt.Errorf("error reading files:  Err:%w", err)
	}
	saveConfigPath := ctx.String(FlagSaveConfigPath)
	return LoadFiles(filesData, saveConfigPath)
}

func readFiles(files []string) ([]FileData, error) {
	result := make([]FileData, 0, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("error reading file content: %s. Err:%w", file, err)
		}
		result = append(result, FileData{Name: file, Content: string(content)})
	}
	return result, nil
}

// LoadFiles merges the given config files on top of DefaultValues, later
// files overriding earlier ones, and unmarshals the result. If
// saveConfigPath is set, the merged configuration is written there.
func LoadFiles(files []FileData, saveConfigPath string) (*Config, error) {
	viper.Reset()
	viper.SetConfigType(ConfigType)
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.SetEnvPrefix(EnvVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadConfig(bytes.NewBufferString(DefaultValues)); err != nil {
		return nil, fmt.Errorf("error reading default config. Err:%w", err)
	}
	for _, file := range files {
		if err := viper.MergeConfig(bytes.NewBufferString(file.Content)); err != nil {
			return nil, fmt.Errorf("error merging config file: %s. Err:%w", file.Name, err)
		}
	}

	cfg := &Config{}
	decodeHooks := []viper.DecoderConfigOption{
		// this allows arrays to be decoded from env var separated by ",", example: MY_VAR="value1,value2,value3"
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(), mapstructure.StringToSliceHookFunc(","))),
	}
	if err := viper.Unmarshal(cfg, decodeHooks...); err != nil {
		return nil, fmt.Errorf("error unmarshaling config. Err:%w", err)
	}

	if saveConfigPath != "" {
		fullPath := saveConfigPath + "/" + SaveConfigFileName
		if err := viper.WriteConfigAs(fullPath); err != nil {
			err = fmt.Errorf("error writing config file: %s. Err: %w", fullPath, err)
			log.Error(err)
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFileFromString loads the configuration from a single toml string,
// layered on top of the defaults. Used by tests and tooling.
func LoadFileFromString(configFileData string) (*Config, error) {
	return LoadFiles([]FileData{{Name: "string", Content: configFileData}}, "")
}
