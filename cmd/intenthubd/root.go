package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"IntentHub/internal/config"
)

// rootOptions 保存所有子命令共享的参数。
type rootOptions struct {
	configPath string
	explicit   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "intenthubd",
		Short:         "Remote intent hub: decode, deduplicate and dispatch cross-chain intents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts.explicit = cmd.Flags().Changed("config")
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath(), "path to the JSON configuration file")

	root.AddCommand(
		newServeCommand(opts),
		newPublishCommand(opts),
		newInspectCommand(opts),
	)
	return root
}

func defaultConfigPath() string {
	if path := os.Getenv("INTENTHUB_CONFIG"); path != "" {
		return path
	}
	return config.DefaultPath
}

// load 读取配置。未显式指定且默认文件不存在时退回到纯环境变量配置。
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err == nil {
		return cfg, nil
	}
	if !o.explicit && os.Getenv("INTENTHUB_CONFIG") == "" && errors.Is(err, fs.ErrNotExist) {
		return config.Default()
	}
	return nil, err
}
