package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/mediacache/internal/config"
	"github.com/any-hub/mediacache/internal/logging"
	"github.com/any-hub/mediacache/internal/media"
)

func newKeyCommand(opts *cliOptions, code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "key <url>",
		Short: "打印资源的缓存键、文件路径与缓存状态",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, cleanup, err := openManager(opts.configPath, cmd.Flags().Changed("config"))
			if err != nil {
				fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
				*code = 1
				return nil
			}
			defer cleanup()

			status, key, err := manager.Stat(args[0])
			if err != nil {
				fmt.Fprintf(stdErr, "读取缓存状态失败: %v\n", err)
				*code = 1
				return nil
			}
			path := status.Path
			if path == "" {
				path = manager.PathFor(args[0])
			}
			fmt.Fprintf(stdOut, "key:       %s\n", key.Hash)
			fmt.Fprintf(stdOut, "extension: %s\n", key.Extension)
			fmt.Fprintf(stdOut, "path:      %s\n", path)
			fmt.Fprintf(stdOut, "state:     %s\n", status.State)
			fmt.Fprintf(stdOut, "bytes:     %d\n", status.Size)
			return nil
		},
	}
}

func newFetchCommand(opts *cliOptions, code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <url>...",
		Short: "把一个或多个资源预取进缓存",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, cleanup, err := openManager(opts.configPath, cmd.Flags().Changed("config"))
			if err != nil {
				fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
				*code = 1
				return nil
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results, err := manager.Prefetch(ctx, args...)
			for _, res := range results {
				switch {
				case res.Err != nil:
					fmt.Fprintf(stdOut, "fail %s: %v\n", res.Locator, res.Err)
				case res.CacheHit:
					fmt.Fprintf(stdOut, "hit  %s %s\n", res.Key, res.Path)
				default:
					fmt.Fprintf(stdOut, "ok   %s %s\n", res.Key, res.Path)
				}
			}
			if err != nil {
				*code = 1
			}
			return nil
		},
	}
}

// openManager 为子命令构建 MediaManager。未显式指定且默认配置文件不存在时使用内置默认值。
func openManager(configFlag string, explicit bool) (*media.Manager, func(), error) {
	path := resolveConfigPath(configFlag)
	cfg, err := config.Load(path)
	if err != nil {
		if explicit || os.Getenv("MEDIACACHE_CONFIG") != "" {
			return nil, nil, err
		}
		if _, statErr := os.Stat(path); !errors.Is(statErr, fs.ErrNotExist) {
			return nil, nil, err
		}
		cfg = config.Default()
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, nil, err
	}
	// 子命令的输出面向终端，日志只保留告警。
	logger.SetLevel(logrus.WarnLevel)

	manager, closeIndex, err := media.NewFromConfig(cfg, logger, nil)
	if err != nil {
		return nil, nil, err
	}
	return manager, func() {
		manager.Close()
		closeIndex()
	}, nil
}
