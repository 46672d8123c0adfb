package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/mediacache/internal/config"
	"github.com/any-hub/mediacache/internal/logging"
	"github.com/any-hub/mediacache/internal/media"
	"github.com/any-hub/mediacache/internal/metrics"
	"github.com/any-hub/mediacache/internal/proxy"
	"github.com/any-hub/mediacache/internal/server"
	"github.com/any-hub/mediacache/internal/server/routes"
	"github.com/any-hub/mediacache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建命令树并执行，返回进程退出码。参数错误返回 2。
func execute(args []string) int {
	code := 0
	cmd := newRootCommand(&code)
	cmd.SetArgs(args)
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 2
	}
	return code
}

func newRootCommand(code *int) *cobra.Command {
	var opts cliOptions
	root := &cobra.Command{
		Use:           "mediacache",
		Short:         "本地流媒体缓存与播放网关",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			*code = run(opts)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "配置文件路径（默认 ./config.toml，可被 MEDIACACHE_CONFIG 覆盖）")
	root.Flags().BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	root.Flags().BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	root.AddCommand(newKeyCommand(&opts, code), newFetchCommand(&opts, code))
	return root
}

// run 根据解析到的 CLI 选项执行 gateway 流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["resume_policy"] = cfg.Global.ResumePolicy
		fields["marker_scheme"] = cfg.Global.MarkerScheme
		fields["headers"] = cfg.Global.HeaderNames()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	var recorder *metrics.Recorder
	if cfg.Global.MetricsEnabled {
		recorder = metrics.New()
	}

	// 启动顺序为“配置 → 缓存目录与元数据索引 → MediaManager → Fiber server”，
	// 所有请求共享同一个句柄注册表与缓存实例。
	manager, closeIndex, err := media.NewFromConfig(cfg, logger, recorder)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	defer closeIndex()
	defer manager.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen"] = cfg.Global.ListenAddr()
	fields["cache_dir"] = manager.CacheDir()
	fields["resume_policy"] = cfg.Global.ResumePolicy
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, manager, recorder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// resolveConfigPath 结合 flag 与环境变量计算最终的配置路径，flag 优先。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("MEDIACACHE_CONFIG"); env != "" {
		return env
	}
	return "config.toml"
}

func startHTTPServer(cfg *config.Config, manager *media.Manager, recorder *metrics.Recorder, logger *logrus.Logger) error {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Handles:    manager,
		Stream:     proxy.NewHandler(logger, recorder),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return err
	}
	routes.RegisterHandleRoutes(app, manager, logger)
	routes.RegisterMetricsRoute(app, recorder)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).Warn("Fiber 服务关闭失败")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   cfg.Global.ListenAddr(),
	}).Info("Fiber 服务启动")

	return app.Listen(cfg.Global.ListenAddr(), fiber.ListenConfig{DisableStartupMessage: true})
}
