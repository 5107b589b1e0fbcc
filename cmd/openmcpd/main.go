package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Orchestrator/internal/api"
	"OpenMCP-Orchestrator/internal/config"
	"OpenMCP-Orchestrator/internal/observability/tracing"
	"OpenMCP-Orchestrator/internal/pipeline"
	"OpenMCP-Orchestrator/internal/tools"
)

// Version 由构建时注入。
var Version = "dev"

// main 是 OpenMCP 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing.ServiceVersion = Version
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "openmcpd: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "openmcpd",
		Short:         "OpenMCP 编排服务",
		Long:          "openmcpd 托管思考流水线、工具注册表与 AI 任务编排器，并通过 HTTP API 对外提供服务。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "配置文件路径 (YAML 或 JSON)，默认读取 OPENMCP_CONFIG 或 configs/openmcp.yaml")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "覆盖配置中的日志级别")

	cmd.AddCommand(serveCmd(flags), processCmd(flags), toolsCmd(flags), versionCmd())
	return cmd
}

// loadConfig 读取配置文件；未显式指定且默认文件不存在时使用默认配置。
func loadConfig(flags *globalFlags) (*config.Config, error) {
	path := flags.configPath
	explicit := path != ""
	if !explicit {
		path = os.Getenv("OPENMCP_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = filepath.Join("configs", "openmcp.yaml")
	}

	var cfg *config.Config
	if _, statErr := os.Stat(path); statErr != nil && !explicit && errors.Is(statErr, os.ErrNotExist) {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	return cfg, nil
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API 与任务处理器",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			ctx := cmd.Context()
			app, err := buildApplication(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			server := api.NewServer(cfg.Server.Address, api.Dependencies{
				Pipeline:       app.pipeline,
				Registry:       app.registry,
				Executor:       app.executor,
				Tasks:          app.tasks,
				Orchestrator:   app.orchestrator,
				Permissions:    app.permissions,
				Bus:            app.bus,
				AllowedOrigins: cfg.Server.AllowedOrigins,
			})

			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error { return server.Start(groupCtx) })
			if app.queue != nil {
				group.Go(func() error {
					err := app.processor.Start(groupCtx)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
			}
			app.logger.Info("openmcpd 已启动",
				slog.String("addr", cfg.Server.Address),
				slog.String("task_queue", cfg.TaskQueue.Driver),
				slog.String("execution", cfg.Pipeline.Execution),
				slog.String("planner", cfg.Pipeline.Planner),
			)
			err = group.Wait()
			app.logger.Info("openmcpd 已停止")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "覆盖监听地址")
	return cmd
}

func processCmd(flags *globalFlags) *cobra.Command {
	var (
		userID  string
		asJSON  bool
		execute bool
	)
	cmd := &cobra.Command{
		Use:   "process [input]",
		Short: "在本地运行一次思考流水线",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if execute {
				cfg.Pipeline.Execution = "tools"
			}
			app, err := buildApplication(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			subject := app.permissions.Subject(userID)
			result := app.pipeline.Process(cmd.Context(), pipeline.Request{
				Input:       strings.Join(args, " "),
				UserID:      subject.ID,
				Permissions: subject.Permissions,
			})
			return printResult(cmd.OutOrStdout(), result, asJSON)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "cli", "以该用户的权限运行")
	cmd.Flags().BoolVar(&asJSON, "json", false, "输出完整的 JSON 结果")
	cmd.Flags().BoolVar(&execute, "execute", false, "实际调用工具而不是模拟执行")
	return cmd
}

func printResult(w io.Writer, result *pipeline.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	switch {
	case result.RequiresConfirmation:
		fmt.Fprintf(w, "需要确认 (风险 %s): %s\n", result.RiskLevel, result.ConfirmationMessage)
	case !result.Success:
		return fmt.Errorf("%s (%s)", result.Error, result.ErrorCode)
	case result.Output != nil:
		fmt.Fprintln(w, result.Output.Content)
	}
	fmt.Fprintf(w, "\n阶段: %s  耗时: %s\n", strings.Join(result.StepsExecuted, " → "), result.ExecutionTime)
	return nil
}

func toolsCmd(flags *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "列出已注册的工具或导出调用模式",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			app, err := buildApplication(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			if format != "" {
				schemas, err := app.registry.ExportAll(tools.SchemaFormat(format))
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(schemas)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCATEGORY\tPERMISSIONS\tFLAGS\tDESCRIPTION")
			for _, def := range app.registry.GetAll() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					def.Name, def.Category, strings.Join(def.Permissions, ","), toolFlags(def), def.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&format, "schema", "", "导出模式: openai | anthropic | gemini")
	return cmd
}

func toolFlags(def tools.Definition) string {
	var flags []string
	if def.Dangerous {
		flags = append(flags, "dangerous")
	}
	if def.Reversible {
		flags = append(flags, "reversible")
	}
	if def.RequiresPeer {
		flags = append(flags, "peer")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本信息",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "openmcpd %s\n", Version)
		},
	}
}
