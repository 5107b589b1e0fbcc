package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"OpenMCP-Orchestrator/pkg/logger"
	"OpenMCP-Orchestrator/pkg/plugin"
)

// Config 描述了编排服务在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig         `yaml:"server" json:"server"`
	Logging      logger.Config        `yaml:"logging" json:"logging"`
	Storage      StorageConfig        `yaml:"storage" json:"storage"`
	TaskQueue    TaskQueueConfig      `yaml:"task_queue" json:"task_queue"`
	Orchestrator OrchestratorConfig   `yaml:"orchestrator" json:"orchestrator"`
	Executor     ExecutorConfig       `yaml:"executor" json:"executor"`
	Pipeline     PipelineConfig       `yaml:"pipeline" json:"pipeline"`
	LLM          LLMConfig            `yaml:"llm" json:"llm"`
	Memory       MemoryConfig         `yaml:"memory" json:"memory"`
	Events       EventsConfig         `yaml:"events" json:"events"`
	Permissions  PermissionsConfig    `yaml:"permissions" json:"permissions"`
	Web3         Web3Config           `yaml:"web3" json:"web3"`
	Telemetry    TelemetryConfig      `yaml:"telemetry" json:"telemetry"`
	Alerting     AlertingConfig       `yaml:"alerting" json:"alerting"`
	Runtime      RuntimeConfig        `yaml:"runtime" json:"runtime"`
	Plugins      plugin.ManagerConfig `yaml:"plugins" json:"plugins"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string   `yaml:"address" json:"address"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// StorageConfig 描述任务持久化后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `yaml:"task_store" json:"task_store"`
}

// TaskStoreConfig 支持 memory、mysql 与 sqlite 三种驱动。
type TaskStoreConfig struct {
	Driver                 string `yaml:"driver" json:"driver"`
	DSN                    string `yaml:"dsn" json:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds" json:"conn_max_lifetime_seconds"`
	ListLimit              int    `yaml:"list_limit" json:"list_limit"`
}

// RedisConfig 是 Redis 连接参数，队列与记忆存储共用。
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接。
type RabbitMQConfig struct {
	URL                string `yaml:"url" json:"url"`
	Queue              string `yaml:"queue" json:"queue"`
	Prefetch           int    `yaml:"prefetch" json:"prefetch"`
	DeadLetterExchange string `yaml:"dead_letter_exchange" json:"dead_letter_exchange"`
}

// TaskQueueConfig 控制 AI 任务从提交到执行之间的投递方式。
// direct 表示跳过队列直接提交到编排器。
type TaskQueueConfig struct {
	Driver        string         `yaml:"driver" json:"driver"`
	BufferSize    int            `yaml:"buffer_size" json:"buffer_size"`
	Workers       int            `yaml:"workers" json:"workers"`
	MaxDeliveries int            `yaml:"max_deliveries" json:"max_deliveries"`
	Redis         RedisConfig    `yaml:"redis" json:"redis"`
	RabbitMQ      RabbitMQConfig `yaml:"rabbitmq" json:"rabbitmq"`
}

// OrchestratorConfig 控制调度器的并发上限与失败传播。
type OrchestratorConfig struct {
	MaxConcurrent   int  `yaml:"max_concurrent" json:"max_concurrent"`
	CascadeFailures bool `yaml:"cascade_failures" json:"cascade_failures"`
}

// ExecutorConfig 控制工具执行器的默认行为。
type ExecutorConfig struct {
	DefaultTimeoutMS int  `yaml:"default_timeout_ms" json:"default_timeout_ms"`
	CaptureState     bool `yaml:"capture_state" json:"capture_state"`
	RecordHistory    bool `yaml:"record_history" json:"record_history"`
}

// PipelineConfig 控制思考管线。
type PipelineConfig struct {
	MemoryEnabled bool   `yaml:"memory_enabled" json:"memory_enabled"`
	MemoryLimit   int    `yaml:"memory_limit" json:"memory_limit"`
	StepDelayMS   int    `yaml:"step_delay_ms" json:"step_delay_ms"`
	Execution     string `yaml:"execution" json:"execution"`
	Planner       string `yaml:"planner" json:"planner"`
	ForcePipeline bool   `yaml:"force_pipeline" json:"force_pipeline"`
	OutputFormat  string `yaml:"output_format" json:"output_format"`
}

// LLMConfig 描述大模型规划器使用的后端，pipeline.planner 为 openai 或 python 时生效。
type LLMConfig struct {
	TimeoutMS   int          `yaml:"timeout_ms" json:"timeout_ms"`
	MemoryDepth int          `yaml:"memory_depth" json:"memory_depth"`
	OpenAI      OpenAIConfig `yaml:"openai" json:"openai"`
	Python      PythonConfig `yaml:"python" json:"python"`
}

// OpenAIConfig 是 OpenAI 兼容接口的连接参数。api_key 为空时读取 api_key_env 指定的环境变量。
type OpenAIConfig struct {
	APIKey    string `yaml:"api_key" json:"api_key"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	Model     string `yaml:"model" json:"model"`
}

// PythonConfig 描述本地 Python 桥接脚本。
type PythonConfig struct {
	Executable string `yaml:"executable" json:"executable"`
	ScriptPath string `yaml:"script_path" json:"script_path"`
	WorkingDir string `yaml:"working_dir" json:"working_dir"`
}

// MemoryConfig 描述记忆存储。
type MemoryConfig struct {
	Driver        string      `yaml:"driver" json:"driver"`
	Capacity      int         `yaml:"capacity" json:"capacity"`
	KnowledgeFile string      `yaml:"knowledge_file" json:"knowledge_file"`
	Redis         RedisConfig `yaml:"redis" json:"redis"`
}

// EventsConfig 控制事件总线向 NATS 的桥接。
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url" json:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
}

// UserPermissions 为一个用户授予一组权限。
type UserPermissions struct {
	ID          string   `yaml:"id" json:"id"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// PermissionsConfig 是权限目录的初始数据。
type PermissionsConfig struct {
	Users   []UserPermissions `yaml:"users" json:"users"`
	Default []string          `yaml:"default" json:"default"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL      string `yaml:"rpc_url" json:"rpc_url"`
	ChainConfig string `yaml:"chain_config" json:"chain_config"`
	Chain       string `yaml:"chain" json:"chain"`
}

// TelemetryConfig 控制 OpenTelemetry 链路追踪。
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

// AlertingConfig 控制 AI 任务失败告警的投递。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
	TimeoutMS  int    `yaml:"timeout_ms" json:"timeout_ms"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
	EnvFile string `yaml:"env_file" json:"env_file"`
}

// Default 返回仅包含默认值的配置，baseDir 为空时使用当前目录。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	cfg.applyEnv()
	return cfg
}

// Load 负责解析指定路径的 YAML 或 JSON 配置文件。
// 解析完成后依次应用默认值、.env 文件与 OPENMCP_* 环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	cfg.applyDefaults(baseDir)
	if err := loadEnvFile(cfg.Runtime.EnvFile); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载环境变量文件失败: %w", err)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	store := &c.Storage.TaskStore
	if store.Driver == "" {
		store.Driver = "memory"
	}
	if store.MaxOpenConns <= 0 {
		store.MaxOpenConns = 10
	}
	if store.MaxIdleConns <= 0 {
		store.MaxIdleConns = 5
	}
	if store.ConnMaxLifetimeSeconds <= 0 {
		store.ConnMaxLifetimeSeconds = 300
	}
	if store.ListLimit <= 0 {
		store.ListLimit = 100
	}

	queue := &c.TaskQueue
	if queue.Driver == "" {
		queue.Driver = "memory"
	}
	if queue.BufferSize <= 0 {
		queue.BufferSize = 64
	}
	if queue.Workers <= 0 {
		queue.Workers = 2
	}
	if queue.MaxDeliveries <= 0 {
		queue.MaxDeliveries = 3
	}
	if queue.Redis.Address == "" {
		queue.Redis.Address = "127.0.0.1:6379"
	}
	if queue.Redis.Key == "" {
		queue.Redis.Key = "openmcp:aitasks"
	}
	if queue.RabbitMQ.Queue == "" {
		queue.RabbitMQ.Queue = "openmcp.aitasks"
	}
	if queue.RabbitMQ.Prefetch <= 0 {
		queue.RabbitMQ.Prefetch = 1
	}

	if c.Orchestrator.MaxConcurrent <= 0 {
		c.Orchestrator.MaxConcurrent = 3
	}

	if c.Executor.DefaultTimeoutMS <= 0 {
		c.Executor.DefaultTimeoutMS = 30000
	}

	if c.Pipeline.MemoryLimit <= 0 {
		c.Pipeline.MemoryLimit = 5
	}
	if c.Pipeline.StepDelayMS <= 0 {
		c.Pipeline.StepDelayMS = 100
	}
	if c.Pipeline.Execution == "" {
		c.Pipeline.Execution = "simulated"
	}
	if c.Pipeline.OutputFormat == "" {
		c.Pipeline.OutputFormat = "markdown"
	}
	if c.Pipeline.Planner == "" {
		c.Pipeline.Planner = "heuristic"
	}

	if c.LLM.TimeoutMS <= 0 {
		c.LLM.TimeoutMS = 30000
	}
	if c.LLM.MemoryDepth <= 0 {
		c.LLM.MemoryDepth = 5
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Python.Executable == "" {
		c.LLM.Python.Executable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Memory.Driver == "" {
		c.Memory.Driver = "ring"
	}
	if c.Memory.Capacity <= 0 {
		c.Memory.Capacity = 200
	}
	if c.Memory.KnowledgeFile != "" {
		c.Memory.KnowledgeFile = resolve(baseDir, c.Memory.KnowledgeFile)
	}
	if c.Memory.Redis.Key == "" {
		c.Memory.Redis.Key = "openmcp:memory"
	}

	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "openmcp"
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	}

	if c.Plugins.Dir != "" {
		c.Plugins.Dir = resolve(baseDir, c.Plugins.Dir)
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "openmcpd"
	}
	if c.Telemetry.SampleRatio <= 0 {
		c.Telemetry.SampleRatio = 1
	}

	if c.Alerting.TimeoutMS <= 0 {
		c.Alerting.TimeoutMS = 5000
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.EnvFile == "" {
		c.Runtime.EnvFile = filepath.Join(baseDir, ".env")
	} else {
		c.Runtime.EnvFile = resolve(baseDir, c.Runtime.EnvFile)
	}
}

// applyEnv 使用 OPENMCP_* 环境变量覆盖配置，便于容器化部署。
func (c *Config) applyEnv() {
	setString(&c.Server.Address, "OPENMCP_SERVER_ADDRESS")
	setString(&c.Logging.Level, "OPENMCP_LOG_LEVEL")
	setString(&c.Logging.Format, "OPENMCP_LOG_FORMAT")
	setString(&c.Storage.TaskStore.Driver, "OPENMCP_TASK_STORE_DRIVER")
	setString(&c.Storage.TaskStore.DSN, "OPENMCP_TASK_STORE_DSN")
	setString(&c.TaskQueue.Driver, "OPENMCP_TASK_QUEUE_DRIVER")
	setString(&c.TaskQueue.Redis.Address, "OPENMCP_REDIS_ADDRESS")
	setString(&c.TaskQueue.Redis.Password, "OPENMCP_REDIS_PASSWORD")
	setString(&c.TaskQueue.RabbitMQ.URL, "OPENMCP_RABBITMQ_URL")
	setInt(&c.Orchestrator.MaxConcurrent, "OPENMCP_MAX_CONCURRENT")
	setBool(&c.Orchestrator.CascadeFailures, "OPENMCP_CASCADE_FAILURES")
	setInt(&c.Executor.DefaultTimeoutMS, "OPENMCP_TOOL_TIMEOUT_MS")
	setString(&c.Pipeline.Execution, "OPENMCP_PIPELINE_EXECUTION")
	setBool(&c.Pipeline.MemoryEnabled, "OPENMCP_PIPELINE_MEMORY")
	setString(&c.Pipeline.Planner, "OPENMCP_PIPELINE_PLANNER")
	setString(&c.LLM.OpenAI.APIKey, "OPENMCP_OPENAI_API_KEY")
	setString(&c.LLM.OpenAI.Model, "OPENMCP_OPENAI_MODEL")
	setString(&c.Memory.Driver, "OPENMCP_MEMORY_DRIVER")
	setString(&c.Memory.Redis.Address, "OPENMCP_MEMORY_REDIS_ADDRESS")
	setString(&c.Events.NATSURL, "OPENMCP_NATS_URL")
	setString(&c.Web3.RPCURL, "OPENMCP_WEB3_RPC_URL")
	setString(&c.Telemetry.OTLPEndpoint, "OPENMCP_OTLP_ENDPOINT")
	setBool(&c.Telemetry.Enabled, "OPENMCP_TELEMETRY_ENABLED")
	setString(&c.Alerting.WebhookURL, "OPENMCP_ALERT_WEBHOOK")
}

// Validate 检查驱动等枚举字段的取值。
func (c *Config) Validate() error {
	if !oneOf(c.Storage.TaskStore.Driver, "memory", "mysql", "sqlite") {
		return fmt.Errorf("不支持的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}
	if c.Storage.TaskStore.Driver != "memory" && strings.TrimSpace(c.Storage.TaskStore.DSN) == "" {
		return fmt.Errorf("任务存储驱动 %s 需要配置 dsn", c.Storage.TaskStore.Driver)
	}
	if !oneOf(c.TaskQueue.Driver, "direct", "memory", "redis", "rabbitmq") {
		return fmt.Errorf("不支持的任务队列驱动: %s", c.TaskQueue.Driver)
	}
	if c.TaskQueue.Driver == "rabbitmq" && strings.TrimSpace(c.TaskQueue.RabbitMQ.URL) == "" {
		return errors.New("rabbitmq 队列需要配置 url")
	}
	if !oneOf(c.Pipeline.Execution, "simulated", "tools") {
		return fmt.Errorf("不支持的管线执行模式: %s", c.Pipeline.Execution)
	}
	if !oneOf(c.Pipeline.Planner, "heuristic", "openai", "python") {
		return fmt.Errorf("不支持的规划器: %s", c.Pipeline.Planner)
	}
	if !oneOf(c.Memory.Driver, "ring", "redis") {
		return fmt.Errorf("不支持的记忆存储驱动: %s", c.Memory.Driver)
	}
	if err := c.Plugins.Validate(); err != nil {
		return fmt.Errorf("插件配置无效: %w", err)
	}
	return nil
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func oneOf(value string, options ...string) bool {
	for _, opt := range options {
		if value == opt {
			return true
		}
	}
	return false
}

func setString(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*target = strings.TrimSpace(v)
	}
}

func setInt(target *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

func setBool(target *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*target = b
		}
	}
}
