package global

import "time"

const NodeTypeGateway = "gateway" // 网关节点：只跑 WebSocket
const NodeTypeWorker = "worker"   // 数据节点：只消费持久化队列
const NodeTypeAll = "all"         // 单进程全跑

const QueueDriverRedis = "redis"
const QueueDriverNats = "nats"

// ChatQueueName 聊天消息持久化队列
const ChatQueueName = "chat-messages"

type AppConfig struct {
	NodeType string      `mapstructure:"node_type"`
	NodeId   int64       `mapstructure:"node_id"` // 雪花ID节点号 0~1023
	HTTP     HTTPConfig  `mapstructure:"http"`
	Auth     AuthConfig  `mapstructure:"auth"`
	Postgres PgConfig    `mapstructure:"postgres"`
	Redis    RedisConfig `mapstructure:"redis"`
	Nats     NatsConfig  `mapstructure:"nats"`
	Queue    QueueConfig `mapstructure:"queue"`
	Log      LogConfig   `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr             string        `mapstructure:"addr"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"` // <=0 不限速
	RateBurst        int           `mapstructure:"rate_burst"`
	EchoSender       bool          `mapstructure:"echo_sender"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	JwtSecret string `mapstructure:"jwt_secret"`
	JwtAlg    string `mapstructure:"jwt_alg"`
}

type PgConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"` // 优先于 Addr
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type NatsConfig struct {
	Servers []string `mapstructure:"servers"`
	Name    string   `mapstructure:"name"`
}

type QueueConfig struct {
	Driver        string        `mapstructure:"driver"`
	Name          string        `mapstructure:"name"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Backoff       time.Duration `mapstructure:"backoff"` // 指数退避的基数
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Concurrency   int           `mapstructure:"concurrency"`
	Lanes         int           `mapstructure:"lanes"`
	LaneBuffer    int           `mapstructure:"lane_buffer"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func (c *AppConfig) RunsGateway() bool {
	return c.NodeType == NodeTypeGateway || c.NodeType == NodeTypeAll
}

func (c *AppConfig) RunsWorker() bool {
	return c.NodeType == NodeTypeWorker || c.NodeType == NodeTypeAll
}
