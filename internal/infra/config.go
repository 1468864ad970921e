package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config - корневая структура конфигурации флота.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Transport TransportConfig `mapstructure:"transport"`
	Lookup    LookupConfig    `mapstructure:"lookup"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера Control Plane.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (очереди статусов и сигналы флота).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// FleetConfig - поведение агентов и реестра.
type FleetConfig struct {
	SessionPath             string        `mapstructure:"session_path"` // Каталог с session-<id>
	StickerPath             string        `mapstructure:"sticker_path"`
	StartupTimeout          time.Duration `mapstructure:"startup_timeout"`
	EmergencyStartupTimeout time.Duration `mapstructure:"emergency_startup_timeout"`
	MaxGroupParticipants    int           `mapstructure:"max_group_participants"`
	DrawDelay               time.Duration `mapstructure:"draw_delay"`
	FloodWindow             int           `mapstructure:"flood_window"`
	FloodMaxRate            float64       `mapstructure:"flood_max_rate"`
	FloodSuppressesCommands bool          `mapstructure:"flood_suppresses_commands"`
	OversizeLimit           int           `mapstructure:"oversize_limit"`
	BulkConcurrency         int           `mapstructure:"bulk_concurrency"`
	RecoveryLockTTL         time.Duration `mapstructure:"recovery_lock_ttl"`
	JournalBufferSize       int           `mapstructure:"journal_buffer_size"`
	JournalFlushInterval    time.Duration `mapstructure:"journal_flush_interval"`
}

// TransportConfig - адреса сайдкаров. driver=memory поднимает транспорт в процессе (для разработки).
type TransportConfig struct {
	Driver        string        `mapstructure:"driver"` // sidecar | memory
	PrimaryAddr   string        `mapstructure:"primary_addr"`
	EmergencyAddr string        `mapstructure:"emergency_addr"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`

	// Переподписка на поток событий после обрыва: от ReconnectDelay с удвоением до ReconnectMaxDelay
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
}

// LookupConfig - внешние справочники для команд.
type LookupConfig struct {
	CEPURL      string        `mapstructure:"cep_url"`
	WeatherURL  string        `mapstructure:"weather_url"`
	WeatherKey  string        `mapstructure:"weather_key"`
	NewsURL     string        `mapstructure:"news_url"`
	NewsKey     string        `mapstructure:"news_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RatePerSec  float64       `mapstructure:"rate_per_sec"`
	CBTimeout   time.Duration `mapstructure:"cb_timeout"`
	MaxAttempts uint          `mapstructure:"max_attempts"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из .env, файла и ENV.
func LoadConfig(path string) (*Config, error) {
	// 0. Локальный .env, если есть. Переменные окружения процесса не перезаписываются
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV перекрывает файл: FLEET_STARTUP_TIMEOUT=90s перекроет fleet.startup_timeout
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет - работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи: PEM прямо в ENV (Docker/K8s) или файл по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("fleet.session_path", "./sessions")
	v.SetDefault("fleet.sticker_path", "./stickers")
	v.SetDefault("fleet.startup_timeout", 120*time.Second)
	v.SetDefault("fleet.emergency_startup_timeout", 180*time.Second)
	v.SetDefault("fleet.max_group_participants", 1003)
	v.SetDefault("fleet.draw_delay", 1500*time.Millisecond)
	v.SetDefault("fleet.flood_window", 6)
	v.SetDefault("fleet.flood_max_rate", 3.0)
	v.SetDefault("fleet.flood_suppresses_commands", true)
	v.SetDefault("fleet.oversize_limit", 3000)
	v.SetDefault("fleet.bulk_concurrency", 8)
	v.SetDefault("fleet.recovery_lock_ttl", 30*time.Second)
	v.SetDefault("fleet.journal_buffer_size", 1000)
	v.SetDefault("fleet.journal_flush_interval", 500*time.Millisecond)

	v.SetDefault("transport.driver", "sidecar")
	v.SetDefault("transport.primary_addr", "localhost:50051")
	v.SetDefault("transport.emergency_addr", "localhost:50052")
	v.SetDefault("transport.call_timeout", 15*time.Second)
	v.SetDefault("transport.reconnect_delay", time.Second)
	v.SetDefault("transport.reconnect_max_delay", 30*time.Second)

	v.SetDefault("lookup.cep_url", "https://brasilapi.com.br/api/cep/v1/")
	v.SetDefault("lookup.weather_url", "https://api.hgbrasil.com/weather")
	v.SetDefault("lookup.news_url", "https://newsapi.org/v2/everything")
	v.SetDefault("lookup.timeout", 10*time.Second)
	v.SetDefault("lookup.rate_per_sec", 5.0)
	v.SetDefault("lookup.cb_timeout", 30*time.Second)
	v.SetDefault("lookup.max_attempts", 3)
}

// loadKeyResource читает ключ из ENV или из файла
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
