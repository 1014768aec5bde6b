package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP struct {
		Addr            string
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		RequestTimeout  time.Duration `mapstructure:"request_timeout"`
		AllowedOrigins  []string      `mapstructure:"allowed_origins"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	}
	Storage struct {
		Driver string
		MySQL  struct {
			DSN     string
			MaxIdle int `mapstructure:"max_idle"`
			MaxOpen int `mapstructure:"max_open"`
		}
		SQLite struct {
			Path string
		}
	}
	InfluxDB struct {
		URL    string
		Token  string
		Org    string
		Bucket string
	}
	Redis struct {
		Addr      string
		Password  string
		DB        int
		Key       string
		Retention time.Duration
	}
	Kafka struct {
		Brokers []string
		Topic   string
		GroupID string `mapstructure:"group_id"`
		Version string
	}
	GeoIP struct {
		CityPath string `mapstructure:"city_path"`
		ASNPath  string `mapstructure:"asn_path"`
	}
	Intel struct {
		TorListURL   string        `mapstructure:"tor_list_url"`
		TorTTL       time.Duration `mapstructure:"tor_ttl"`
		FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
		RetryAfter   time.Duration `mapstructure:"retry_after"`
		GeoTimeout   time.Duration `mapstructure:"geo_timeout"`
		VPNKeywords  []string      `mapstructure:"vpn_keywords"`
	}
	Behavior struct {
		CacheTTL      time.Duration `mapstructure:"cache_ttl"`
		WindowDivisor int64         `mapstructure:"window_divisor"`
		VisitWeight   int           `mapstructure:"visit_weight"`
		MaxScore      int           `mapstructure:"max_score"`
		TorScore      int           `mapstructure:"tor_score"`
		VPNBonus      int           `mapstructure:"vpn_bonus"`
		VPNMinBase    int           `mapstructure:"vpn_min_base"`
		SuspiciousAt  int           `mapstructure:"suspicious_at"`
		MaliciousAt   int           `mapstructure:"malicious_at"`
	}
	Policy struct {
		Path  string
		Watch bool
	}
	Alert struct {
		WebhookURL    string        `mapstructure:"webhook_url"`
		Cooldown      time.Duration `mapstructure:"cooldown"`
		RatePerMinute int           `mapstructure:"rate_per_minute"`
		Timeout       time.Duration `mapstructure:"timeout"`
	}
	Log struct {
		Level string
		Path  string
	}
	Tracing struct {
		Endpoint    string
		ServiceName string `mapstructure:"service_name"`
		Insecure    bool
	}
	Security struct {
		WhitelistIPs []string `mapstructure:"whitelist_ips"`
	} `mapstructure:"Security"`
}

var GlobalConfig Config

// setDefaults 空配置文件也能以内存模式启动
func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.request_timeout", 30*time.Second)
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.mysql.max_idle", 5)
	v.SetDefault("storage.mysql.max_open", 20)
	v.SetDefault("storage.sqlite.path", "data/beaconsoc.db")

	v.SetDefault("redis.key", "beaconsoc:behavior")
	v.SetDefault("redis.retention", 24*time.Hour)

	v.SetDefault("kafka.topic", "beacon-visits")
	v.SetDefault("kafka.group_id", "beaconsoc")
	v.SetDefault("kafka.version", "2.1.0")

	v.SetDefault("intel.tor_list_url", "https://check.torproject.org/exit-addresses")
	v.SetDefault("intel.tor_ttl", time.Hour)
	v.SetDefault("intel.fetch_timeout", 10*time.Second)
	v.SetDefault("intel.retry_after", time.Minute)
	v.SetDefault("intel.geo_timeout", 2*time.Second)

	v.SetDefault("behavior.cache_ttl", 5*time.Minute)
	v.SetDefault("behavior.window_divisor", 120)
	v.SetDefault("behavior.visit_weight", 5)
	v.SetDefault("behavior.max_score", 100)
	v.SetDefault("behavior.tor_score", 100)
	v.SetDefault("behavior.vpn_bonus", 20)
	v.SetDefault("behavior.vpn_min_base", 60)
	v.SetDefault("behavior.suspicious_at", 50)
	v.SetDefault("behavior.malicious_at", 80)

	v.SetDefault("policy.path", "config/fingerprint_policy.json")
	v.SetDefault("policy.watch", true)

	v.SetDefault("alert.cooldown", time.Hour)
	v.SetDefault("alert.rate_per_minute", 30)
	v.SetDefault("alert.timeout", 5*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("tracing.service_name", "beaconsoc")
}

// Init 读取配置文件到 GlobalConfig；path 为空时在 config 目录下查找 config.yaml
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	GlobalConfig = *cfg
	return nil
}

// Load 读取配置但不修改全局配置，文件不存在时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("config")
	}

	v.SetEnvPrefix("BEACONSOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
