package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go-beaconsoc/pkg/alerter"
	"go-beaconsoc/pkg/analyzer"
	"go-beaconsoc/pkg/api"
	"go-beaconsoc/pkg/cache"
	"go-beaconsoc/pkg/config"
	"go-beaconsoc/pkg/consumer"
	"go-beaconsoc/pkg/correlator"
	"go-beaconsoc/pkg/engine"
	"go-beaconsoc/pkg/geoip"
	"go-beaconsoc/pkg/intel"
	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/policy"
	"go-beaconsoc/pkg/registry"
	"go-beaconsoc/pkg/storage"
	"go-beaconsoc/pkg/tracing"
)

var configPath = flag.String("config", "", "配置文件路径，默认 config/config.yaml")

func init() {
	flag.Parse()

	// 初始化配置
	if err := config.Init(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "初始化配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := logger.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	defer logger.Sync()
	cfg := config.GlobalConfig

	logger.Log.Info("开始启动信标身份分析服务...")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, &cfg)
	if err != nil {
		logger.Log.Warnf("初始化 tracing 失败: %v", err)
	}
	defer shutdownTracing(context.Background())

	// 初始化存储层
	store, err := storage.Open(&cfg)
	if err != nil {
		logger.Log.Fatal("初始化存储层失败:", err)
	}
	defer store.Close()
	logger.Log.Infof("存储层初始化成功: driver=%s", cfg.Storage.Driver)

	var sink storage.VisitSink
	if influx := storage.NewInfluxSink(cfg.InfluxDB.URL, cfg.InfluxDB.Token, cfg.InfluxDB.Org, cfg.InfluxDB.Bucket); influx != nil {
		sink = influx
		defer influx.Close()
		logger.Log.Infof("访问事件同步写入 InfluxDB: bucket=%s", cfg.InfluxDB.Bucket)
	}

	// 行为快照缓存，Redis 不可用时退回进程内缓存
	var snapshots cache.SummaryCache = cache.NewMemoryCache()
	if cfg.Redis.Addr != "" {
		rdb, err := cache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Log.Warnf("连接 Redis 失败，使用进程内缓存: %v", err)
		} else {
			defer rdb.Close()
			snapshots = cache.NewRedisCache(rdb, cfg.Redis.Key, cfg.Redis.Retention)
		}
	}

	// 初始化GeoIP数据库
	var locator geoip.Locator
	geoService, err := geoip.NewService(cfg.GeoIP.CityPath, cfg.GeoIP.ASNPath)
	if err != nil {
		logger.Log.Warnf("初始化GeoIP数据库失败，地理信息留空: %v", err)
	} else if geoService != nil {
		locator = geoService
		defer geoService.Close()
	}

	tor := intel.NewTorCache(
		intel.HTTPFetcher(&http.Client{Timeout: cfg.Intel.FetchTimeout}, cfg.Intel.TorListURL),
		cfg.Intel.TorTTL, cfg.Intel.RetryAfter, nil,
	)
	go func() {
		if err := tor.Refresh(ctx); err != nil {
			logger.Log.Warnf("预加载 TOR 出口节点失败: %v", err)
		}
	}()
	trusted := intel.NewTrustedNetworks(cfg.Security.WhitelistIPs)
	logger.Log.Infof("从配置加载白名单，共 %d 条记录", trusted.Len())
	ipIntel := intel.NewAnalyzer(tor, intel.NewVPNHeuristic(cfg.Intel.VPNKeywords, nil), locator, trusted, cfg.Intel.GeoTimeout)

	policies := policy.NewManager(cfg.Policy.Path)
	if _, err := policies.Load(); err != nil {
		logger.Log.Warnf("指纹策略损坏，使用默认值: %v", err)
	}
	if cfg.Policy.Watch {
		if err := policies.Watch(ctx); err != nil {
			logger.Log.Warnf("策略文件热加载启动失败: %v", err)
		}
	}
	defer policies.Close()

	reg := registry.New(store, nil)
	opts := []correlator.Option{correlator.WithHost(correlator.DetectHost())}
	if sink != nil {
		opts = append(opts, correlator.WithSink(sink))
	}
	corr := correlator.New(reg, store, ipIntel, opts...)

	behavior := analyzer.NewBehaviorAnalyzer(analyzer.ScoringFromConfig(&cfg), store, snapshots, store, cfg.Behavior.CacheTTL, nil)
	if _, err := behavior.Warm(ctx, store); err != nil {
		logger.Log.Warnf("恢复行为快照失败: %v", err)
	}

	alerts := alerter.NewAlerter(store, alerter.Options{
		WebhookURL:    cfg.Alert.WebhookURL,
		Cooldown:      cfg.Alert.Cooldown,
		RatePerMinute: cfg.Alert.RatePerMinute,
		Timeout:       cfg.Alert.Timeout,
	})
	if err := alerts.LoadRecentAlerts(ctx); err != nil {
		logger.Log.Errorf("加载最近告警记录失败: %v", err)
	}
	behavior.OnRecompute(alerts.Observe)
	go alerts.Run(ctx)

	eng := engine.New(engine.Deps{
		Registry:   reg,
		Correlator: corr,
		Behavior:   behavior,
		Policies:   policies,
		Intel:      ipIntel,
	})

	// 初始化Kafka消费者
	if len(cfg.Kafka.Brokers) > 0 {
		c, err := consumer.NewConsumer(consumer.Options{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Version: cfg.Kafka.Version,
		}, eng)
		if err != nil {
			logger.Log.Fatal("初始化Kafka消费者失败:", err)
		}
		defer c.Close()
		logger.Log.Infof("Kafka消费者初始化成功: brokers=%v, topic=%s", cfg.Kafka.Brokers, cfg.Kafka.Topic)

		go func() {
			if err := c.Start(ctx, cfg.Kafka.Topic); err != nil {
				logger.Log.Errorf("Kafka消费启动失败: %v", err)
				stop()
			}
		}()
	}

	server := api.NewServer(&cfg, api.NewRouter(eng, &cfg))
	go func() {
		if err := server.Start(); err != nil {
			logger.Log.Errorf("HTTP 服务启动失败: %v", err)
			stop()
		}
	}()

	logger.Log.Info("服务启动完成")

	// 等待退出信号
	<-ctx.Done()
	logger.Log.Info("接收到退出信号，开始优雅退出")
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Log.Errorf("HTTP 服务关闭失败: %v", err)
	}
}
