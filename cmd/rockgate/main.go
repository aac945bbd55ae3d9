// Command rockgate runs the gateway: legacy wire protocol in front, a
// Pulsar cluster behind.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bridgemq/rockgate/pkg/backend"
	"github.com/bridgemq/rockgate/pkg/rop"
)

type fileConfig struct {
	ClusterName string `yaml:"clusterName"`
	BrokerName  string `yaml:"brokerName"`

	Listeners       []int  `yaml:"rocketmqListeners"`
	ListenerPortMap string `yaml:"rocketmqListenerPortMap"`

	MaxDelayLevelNum          int  `yaml:"maxDelayLevelNum"`
	ScheduleTopicPartitionNum int  `yaml:"rmqScheduleTopicPartitionNum"`
	LongPollingEnable         bool `yaml:"longPollingEnable"`
	ShortPollingTimeMills     int  `yaml:"shortPollingTimeMills"`
	BrokerPermission          int  `yaml:"brokerPermission"`
	CommercialBaseCount       int  `yaml:"commercialBaseCount"`
	DLQNumsPerGroup           int  `yaml:"dlqNumsPerGroup"`

	Pulsar struct {
		ServiceURL  string `yaml:"serviceUrl"`
		AdminURL    string `yaml:"adminUrl"`
		LocalBroker string `yaml:"localBroker"`
	} `yaml:"pulsar"`

	MetricsAddr string `yaml:"metricsAddr"`

	Topics []struct {
		Name      string `yaml:"name"`
		Queues    int32  `yaml:"queues"`
		Perm      int    `yaml:"perm"`
	} `yaml:"topics"`

	Groups []struct {
		Name             string `yaml:"name"`
		ConsumeEnable    *bool  `yaml:"consumeEnable"`
		BroadcastEnable  bool   `yaml:"broadcastEnable"`
		RetryMaxTimes    int32  `yaml:"retryMaxTimes"`
	} `yaml:"groups"`
}

func main() {
	var configPath string
	var debugLog bool

	cmd := &cobra.Command{
		Use:          "rockgate",
		Short:        "Serve the legacy pull-based wire protocol from a Pulsar cluster",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath, debugLog)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "rockgate.yaml", "path to the configuration file")
	cmd.Flags().BoolVar(&debugLog, "debug", false, "enable debug logging")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string, debugLog bool) error {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", configPath, err)
	}

	zcfg := zap.NewProductionConfig()
	if debugLog {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	portMap, err := rop.ParseListenerPortMap(fc.ListenerPortMap)
	if err != nil {
		return err
	}
	cfg := &rop.Config{
		ClusterName:         fc.ClusterName,
		BrokerName:          fc.BrokerName,
		Listeners:           fc.Listeners,
		ListenerPortMap:     portMap,
		BrokerPermission:    fc.BrokerPermission,
		MaxDelayLevel:       fc.MaxDelayLevelNum,
		SchedulePartitions:  fc.ScheduleTopicPartitionNum,
		DLQQueueNums:        fc.DLQNumsPerGroup,
		LongPollingEnable:   fc.LongPollingEnable,
		ShortPollingTime:    time.Duration(fc.ShortPollingTimeMills) * time.Millisecond,
		CommercialBaseCount: fc.CommercialBaseCount,
		Logger:              logger,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	bk, err := backend.NewPulsarClient(backend.PulsarConfig{
		ServiceURL:       fc.Pulsar.ServiceURL,
		AdminURL:         fc.Pulsar.AdminURL,
		Cluster:          fc.ClusterName,
		LocalBroker:      fc.Pulsar.LocalBroker,
		OperationTimeout: 30 * time.Second,
	}, logger)
	if err != nil {
		return err
	}
	defer bk.Close()

	topics := rop.NewStaticTopics()
	for _, t := range fc.Topics {
		perm := t.Perm
		if perm == 0 {
			perm = rop.PermRead | rop.PermWrite
		}
		if _, err := topics.Ensure(t.Name, t.Queues, perm); err != nil {
			return err
		}
	}
	groups := rop.NewStaticGroups()
	groups.AutoCreate = true
	for _, g := range fc.Groups {
		enable := g.ConsumeEnable == nil || *g.ConsumeEnable
		retry := g.RetryMaxTimes
		if retry <= 0 {
			retry = 16
		}
		groups.Put(&rop.SubscriptionGroupConfig{
			GroupName:              g.Name,
			ConsumeEnable:          enable,
			ConsumeBroadcastEnable: g.BroadcastEnable,
			RetryMaxTimes:          retry,
		})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := rop.NewMetrics(reg)
	if fc.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(fc.MetricsAddr, mux); err != nil {
				logger.Warn("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	handler := rop.NewHandler(cfg, bk, topics, groups, &rop.LoggingOffsets{Logger: logger}, metrics)
	srv := rop.NewServer(cfg, handler, bk)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info("shutting down", zap.String("signal", s.String()))
		srv.Close()
	}()

	logger.Info("rockgate starting",
		zap.String("cluster", cfg.ClusterName),
		zap.String("broker", cfg.BrokerName),
		zap.Ints("listeners", cfg.Listeners))
	return srv.ListenAndServe()
}
