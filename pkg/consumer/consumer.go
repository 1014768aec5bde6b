package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"go-beaconsoc/pkg/correlator"
	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/metrics"
	"go-beaconsoc/pkg/models"
)

const (
	KindVisit       = "visit"
	KindFingerprint = "fingerprint"
)

// VisitHandler 消息最终交给引擎处理
type VisitHandler interface {
	RecordVisit(ctx context.Context, req correlator.VisitRequest) (models.VisitEvent, error)
	CollectFingerprint(ctx context.Context, req correlator.VisitRequest) (correlator.CollectResult, error)
}

// Message 上游采集节点投递的访问或指纹消息
type Message struct {
	Kind        string                `json:"kind"`
	Timestamp   string                `json:"timestamp"`
	IP          string                `json:"ip"`
	UserAgent   string                `json:"user_agent"`
	Resource    string                `json:"resource"`
	Payload     string                `json:"payload"`
	Event       string                `json:"event"`
	Type        string                `json:"type"`
	IdentityKey string                `json:"identity_key"`
	Fingerprint models.RawFingerprint `json:"fingerprint"`
}

type Consumer struct {
	consumer sarama.ConsumerGroup
	handler  VisitHandler
	ready    chan bool
}

// Options 消费组参数
type Options struct {
	Brokers []string
	GroupID string
	Version string
}

func NewConsumer(opts Options, handler VisitHandler) (*Consumer, error) {
	config := sarama.NewConfig()
	if opts.Version == "" {
		opts.Version = "2.1.0"
	}
	version, err := sarama.ParseKafkaVersion(opts.Version)
	if err != nil {
		return nil, err
	}
	config.Version = version
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Net.DialTimeout = 30 * time.Second
	config.Net.ReadTimeout = 30 * time.Second
	config.Net.WriteTimeout = 30 * time.Second

	if opts.GroupID == "" {
		opts.GroupID = "beaconsoc"
	}
	logger.Log.Infof("正在连接 Kafka brokers: %v", opts.Brokers)
	group, err := sarama.NewConsumerGroup(opts.Brokers, opts.GroupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		consumer: group,
		handler:  handler,
		ready:    make(chan bool),
	}, nil
}

// Start 阻塞消费直到 ctx 取消
func (c *Consumer) Start(ctx context.Context, topic string) error {
	topics := []string{topic}

	go func() {
		for err := range c.consumer.Errors() {
			logger.Log.Errorf("消费组错误: %v", err)
		}
	}()

	logger.Log.Infof("开始消费 topic: %s", topic)
	for {
		if err := c.consumer.Consume(ctx, topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.Log.Errorf("消费出错: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}

		if ctx.Err() != nil {
			logger.Log.Infof("停止消费: %v", ctx.Err())
			return nil
		}

		c.ready = make(chan bool)
	}
}

// Setup sarama.ConsumerGroupHandler
func (c *Consumer) Setup(_ sarama.ConsumerGroupSession) error {
	close(c.ready)
	return nil
}

func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 每条消息处理后都标记，解析失败的消息不重试
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			logger.Log.Debugf("收到消息: topic=%s, partition=%d, offset=%d",
				message.Topic, message.Partition, message.Offset)

			kind, err := c.handleMessage(session.Context(), message.Value)
			switch {
			case err == nil:
				metrics.MessagesConsumed.WithLabelValues(kind, "ok").Inc()
			case errors.Is(err, models.ErrMalformedInput):
				metrics.MessagesConsumed.WithLabelValues(kind, "malformed").Inc()
				logger.Log.Warnf("消息格式错误: %v, raw message: %s", err, string(message.Value))
			default:
				metrics.MessagesConsumed.WithLabelValues(kind, "error").Inc()
				logger.Log.Warnf("消息处理失败: %v", err)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, value []byte) (string, error) {
	var msg Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return "unknown", fmt.Errorf("decode message: %w: %w", models.ErrMalformedInput, err)
	}
	kind := strings.ToLower(strings.TrimSpace(msg.Kind))
	if kind == "" {
		kind = KindVisit
	}

	req, err := msg.request()
	if err != nil {
		return kind, err
	}

	switch kind {
	case KindVisit:
		_, err = c.handler.RecordVisit(ctx, req)
	case KindFingerprint:
		_, err = c.handler.CollectFingerprint(ctx, req)
	default:
		return "unknown", fmt.Errorf("message kind %q: %w", msg.Kind, models.ErrMalformedInput)
	}
	return kind, err
}

func (m Message) request() (correlator.VisitRequest, error) {
	if strings.TrimSpace(m.Resource) == "" {
		return correlator.VisitRequest{}, fmt.Errorf("message without resource: %w", models.ErrMalformedInput)
	}
	req := correlator.VisitRequest{
		IP:          m.IP,
		UserAgent:   m.UserAgent,
		Resource:    m.Resource,
		Payload:     m.Payload,
		Event:       m.Event,
		Type:        m.Type,
		Channel:     "kafka",
		IdentityKey: models.IdentityKey(m.IdentityKey),
		Fingerprint: m.Fingerprint,
	}
	if ts, ok := models.ParseTimestamp(m.Timestamp); ok {
		req.ObservedAt = ts
	}
	return req, nil
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}
