package notify

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"
)

// Envelope 是通知桥的统一载荷。
type Envelope struct {
	UserID  uint        `json:"user_id"`
	Kind    string      `json:"kind"`
	Payload interface{} `json:"payload,omitempty"`
	SentAt  time.Time   `json:"sent_at"`
}

// Bridge 把通知发布到 Kafka，由下游推送服务消费。
// fire-and-forget：权威写之后异步投递，失败只记日志，绝不阻塞实时路径。
type Bridge struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan Envelope
}

func NewBridge(brokers []string, topic string) (*Bridge, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	b := &Bridge{producer: producer, topic: topic, queue: make(chan Envelope, 1024)}
	go b.run()
	return b, nil
}

// Notify 入队即返回；队列满时丢弃并记日志，不反压发送方。
func (b *Bridge) Notify(userID uint, kind string, payload interface{}) {
	env := Envelope{UserID: userID, Kind: kind, Payload: payload, SentAt: time.Now()}
	select {
	case b.queue <- env:
	default:
		log.Warn().Uint("user_id", userID).Str("kind", kind).Msg("notify queue full, dropping")
	}
}

func (b *Bridge) run() {
	for env := range b.queue {
		value, err := json.Marshal(env)
		if err != nil {
			log.Error().Err(err).Msg("notify marshal")
			continue
		}
		msg := &sarama.ProducerMessage{
			Topic: b.topic,
			Key:   sarama.StringEncoder(strconv.FormatUint(uint64(env.UserID), 10)),
			Value: sarama.ByteEncoder(value),
		}
		if _, _, err := b.producer.SendMessage(msg); err != nil {
			log.Warn().Err(err).Uint("user_id", env.UserID).Str("kind", env.Kind).Msg("notify publish failed")
		}
	}
}

// Close 停止消费并关闭 producer。
func (b *Bridge) Close() error {
	close(b.queue)
	return b.producer.Close()
}

// Nop 在未配置 Kafka 时替代 Bridge，只留 debug 日志。
type Nop struct{}

func (Nop) Notify(userID uint, kind string, payload interface{}) {
	log.Debug().Uint("user_id", userID).Str("kind", kind).Msg("notify (no bridge configured)")
}
