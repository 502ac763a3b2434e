package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/courier/lib/natsbus"
	"github.com/nats-io/nats.go/jetstream"
)

type QueueInfo struct {
	Name        string `json:"name"`
	MaxSize     int    `json:"max_size"`
	CurrentSize int    `json:"current_size"`
}

// Each recipient queue is its own work-queue stream: popping a message
// (acking it) deletes it, and DiscardNew makes the server refuse publishes
// beyond MaxMsgs instead of evicting old entries. Per-message TTLs let the
// server drop expired entries so they stop counting against MaxMsgs.
func (s *Service) queueConfig(name string, maxSize int) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        natsbus.QueueStream(name),
		Description: "courier queue for " + name,
		Subjects:    []string{natsbus.QueueSubject(name)},
		Retention:   jetstream.WorkQueuePolicy,
		Discard:     jetstream.DiscardNew,
		MaxMsgs:     int64(maxSize),
		MaxAge:      s.cfg.MaxTTL,
		AllowMsgTTL: true,
		Storage:     jetstream.FileStorage,
		Duplicates:  2 * time.Minute,
	}
}

var queueConsumerConfig = jetstream.ConsumerConfig{
	Durable:       natsbus.QueueConsumer,
	AckPolicy:     jetstream.AckExplicitPolicy,
	AckWait:       30 * time.Second,
	DeliverPolicy: jetstream.DeliverAllPolicy,
}

// CreateQueue provisions the queue or resizes an existing one.
func (s *Service) CreateQueue(ctx context.Context, name string, maxSize int) (*QueueInfo, error) {
	if name == "" || maxSize <= 0 {
		return nil, fmt.Errorf("%w: queue needs a name and a positive size", ErrInvalidArgument)
	}

	stream, err := s.js.CreateOrUpdateStream(ctx, s.queueConfig(name, maxSize))
	if err != nil {
		return nil, natsbus.Unavailable("create queue "+name, err)
	}
	if _, err := stream.CreateOrUpdateConsumer(ctx, queueConsumerConfig); err != nil {
		return nil, natsbus.Unavailable("create queue consumer "+name, err)
	}

	slog.Info("queue created", "queue", name, "max_size", maxSize)
	return queueInfo(ctx, name, stream)
}

// GetQueue reports a queue's capacity and fill. Unknown queues yield
// ErrQueueNotFound.
func (s *Service) GetQueue(ctx context.Context, name string) (*QueueInfo, error) {
	stream, err := s.js.Stream(ctx, natsbus.QueueStream(name))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, ErrQueueNotFound
	}
	if err != nil {
		return nil, natsbus.Unavailable("get queue "+name, err)
	}
	return queueInfo(ctx, name, stream)
}

// ensureQueue returns the recipient's stream, provisioning it with the
// default size on first use.
func (s *Service) ensureQueue(ctx context.Context, name string) (jetstream.Stream, error) {
	stream, err := s.js.Stream(ctx, natsbus.QueueStream(name))
	if err == nil {
		return s.upgradeQueue(ctx, name, stream)
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, natsbus.Unavailable("open queue "+name, err)
	}

	stream, err = s.js.CreateStream(ctx, s.queueConfig(name, s.cfg.DefaultQueueSize))
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		// Another sender won the race.
		stream, err = s.js.Stream(ctx, natsbus.QueueStream(name))
	}
	if err != nil {
		return nil, natsbus.Unavailable("create queue "+name, err)
	}
	if _, err := stream.CreateOrUpdateConsumer(ctx, queueConsumerConfig); err != nil {
		return nil, natsbus.Unavailable("create queue consumer "+name, err)
	}
	slog.Info("queue provisioned on first send", "queue", name, "max_size", s.cfg.DefaultQueueSize)
	return stream, nil
}

// upgradeQueue enables per-message TTLs on a queue created without them.
// Publishes carrying a TTL are refused by such a stream.
func (s *Service) upgradeQueue(ctx context.Context, name string, stream jetstream.Stream) (jetstream.Stream, error) {
	cfg := stream.CachedInfo().Config
	if cfg.AllowMsgTTL {
		return stream, nil
	}
	cfg.AllowMsgTTL = true
	upgraded, err := s.js.UpdateStream(ctx, cfg)
	if err != nil {
		return nil, natsbus.Unavailable("upgrade queue "+name, err)
	}
	slog.Info("queue upgraded to per-message ttl", "queue", name)
	return upgraded, nil
}

// backendTTL rounds ttl up to the whole seconds the server accepts. Receive
// still checks the exact expiry.
func backendTTL(ttl time.Duration) time.Duration {
	if ttl <= time.Second {
		return time.Second
	}
	if rem := ttl % time.Second; rem != 0 {
		ttl += time.Second - rem
	}
	return ttl
}

func queueFull(ctx context.Context, stream jetstream.Stream) (bool, error) {
	info, err := stream.Info(ctx)
	if err != nil {
		return false, natsbus.Unavailable("queue info", err)
	}
	return info.Config.MaxMsgs > 0 && info.State.Msgs >= uint64(info.Config.MaxMsgs), nil
}

func queueInfo(ctx context.Context, name string, stream jetstream.Stream) (*QueueInfo, error) {
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, natsbus.Unavailable("queue info "+name, err)
	}
	return &QueueInfo{
		Name:        name,
		MaxSize:     int(info.Config.MaxMsgs),
		CurrentSize: int(info.State.Msgs),
	}, nil
}
