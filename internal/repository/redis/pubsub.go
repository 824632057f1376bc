package redisrepo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type TrainChange struct {
	Type        string `json:"type"`
	TrainID     int64  `json:"train_id"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	TsUnix      int64  `json:"ts_unix"`
}

// TrainsPubSub broadcasts train changes so every instance can drop stale
// cache entries.
type TrainsPubSub struct {
	rdb     *redis.Client
	channel string
}

func NewTrainsPubSub(rdb *redis.Client) *TrainsPubSub {
	return &TrainsPubSub{
		rdb:     rdb,
		channel: ChannelTrainsChanged(),
	}
}

func (p *TrainsPubSub) PublishTrainChanged(ctx context.Context, change TrainChange) error {
	if change.Type == "" {
		change.Type = "train_changed"
	}
	change.TsUnix = time.Now().Unix()

	b, err := json.Marshal(change)
	if err != nil {
		return err
	}

	return p.rdb.Publish(ctx, p.channel, b).Err()
}

// Subscribe blocks until ctx is done or the subscription is closed.
func (p *TrainsPubSub) Subscribe(ctx context.Context, handler func(ctx context.Context, change TrainChange)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var change TrainChange
			if err := json.Unmarshal([]byte(m.Payload), &change); err == nil &&
				change.TrainID != 0 {
				handler(ctx, change)
			}
		}
	}
}
