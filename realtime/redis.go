/*
Copyright 2025 GrowSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package realtime

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/verdantlabs/growsync/config"
	redis_db "github.com/verdantlabs/growsync/internal/redis-db"
	"github.com/verdantlabs/growsync/model"
)

// RedisStream subscribes to the change channel on Redis pub/sub. Malformed
// events are logged and skipped; the subscription keeps running.
type RedisStream struct {
	sub    *redis.PubSub
	events chan model.ChangeEvent
}

// NewRedisStream connects, subscribes and starts decoding events.
func NewRedisStream(conf *config.Configuration) (*RedisStream, error) {
	client, err := redis_db.NewRedisClient(conf.Realtime.RedisDns, conf.Realtime.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	sub := client.Client().Subscribe(context.Background(), conf.Realtime.Channel)
	s := &RedisStream{
		sub:    sub,
		events: make(chan model.ChangeEvent, 64),
	}
	go s.run()
	return s, nil
}

func (s *RedisStream) run() {
	defer close(s.events)
	for msg := range s.sub.Channel() {
		var ev model.ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logrus.Errorf("Error unmarshalling change event payload: %v", err)
			continue
		}
		if ev.EntityType == "" || ev.EntityID == "" {
			logrus.Errorf("Dropping change event with missing entity reference: %s", msg.Payload)
			continue
		}
		s.events <- ev
	}
}

// Events returns the decoded event stream. The channel closes when the
// subscription is closed.
func (s *RedisStream) Events() <-chan model.ChangeEvent {
	return s.events
}

// Close terminates the subscription; the events channel closes once the
// receive loop drains.
func (s *RedisStream) Close() error {
	return s.sub.Close()
}
