// Package redisstore is a mirror.Store keeping each collection in a redis hash.
// Changes are published on a pub/sub channel per collection.
package redisstore

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/mirror"
)

type Store struct {
	client *redis.Client
	prefix string
}

var (
	_ mirror.Store   = (*Store)(nil) // interface compliance check
	_ mirror.Watcher = (*Store)(nil)
)

func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Open connects to the redis server of conf.
func Open(ctx context.Context, conf core.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}
	return New(client, conf.Prefix), nil
}

func (s *Store) key(collection string) string {
	return s.prefix + "docs:" + collection
}

func (s *Store) channel(collection string) string {
	return s.prefix + "changes:" + collection
}

func (s *Store) query(ctx context.Context, collection string, match func(data []byte) bool) ([]mirror.Document, error) {
	if err := mirror.ValidateKey(collection); err != nil {
		return nil, err
	}
	all, err := s.client.HGetAll(ctx, s.key(collection)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "reading hash")
	}
	docs := make([]mirror.Document, 0, len(all))
	for id, data := range all {
		if match != nil && !match([]byte(data)) {
			continue
		}
		docs = append(docs, mirror.Document{ID: id, Data: []byte(data)})
	}
	mirror.SortDocuments(docs)
	return docs, nil
}

func (s *Store) Read(ctx context.Context, collection string) ([]mirror.Document, error) {
	return s.query(ctx, collection, nil)
}

func (s *Store) Query(ctx context.Context, collection, field, value string) ([]mirror.Document, error) {
	return s.query(ctx, collection, func(data []byte) bool {
		return mirror.MatchField(data, field, value)
	})
}

func (s *Store) Set(ctx context.Context, collection string, doc mirror.Document) error {
	if err := mirror.ValidateKey(collection); err != nil {
		return err
	}
	if err := mirror.ValidateKey(doc.ID); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(collection), doc.ID, []byte(doc.Data))
		pipe.Publish(ctx, s.channel(collection), doc.ID)
		return nil
	})
	return errors.Wrap(err, "setting hash field")
}

func (s *Store) Remove(ctx context.Context, collection, id string) error {
	if err := mirror.ValidateKey(collection); err != nil {
		return err
	}
	n, err := s.client.HDel(ctx, s.key(collection), id).Result()
	if err != nil {
		return errors.Wrap(err, "deleting hash field")
	}
	if n > 0 {
		if err := s.client.Publish(ctx, s.channel(collection), id).Err(); err != nil {
			return errors.Wrap(err, "publishing change")
		}
	}
	return nil
}

// Changes subscribes to the change channel of collection. The subscription is
// confirmed before Changes returns.
func (s *Store) Changes(ctx context.Context, collection string) (<-chan struct{}, error) {
	if err := mirror.ValidateKey(collection); err != nil {
		return nil, err
	}
	sub := s.client.Subscribe(ctx, s.channel(collection))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "subscribing to changes")
	}

	out := make(chan struct{}, 1)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
