// Package backend provides the cache clients a destination talks to: an
// in-process store and Redis.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotFound is returned by Get and Delete for missing keys.
var ErrNotFound = errors.New("key not found")

// Client is a cache backend. Values are opaque bytes; framing and
// compression happen above this layer.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value. ttl 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Kind names a backend implementation.
type Kind string

const (
	KindMemory Kind = "memory"
	KindRedis  Kind = "redis"
)

// Options configures a backend client.
type Options struct {
	Name     string
	Kind     Kind
	Addr     string
	Password string
	DB       int
	Prefix   string
	PoolSize int
	Capacity uint64 // memory only; 0 = unbounded

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New builds the client described by opts.
func New(opts Options, logger *slog.Logger) (Client, error) {
	switch opts.Kind {
	case KindMemory, "":
		return NewMemory(opts.Capacity), nil
	case KindRedis:
		return NewRedis(opts, logger)
	default:
		return nil, fmt.Errorf("backend %q: unknown type %q", opts.Name, opts.Kind)
	}
}
