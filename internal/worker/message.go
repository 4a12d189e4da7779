package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"swcache/internal/host"
	"swcache/internal/logger"
)

// ErrMalformedMessage is returned for commands the interceptor cannot act on.
var ErrMalformedMessage = errors.New("malformed message")

// CacheURLsPayload is the payload of a CACHE_URLS command.
type CacheURLsPayload struct {
	URLs []string `json:"urls"`
}

// NewCacheURLsMessage builds a CACHE_URLS command.
func NewCacheURLsMessage(urls []string) host.Message {
	b, _ := json.Marshal(CacheURLsPayload{URLs: urls})
	return host.Message{Type: host.MessageCacheURLs, Payload: b}
}

func (s *Script) message(ctx context.Context, msg host.Message, sc host.Scope) error {
	switch msg.Type {
	case host.MessageSkipWaiting:
		sc.SkipWaiting()
		return nil
	case host.MessageClearCache:
		return s.clearAll(ctx)
	case host.MessageCacheURLs:
		var p CacheURLsPayload
		if len(msg.Payload) == 0 {
			return fmt.Errorf("%w: %s without payload", ErrMalformedMessage, msg.Type)
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("%w: %s payload: %w", ErrMalformedMessage, msg.Type, err)
		}
		if len(p.URLs) == 0 {
			return fmt.Errorf("%w: %s payload has no urls", ErrMalformedMessage, msg.Type)
		}
		return s.cacheURLs(ctx, p.URLs)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
}

func (s *Script) clearAll(ctx context.Context) error {
	names, err := s.storage.Names(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := s.storage.Delete(ctx, name); err != nil {
			return err
		}
	}
	s.log.Info("Cleared all stores", logger.Int("count", len(names)))
	_, err = s.storage.Open(ctx, s.settings.RuntimeStore())
	return err
}

func (s *Script) cacheURLs(ctx context.Context, urls []string) error {
	rt, err := s.storage.Open(ctx, s.settings.RuntimeStore())
	if err != nil {
		return err
	}
	if err := rt.AddAll(ctx, s.net, urls); err != nil {
		return fmt.Errorf("cache urls: %w", err)
	}
	s.log.Debug("Cached urls on demand", logger.Int("count", len(urls)))
	return nil
}
