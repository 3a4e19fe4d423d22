package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
)

// KeySource supplies the public keys that may sign identity tokens.
type KeySource interface {
	Keys(ctx context.Context) (jwk.Set, error)
}

// RemoteKeySource fetches a JWKS document and caches it for the refresh
// interval. Once a set is cached, a stale set keeps being served while a
// single background fetch replaces it; a failed refresh keeps the last good
// set. Only the very first fetch makes callers wait.
type RemoteKeySource struct {
	url     string
	client  *http.Client
	refresh time.Duration
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group

	mu        sync.RWMutex
	set       jwk.Set
	fetchedAt time.Time
}

// NewRemoteKeySource creates a key source for the JWKS at url.
func NewRemoteKeySource(url string, refresh time.Duration, logger *slog.Logger) *RemoteKeySource {
	if logger == nil {
		logger = slog.Default()
	}
	if refresh <= 0 {
		refresh = time.Hour
	}
	return &RemoteKeySource{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		refresh: refresh,
		logger:  logger,
		now:     time.Now,
	}
}

// Keys returns the cached set, starting a refresh when it is stale.
func (s *RemoteKeySource) Keys(ctx context.Context) (jwk.Set, error) {
	s.mu.RLock()
	set, fetchedAt := s.set, s.fetchedAt
	s.mu.RUnlock()

	if set != nil {
		if s.now().Sub(fetchedAt) >= s.refresh {
			s.group.DoChan(s.url, s.fetch)
		}
		return set, nil
	}

	select {
	case res := <-s.group.DoChan(s.url, s.fetch):
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(jwk.Set), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch JWKS from %s: %w", s.url, ctx.Err())
	}
}

// fetch runs detached from any caller so a cancelled verification does not
// abort the shared refresh. The client timeout bounds it.
func (s *RemoteKeySource) fetch() (any, error) {
	set, err := jwk.Fetch(context.Background(), s.url, jwk.WithHTTPClient(s.client))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.set != nil {
			s.logger.Warn("JWKS refresh failed, using cached keys",
				"url", s.url,
				"age", s.now().Sub(s.fetchedAt).String(),
				"error", err,
			)
			// Back off for a full interval before trying again.
			s.fetchedAt = s.now()
			return s.set, nil
		}
		return nil, fmt.Errorf("fetch JWKS from %s: %w", s.url, err)
	}

	s.set = set
	s.fetchedAt = s.now()
	s.logger.Debug("JWKS refreshed", "url", s.url, "keys", set.Len())
	return set, nil
}

// StaticKeySource serves a fixed key set.
type StaticKeySource struct {
	set jwk.Set
}

// NewStaticKeySource wraps set.
func NewStaticKeySource(set jwk.Set) *StaticKeySource {
	return &StaticKeySource{set: set}
}

// LoadStaticKeySource reads a JWKS document from path.
func LoadStaticKeySource(path string) (*StaticKeySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read JWKS file: %w", err)
	}
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse JWKS file %s: %w", path, err)
	}
	return &StaticKeySource{set: set}, nil
}

// Keys returns the fixed set.
func (s *StaticKeySource) Keys(context.Context) (jwk.Set, error) {
	return s.set, nil
}
