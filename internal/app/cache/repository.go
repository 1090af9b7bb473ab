package cache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/moonggae/kmedia/internal/app/broadcast"
	"github.com/moonggae/kmedia/internal/app/notification"
	"github.com/moonggae/kmedia/internal/infra/metrics"
)

const (
	settingEnabled   = "enabled"
	settingMaxSizeMB = "max_size_mb"
)

var (
	// ErrDisabled is returned by Precache while caching is disabled.
	ErrDisabled = errors.New("caching is disabled")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache repository closed")
	// ErrInvalidRequest is returned for malformed keys, URLs and sizes.
	ErrInvalidRequest = errors.New("invalid cache request")
)

// Store is the persistence the repository needs.
// cachestore.Store satisfies it.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Has(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) ([]string, error)
	UsedBytes(ctx context.Context) (int64, error)
	Evict(ctx context.Context, maxBytes int64) ([]string, error)
	Setting(ctx context.Context, name string) (string, bool, error)
	SetSetting(ctx context.Context, name, value string) error
}

// PlayerRecreator rebuilds the playback engine when the caching policy
// changes. controller.Manager satisfies it.
type PlayerRecreator interface {
	RecreatePlayer()
}

// Config holds repository defaults. Persisted settings override Enabled and
// MaxSizeMB.
type Config struct {
	Enabled         bool
	MaxSizeMB       int
	Workers         int           // Concurrent downloads
	StartsPerSecond float64       // Download start rate
	PollInterval    time.Duration // Used-size sampling interval
	HTTPClient      *http.Client
}

// DefaultConfig returns the standard repository configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxSizeMB:       1024,
		Workers:         2,
		StartsPerSecond: 4,
		PollInterval:    time.Second,
	}
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Repository is the cache subsystem facade.
type Repository struct {
	store  Store
	player PlayerRecreator
	client *http.Client
	config Config

	enabled   *broadcast.Value[bool]
	maxSizeMB *broadcast.Value[int]
	events    *notification.Manager[Event]

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	// settingsMu serializes SetEnabled and SetMaxSizeMB.
	settingsMu sync.Mutex

	mu   sync.Mutex
	jobs map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRepository creates a repository, loading persisted settings from store.
func NewRepository(ctx context.Context, store Store, player PlayerRecreator, config Config) (*Repository, error) {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.StartsPerSecond <= 0 {
		config.StartsPerSecond = defaults.StartsPerSecond
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = defaults.MaxSizeMB
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	enabled := config.Enabled
	if v, ok, err := store.Setting(ctx, settingEnabled); err != nil {
		return nil, err
	} else if ok {
		enabled = v == "true"
	}

	maxSize := config.MaxSizeMB
	if v, ok, err := store.Setting(ctx, settingMaxSizeMB); err != nil {
		return nil, err
	} else if ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxSize = n
		}
	}

	rctx, cancel := context.WithCancel(context.Background())
	return &Repository{
		store:     store,
		player:    player,
		client:    client,
		config:    config,
		enabled:   broadcast.New(enabled),
		maxSizeMB: broadcast.New(maxSize),
		events:    notification.NewManager[Event](),
		sem:       semaphore.NewWeighted(int64(config.Workers)),
		limiter:   rate.NewLimiter(rate.Limit(config.StartsPerSecond), 1),
		jobs:      make(map[string]*job),
		ctx:       rctx,
		cancel:    cancel,
	}, nil
}

// Enabled reports whether caching is enabled.
func (r *Repository) Enabled() bool {
	return r.enabled.Load()
}

// MaxSizeMB returns the cache size limit in megabytes.
func (r *Repository) MaxSizeMB() int {
	return r.maxSizeMB.Load()
}

// SetEnabled toggles caching. Disabling clears the cache and cancels
// in-flight work; any actual change rebuilds the playback engine.
func (r *Repository) SetEnabled(ctx context.Context, enable bool) error {
	r.settingsMu.Lock()
	defer r.settingsMu.Unlock()

	was := r.enabled.Load()
	if err := r.store.SetSetting(ctx, settingEnabled, strconv.FormatBool(enable)); err != nil {
		return err
	}
	r.enabled.Update(func(cur bool) (bool, bool) {
		return enable, cur != enable
	})

	if was && !enable {
		r.cancelAll()
		if err := r.Clear(ctx); err != nil {
			return err
		}
	}

	if was != enable {
		zlog.Info().Msgf("cache: caching enabled=%t, recreating player", enable)
		r.player.RecreatePlayer()
	}
	return nil
}

// SetMaxSizeMB changes the size limit and evicts down to it.
func (r *Repository) SetMaxSizeMB(ctx context.Context, mb int) error {
	if mb <= 0 {
		return errors.Wrapf(ErrInvalidRequest, "cache size %d MB", mb)
	}

	r.settingsMu.Lock()
	defer r.settingsMu.Unlock()

	if err := r.store.SetSetting(ctx, settingMaxSizeMB, strconv.Itoa(mb)); err != nil {
		return err
	}
	r.maxSizeMB.Store(mb)
	return r.evict(ctx)
}

// Clear removes every cached item, emitting None for each.
func (r *Repository) Clear(ctx context.Context) error {
	keys, err := r.store.Clear(ctx)
	for _, key := range keys {
		r.publish(key, StatusNone)
	}
	if err != nil {
		return errors.Wrap(err, "failed to clear cache")
	}
	zlog.Info().Msgf("cache: cleared %d item(s)", len(keys))
	return nil
}

// IsCached reports whether key is fully cached.
func (r *Repository) IsCached(ctx context.Context, key string) (bool, error) {
	return r.store.Has(ctx, key)
}

// Precache downloads rawURL into the cache under key in the background.
// A pending or running job for the same key is replaced.
func (r *Repository) Precache(rawURL, key string) error {
	if key == "" {
		return errors.Wrap(ErrInvalidRequest, "cache key is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.Wrapf(ErrInvalidRequest, "precache url %q", rawURL)
	}
	if !r.enabled.Load() {
		return ErrDisabled
	}

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(r.ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}
	prev := r.jobs[key]
	r.jobs[key] = j
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer close(j.done)
		defer cancel()

		if prev != nil {
			prev.cancel()
			<-prev.done
		}
		r.run(ctx, j, u.String(), key)
	}()

	return nil
}

func (r *Repository) run(ctx context.Context, j *job, rawURL, key string) {
	if ctx.Err() != nil {
		return
	}
	r.publish(key, StatusQueued)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer r.sem.Release(1)

	if err := r.limiter.Wait(ctx); err != nil {
		return
	}

	r.publish(key, StatusCaching)
	size, err := r.download(ctx, rawURL, key)
	if ctx.Err() != nil {
		return
	}

	r.forget(key, j)

	if err != nil {
		zlog.Warn().Msgf("cache: precache %s failed: %v", key, err)
		r.publish(key, StatusFailed)
		return
	}

	zlog.Debug().Msgf("cache: cached %s (%d bytes)", key, size)
	r.publish(key, StatusCached)

	if err := r.evict(ctx); err != nil {
		zlog.Warn().Msgf("cache: eviction failed: %v", err)
	}
}

func (r *Repository) download(ctx context.Context, rawURL, key string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to build request")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Newf("unexpected status %d", resp.StatusCode)
	}

	return r.store.Put(ctx, key, resp.Body)
}

func (r *Repository) evict(ctx context.Context) error {
	maxBytes := int64(r.maxSizeMB.Load()) * 1024 * 1024
	evicted, err := r.store.Evict(ctx, maxBytes)
	for _, key := range evicted {
		r.publish(key, StatusNone)
	}
	return err
}

// forget removes j from the job table if it is still the job for key.
func (r *Repository) forget(key string, j *job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs[key] == j {
		delete(r.jobs, key)
	}
}

// cancelJob stops the job for key, if any, and waits for it.
// Reports whether a job was stopped.
func (r *Repository) cancelJob(key string) bool {
	r.mu.Lock()
	j := r.jobs[key]
	delete(r.jobs, key)
	r.mu.Unlock()

	if j == nil {
		return false
	}
	j.cancel()
	<-j.done
	return true
}

// cancelAll stops every job and emits None for each affected key.
func (r *Repository) cancelAll() {
	r.mu.Lock()
	jobs := r.jobs
	r.jobs = make(map[string]*job)
	r.mu.Unlock()

	for key, j := range jobs {
		j.cancel()
		<-j.done
		r.publish(key, StatusNone)
	}
	if len(jobs) > 0 {
		zlog.Info().Msgf("cache: cancelled %d precache job(s)", len(jobs))
	}
}

// RemoveCached removes keys from the cache, cancelling their pending work,
// and emits None for each.
func (r *Repository) RemoveCached(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		r.cancelJob(key)
		if err := r.store.Remove(ctx, key); err != nil {
			return err
		}
		r.publish(key, StatusNone)
	}
	return nil
}

// ObserveStatus returns status events for itemID, or for every item when
// itemID is empty. Events for one item arrive in the order they occurred.
func (r *Repository) ObserveStatus(ctx context.Context, itemID string) <-chan StatusEvent {
	var filter func(Event) bool
	if itemID != "" {
		filter = func(e Event) bool { return e.ItemID == itemID }
	}
	_, ch := r.events.Subscribe(ctx, filter)
	return ch
}

// ObserveUsedBytes samples the used cache size every poll interval while
// caching is enabled. While disabled it emits 0 once and waits for caching
// to be enabled again. The channel is closed when ctx is done.
func (r *Repository) ObserveUsedBytes(ctx context.Context) <-chan int64 {
	out := make(chan int64)

	go func() {
		defer close(out)

		send := func(v int64) bool {
			select {
			case out <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			changed := r.enabled.Changed()

			if !r.enabled.Load() {
				metrics.SetCacheUsedBytes(0)
				if !send(0) {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-changed:
				}
				continue
			}

			if !r.pollUsedBytes(ctx, changed, send) {
				return
			}
		}
	}()

	return out
}

// pollUsedBytes samples until the enabled flag changes. Returns false when
// ctx is done.
func (r *Repository) pollUsedBytes(ctx context.Context, changed <-chan struct{}, send func(int64) bool) bool {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-changed:
			return true
		default:
		}

		used, err := r.store.UsedBytes(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			zlog.Debug().Msgf("cache: sample used size: %v", err)
		} else {
			metrics.SetCacheUsedBytes(used)
			if !send(used) {
				return false
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-changed:
			return true
		case <-ticker.C:
		}
	}
}

func (r *Repository) publish(key string, status Status) {
	metrics.IncCacheStatus(status.String())
	r.events.Broadcast(Event{ItemID: key, Status: status})
}

// Close cancels all work and closes observers.
func (r *Repository) Close() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.events.Close()
}
