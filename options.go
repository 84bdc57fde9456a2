package dbcache

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"go.uber.org/zap"

	"github.com/gitpan/dbcache/store"
)

// config holds the resolved configuration for a Cache.
type config struct {
	cacheFile string
	layout    store.Layout
	envLock   bool

	defaultTTL        time.Duration
	autoPurgeInterval time.Duration
	autoPurgeOnSet    bool
	autoPurgeOnGet    bool

	purgeOnInit    bool
	purgeOnDestroy bool
	clearOnInit    bool
	clearOnDestroy bool

	purgeEvery  time.Duration
	trackAccess bool

	logger *zap.Logger
}

// Option configures a Cache at construction time.
type Option func(*config)

func defaultConfig() config {
	return config{
		layout: store.Btree,
		logger: zap.NewNop(),
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithCacheFile sets an explicit store file name inside the cache root.
// Defaults to "<namespace>.db". Multiple namespaces given the same file
// share one physical store.
func WithCacheFile(name string) Option {
	return func(c *config) { c.cacheFile = name }
}

// WithLayout selects the store file's physical layout. Only consulted when
// the file is created; an existing file's layout always wins and a
// mismatched tag is silently ignored.
func WithLayout(l store.Layout) Option {
	return func(c *config) { c.layout = l }
}

// WithEnvLock serializes writes across every store under the cache root
// rather than per file.
func WithEnvLock() Option {
	return func(c *config) { c.envLock = true }
}

// WithDefaultTTL sets the TTL applied by Set/Add/Replace when the caller
// passes ttl <= 0. A default of 0 (the default) means entries never expire
// unless given an explicit TTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithAutoPurgeInterval sets the minimum elapsed time between opportunistic
// purges. 0 disables auto-purging.
func WithAutoPurgeInterval(d time.Duration) Option {
	return func(c *config) { c.autoPurgeInterval = d }
}

// WithAutoPurgeOnSet triggers the auto-purge check before writes.
func WithAutoPurgeOnSet() Option {
	return func(c *config) { c.autoPurgeOnSet = true }
}

// WithAutoPurgeOnGet triggers the auto-purge check before reads.
func WithAutoPurgeOnGet() Option {
	return func(c *config) { c.autoPurgeOnGet = true }
}

// WithPurgeOnInit runs a purge as soon as the cache is opened.
func WithPurgeOnInit() Option {
	return func(c *config) { c.purgeOnInit = true }
}

// WithPurgeOnDestroy runs a purge during Close.
func WithPurgeOnDestroy() Option {
	return func(c *config) { c.purgeOnDestroy = true }
}

// WithClearOnInit truncates the namespace as soon as the cache is opened.
func WithClearOnInit() Option {
	return func(c *config) { c.clearOnInit = true }
}

// WithClearOnDestroy truncates the namespace during Close. Takes precedence
// over WithPurgeOnDestroy when both are set.
func WithClearOnDestroy() Option {
	return func(c *config) { c.clearOnDestroy = true }
}

// WithPurgeEvery runs a background goroutine that purges expired entries on
// the given interval, independent of the opportunistic auto-purge policy.
// The goroutine is stopped by Close.
func WithPurgeEvery(d time.Duration) Option {
	return func(c *config) { c.purgeEvery = d }
}

// WithAccessTracking rewrites an entry's last-access timestamp on every
// successful Get. Off by default: it turns every read into a write.
func WithAccessTracking() Option {
	return func(c *config) { c.trackAccess = true }
}

// WithLogger sets the logger used for debug-level operational events.
// Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// OptionsFromMap converts the string-keyed option set accepted by
// configuration files into Options. Durations accept either a bare number
// of seconds ("300") or a duration string ("5m", "1h30m"). Booleans accept
// anything strconv.ParseBool does. Unknown keys and malformed values are
// rejected.
//
// Recognized keys: cache_file, type, env_lock, default_expires_in,
// auto_purge_interval, auto_purge_on_set, auto_purge_on_get, purge_on_init,
// purge_on_destroy, clear_on_init, clear_on_destroy.
func OptionsFromMap(m map[string]string) ([]Option, error) {
	var opts []Option
	for key, val := range m {
		switch key {
		case "cache_file":
			opts = append(opts, WithCacheFile(val))
		case "type":
			layout, err := store.ParseLayout(val)
			if err != nil {
				return nil, errors.Mark(err, ErrInvalidValue)
			}
			opts = append(opts, WithLayout(layout))
		case "env_lock":
			b, err := parseBoolOption(key, val)
			if err != nil {
				return nil, err
			}
			if b {
				opts = append(opts, WithEnvLock())
			}
		case "default_expires_in":
			d, err := parseDurationOption(key, val)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithDefaultTTL(d))
		case "auto_purge_interval":
			d, err := parseDurationOption(key, val)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithAutoPurgeInterval(d))
		case "auto_purge_on_set":
			if err := appendBoolOption(&opts, key, val, WithAutoPurgeOnSet); err != nil {
				return nil, err
			}
		case "auto_purge_on_get":
			if err := appendBoolOption(&opts, key, val, WithAutoPurgeOnGet); err != nil {
				return nil, err
			}
		case "purge_on_init":
			if err := appendBoolOption(&opts, key, val, WithPurgeOnInit); err != nil {
				return nil, err
			}
		case "purge_on_destroy":
			if err := appendBoolOption(&opts, key, val, WithPurgeOnDestroy); err != nil {
				return nil, err
			}
		case "clear_on_init":
			if err := appendBoolOption(&opts, key, val, WithClearOnInit); err != nil {
				return nil, err
			}
		case "clear_on_destroy":
			if err := appendBoolOption(&opts, key, val, WithClearOnDestroy); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Mark(errors.Newf("dbcache: unknown option %q", key), ErrInvalidValue)
		}
	}
	return opts, nil
}

func parseDurationOption(key, val string) (time.Duration, error) {
	if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
		if secs < 0 {
			return 0, errors.Mark(errors.Newf("dbcache: option %q must not be negative", key), ErrInvalidValue)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := str2duration.ParseDuration(val)
	if err != nil {
		return 0, errors.Mark(errors.Newf("dbcache: option %q has invalid duration %q", key, val), ErrInvalidValue)
	}
	if d < 0 {
		return 0, errors.Mark(errors.Newf("dbcache: option %q must not be negative", key), ErrInvalidValue)
	}
	return d, nil
}

func parseBoolOption(key, val string) (bool, error) {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, errors.Mark(errors.Newf("dbcache: option %q has invalid boolean %q", key, val), ErrInvalidValue)
	}
	return b, nil
}

func appendBoolOption(opts *[]Option, key, val string, opt func() Option) error {
	b, err := parseBoolOption(key, val)
	if err != nil {
		return err
	}
	if b {
		*opts = append(*opts, opt())
	}
	return nil
}
