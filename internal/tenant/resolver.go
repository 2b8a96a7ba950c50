package tenant

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Defaulter is implemented by directories that carry their own default
// profile.
type Defaulter interface {
	Default() Profile
}

// Resolver wraps a Directory so that call answering never blocks on it:
// every failure degrades to the default profile.
type Resolver struct {
	directory Directory
	timeout   time.Duration
	logger    *slog.Logger
	onFailure func(err error)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLookupTimeout bounds a single directory lookup.
func WithLookupTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.timeout = d }
}

// WithFailureHook is called for every lookup error other than ErrNotFound.
func WithFailureHook(fn func(err error)) ResolverOption {
	return func(r *Resolver) { r.onFailure = fn }
}

// NewResolver creates a resolver. A nil directory always yields the default.
func NewResolver(directory Directory, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		directory: directory,
		timeout:   2 * time.Second,
		logger:    logger.With("component", "tenant-resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the tenant for calledAddress or the default profile.
func (r *Resolver) Resolve(ctx context.Context, calledAddress string) Profile {
	fallback := DefaultProfile()
	if d, ok := r.directory.(Defaulter); ok {
		fallback = d.Default()
	}
	if r.directory == nil {
		return fallback
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	profile, err := r.lookup(lookupCtx, calledAddress)
	if err == nil {
		return profile.withDefaults(fallback)
	}
	if errors.Is(err, ErrNotFound) {
		r.logger.Info("no tenant for called number, using default", "called", calledAddress)
		return fallback
	}
	r.logger.Warn("tenant lookup failed, using default", "called", calledAddress, "error", err)
	if r.onFailure != nil {
		r.onFailure(err)
	}
	return fallback
}

func (r *Resolver) lookup(ctx context.Context, calledAddress string) (p Profile, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Join(ErrLookupFailed, errors.New("directory panicked"))
		}
	}()
	p, err = r.directory.Lookup(ctx, calledAddress)
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrLookupFailed) {
		err = errors.Join(ErrLookupFailed, err)
	}
	return p, err
}
