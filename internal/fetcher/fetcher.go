package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/logger"
	"github.com/timmy/avcorpus/internal/retry"
	"golang.org/x/time/rate"
)

// Config holds fetcher settings.
type Config struct {
	ScratchQuota int64         // per-worker scratch bytes; larger payloads are too_large
	Timeout      time.Duration // whole-request timeout, body included
	UserAgent    string
}

// Fetcher downloads one item's media into a worker's scratch directory. One
// Fetcher is shared by all workers; its limiter is the global request budget.
type Fetcher struct {
	resolver Resolver
	client   *resty.Client
	limiter  *rate.Limiter
	policy   *retry.Policy
	quota    int64
}

// NewLimiter returns a token bucket that admits perWindow requests per window,
// with bursts of up to perWindow.
func NewLimiter(perWindow int, window time.Duration) *rate.Limiter {
	if perWindow <= 0 || window <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perWindow)/window.Seconds()), perWindow)
}

// NewFetcher creates a fetcher.
// Parameters:
//   - resolver: maps items onto download locations.
//   - limiter: shared token bucket; nil means unlimited.
//   - policy: retry policy for transient and rate limited failures.
//   - cfg: quota and HTTP settings.
// Returns:
//   - *Fetcher: initialized fetcher.
func NewFetcher(resolver Resolver, limiter *rate.Limiter, policy *retry.Policy, cfg Config) *Fetcher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if policy == nil {
		policy = &retry.Policy{}
	}
	client := resty.New()
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Fetcher{
		resolver: resolver,
		client:   client,
		limiter:  limiter,
		policy:   policy,
		quota:    cfg.ScratchQuota,
	}
}

// Fetch resolves and downloads item into scratchDir. Transient and rate
// limited failures are retried with backoff; once the budget is spent the
// error is classed fetch_exhausted. A retry.Hook on ctx is told about every
// retry and may end the loop early.
// Parameters:
//   - ctx: context for cancellation; limiter waits honor it.
//   - item: catalog item to fetch.
//   - scratchDir: the calling worker's scratch directory.
// Returns:
//   - *domain.FetchedPayload: scratch file owned by the caller.
//   - error: classified failure.
func (f *Fetcher) Fetch(ctx context.Context, item domain.WorkItem, scratchDir string) (*domain.FetchedPayload, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	dest := filepath.Join(scratchDir, domain.SafeName(item.ID)+".media")

	var payload *domain.FetchedPayload
	err := f.policy.Do(ctx, func(ctx context.Context, try int) error {
		if try > 0 {
			logger.FromContext(ctx).WithFields(logger.Fields{
				logger.FieldAttempt: try + 1,
			}).Debug("Retrying fetch")
		}
		p, err := f.fetchOnce(ctx, item, dest)
		if err != nil {
			os.Remove(dest)
			return err
		}
		payload = p
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return nil, domain.Classify(domain.ClassFetchExhausted, err)
		}
		return nil, err
	}
	return payload, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, item domain.WorkItem, dest string) (*domain.FetchedPayload, error) {
	if remote, ok := f.resolver.(interface{ Remote() bool }); ok && remote.Remote() {
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
	}
	resolved, err := f.resolver.Resolve(ctx, item)
	if err != nil {
		return nil, err
	}
	if resolved.LocalPath != "" {
		return f.copyLocal(item, resolved.LocalPath, dest)
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.download(ctx, item, resolved, dest)
}

func (f *Fetcher) wait(ctx context.Context) error {
	if err := f.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Wait fails without blocking when the deadline is closer than the
		// next token; that is a transient condition, not a verdict on the item.
		return domain.Classify(domain.ClassRateLimited, err)
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, item domain.WorkItem, resolved *Resolved, dest string) (*domain.FetchedPayload, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeaders(resolved.Headers).
		SetDoNotParseResponse(true).
		Get(resolved.URL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransport(fmt.Errorf("GET %s: %w", redact(resolved.URL), err))
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, statusError(resp.StatusCode(), resolved.URL)
	}
	if f.quota > 0 && resp.RawResponse != nil && resp.RawResponse.ContentLength > f.quota {
		return nil, domain.Classify(domain.ClassTooLarge,
			fmt.Errorf("%w: content length %d exceeds %d", domain.ErrScratchQuota, resp.RawResponse.ContentLength, f.quota))
	}

	n, err := f.writeLimited(body, dest)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransport(err)
	}
	return &domain.FetchedPayload{
		Item:        item,
		Path:        dest,
		Size:        n,
		ContentType: resp.Header().Get("Content-Type"),
	}, nil
}

func (f *Fetcher) copyLocal(item domain.WorkItem, src, dest string) (*domain.FetchedPayload, error) {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.Classify(domain.ClassNotFound, err)
		}
		if os.IsPermission(err) {
			return nil, domain.Classify(domain.ClassForbidden, err)
		}
		return nil, domain.Classify(domain.ClassTransient, err)
	}
	defer in.Close()

	n, err := f.writeLimited(in, dest)
	if err != nil {
		return nil, classifyTransport(err)
	}
	return &domain.FetchedPayload{Item: item, Path: dest, Size: n}, nil
}

// writeLimited copies r into dest, failing once more than the quota arrives.
func (f *Fetcher) writeLimited(r io.Reader, dest string) (int64, error) {
	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create scratch file: %w", err)
	}

	src := r
	if f.quota > 0 {
		src = io.LimitReader(r, f.quota+1)
	}
	n, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr != nil {
		return n, fmt.Errorf("failed to write scratch file: %w", copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("failed to close scratch file: %w", closeErr)
	}
	if f.quota > 0 && n > f.quota {
		return n, fmt.Errorf("%w: payload exceeds %d bytes", domain.ErrScratchQuota, f.quota)
	}
	return n, nil
}
