package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/media"
)

// Resolved is where an item's media can be read from: a direct URL, or a
// local file for catalogs of files on disk.
type Resolved struct {
	URL       string
	Headers   map[string]string
	LocalPath string
}

// Resolver turns a catalog item into a downloadable location.
type Resolver interface {
	Resolve(ctx context.Context, item domain.WorkItem) (*Resolved, error)
}

// YtDlpOptions configures the yt-dlp resolver.
type YtDlpOptions struct {
	BinaryPath  string
	Format      string
	CookiesFile string
	Proxy       string
	UserAgent   string
	Timeout     time.Duration
}

// YtDlpResolver uses the yt-dlp binary to get a direct media URL.
type YtDlpResolver struct {
	opts YtDlpOptions
	run  media.Runner
}

// NewYtDlpResolver creates a resolver; a nil runner uses media.ExecRunner.
func NewYtDlpResolver(opts YtDlpOptions, run media.Runner) *YtDlpResolver {
	if opts.BinaryPath == "" {
		opts.BinaryPath = "yt-dlp"
	}
	if opts.Format == "" {
		opts.Format = "best[ext=mp4]/best"
	}
	if run == nil {
		run = media.ExecRunner
	}
	return &YtDlpResolver{opts: opts, run: run}
}

// Args returns the yt-dlp arguments used for key.
func (r *YtDlpResolver) Args(key string) []string {
	args := []string{"-f", r.opts.Format, "--get-url", "--no-warnings", "--no-playlist"}
	if r.opts.CookiesFile != "" {
		args = append(args, "--cookies", r.opts.CookiesFile)
	}
	if r.opts.Proxy != "" {
		args = append(args, "--proxy", r.opts.Proxy)
	}
	if r.opts.UserAgent != "" {
		args = append(args, "--user-agent", r.opts.UserAgent)
	}
	if r.opts.Timeout > 0 {
		args = append(args, "--socket-timeout", strconv.Itoa(int(r.opts.Timeout.Seconds())))
	}
	return append(args, "--", key)
}

// Remote reports that resolving talks to the video host and spends a token.
func (r *YtDlpResolver) Remote() bool {
	return true
}

// Resolve fetches the direct download link using yt-dlp --get-url.
func (r *YtDlpResolver) Resolve(ctx context.Context, item domain.WorkItem) (*Resolved, error) {
	key := item.SourceKey
	if key == "" {
		key = item.ID
	}

	stdout, stderr, err := r.run(ctx, r.opts.BinaryPath, r.Args(key)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("yt-dlp binary %q not found: %w", r.opts.BinaryPath, err)
		}
		msg := strings.TrimSpace(string(stderr))
		return nil, domain.Classify(ClassifyYtDlp(msg), fmt.Errorf("yt-dlp failed: %w: %s", err, lastLine(msg)))
	}

	// yt-dlp might return one URL per selected stream; the first is the
	// combined or video stream.
	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			headers := map[string]string{}
			if r.opts.UserAgent != "" {
				headers["User-Agent"] = r.opts.UserAgent
			}
			return &Resolved{URL: line, Headers: headers}, nil
		}
	}
	return nil, domain.Classify(domain.ClassTransient, errors.New("yt-dlp returned empty URL"))
}

// DirectResolver passes http(s) source keys through and maps file paths and
// file:// URLs onto local reads.
type DirectResolver struct{}

// Resolve returns the item's source key as is.
func (DirectResolver) Resolve(_ context.Context, item domain.WorkItem) (*Resolved, error) {
	key := strings.TrimSpace(item.SourceKey)
	switch {
	case key == "":
		return nil, domain.Classify(domain.ClassNotFound, fmt.Errorf("item %s has no source key", item.ID))
	case strings.HasPrefix(key, "http://"), strings.HasPrefix(key, "https://"):
		return &Resolved{URL: key}, nil
	case strings.HasPrefix(key, "file://"):
		return &Resolved{LocalPath: strings.TrimPrefix(key, "file://")}, nil
	case strings.Contains(key, "://"):
		return nil, domain.Classify(domain.ClassNotFound, fmt.Errorf("unsupported source key scheme: %s", key))
	default:
		return &Resolved{LocalPath: key}, nil
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
