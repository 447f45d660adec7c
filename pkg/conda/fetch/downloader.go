// Copyright 2024 The gonda Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fetch

import (
	"compress/bzip2"
	"context"
	"crypto/md5" // #nosec G501 -- repodata integrity includes legacy md5 digests
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenk/backoff"
	"github.com/chainguard-dev/clog"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/gonda-dev/gonda/pkg/conda/auth"
	"github.com/gonda-dev/gonda/pkg/conda/condaurl"
)

// Options tune a MultiDownloader.
type Options struct {
	MaxParallel    int
	MaxRetries     int
	RetryTimeout   time.Duration // seed wait before the first retry
	BackoffFactor  float64
	ConnectTimeout time.Duration
	// Sort issues transfers in decreasing expected size.
	Sort bool
	// NoLowSpeedLimit disables the <30 B/s for 60 s cutoff; also settable
	// via MAMBA_NO_LOW_SPEED_LIMIT.
	NoLowSpeedLimit bool
	UserAgent       string
	Client          *http.Client
	Auth            auth.Authenticator
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxParallel <= 0 {
		out.MaxParallel = 5
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	} else if out.MaxRetries == 0 {
		out.MaxRetries = 3
	}
	if out.RetryTimeout <= 0 {
		out.RetryTimeout = 2 * time.Second
	}
	if out.BackoffFactor <= 0 {
		out.BackoffFactor = 2
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 30 * time.Second
	}
	if truthyEnv(os.Getenv("MAMBA_NO_LOW_SPEED_LIMIT")) {
		out.NoLowSpeedLimit = true
	}
	if out.Client == nil {
		out.Client = defaultClient(out.ConnectTimeout)
	}
	return out
}

func truthyEnv(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

const (
	lowSpeedLimit  = 30 // bytes per second
	lowSpeedWindow = 60 * time.Second
)

// MultiDownloader runs a set of targets over a bounded pool of transfers.
// Finalize callbacks run serially; no pool or solver mutation may happen
// from transfer paths.
type MultiDownloader struct {
	opts    Options
	targets []*Target

	interrupted atomic.Bool
	finalizeMu  sync.Mutex
}

// NewMultiDownloader creates a downloader with the given options.
func NewMultiDownloader(opts Options) *MultiDownloader {
	return &MultiDownloader{opts: opts.withDefaults()}
}

// Add queues a target; call before Download.
func (d *MultiDownloader) Add(t *Target) { d.targets = append(d.targets, t) }

// Interrupt requests cancellation; in-flight targets tear down at the next
// boundary and partial outputs are removed.
func (d *MultiDownloader) Interrupt() { d.interrupted.Store(true) }

// Download runs all queued transfers and returns their results in target
// order. Targets flagged IgnoreFailure report a nil slot instead of failing
// the batch; other failures collect into the returned error.
func (d *MultiDownloader) Download(ctx context.Context) ([]*Result, error) {
	ctx, span := otel.Tracer("gonda").Start(ctx, "MultiDownloader.Download")
	defer span.End()
	log := clog.FromContext(ctx)

	order := make([]int, len(d.targets))
	for i := range order {
		order[i] = i
	}
	if d.opts.Sort {
		sort.SliceStable(order, func(a, b int) bool {
			return d.targets[order[a]].ExpectedSize > d.targets[order[b]].ExpectedSize
		})
	}

	results := make([]*Result, len(d.targets))
	errs := make([]error, len(d.targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.MaxParallel)
	for _, idx := range order {
		idx := idx
		t := d.targets[idx]
		g.Go(func() error {
			if d.interrupted.Load() || gctx.Err() != nil {
				errs[idx] = ErrInterrupted
				return nil
			}
			res, err := d.fetchOne(gctx, t)
			if err != nil {
				log.Warnf("download %s failed: %v", t.Name, err)
				errs[idx] = err
				return nil
			}
			results[idx] = res
			return nil
		})
	}
	_ = g.Wait()

	if d.interrupted.Load() || ctx.Err() != nil {
		for _, t := range d.targets {
			removePartial(t)
		}
		return nil, ErrInterrupted
	}

	var failed []error
	for i, err := range errs {
		if err != nil && !d.targets[i].IgnoreFailure {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return results, errors.Join(failed...)
	}
	return results, nil
}

func removePartial(t *Target) {
	if t.Filename == "" {
		return
	}
	if fi, err := os.Stat(t.Filename + ".partial"); err == nil && !fi.IsDir() {
		os.Remove(t.Filename + ".partial")
	}
}

// fetchOne runs one target through its retry loop.
func (d *MultiDownloader) fetchOne(ctx context.Context, t *Target) (*Result, error) {
	ctx, span := otel.Tracer("gonda").Start(ctx, fmt.Sprintf("fetch(%s)", t.Name))
	defer span.End()

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = d.opts.RetryTimeout
	wait.Multiplier = d.opts.BackoffFactor
	wait.RandomizationFactor = 0
	wait.MaxElapsedTime = 0
	wait.Reset()

	retries := 0
	for {
		res, retryable, retryAfter, err := d.attempt(ctx, t)
		if err == nil {
			res.RetriesUsed = retries
			return res, d.finalize(res)
		}

		if !retryable || t.isFileURL() || retries >= d.opts.MaxRetries {
			return nil, err
		}
		retries++

		delay := wait.NextBackOff()
		if retryAfter > 0 {
			// an explicit Retry-After overrides the computed wait
			delay = retryAfter
		}
		select {
		case <-ctx.Done():
			removePartial(t)
			return nil, ErrInterrupted
		case <-time.After(delay):
		}
		if d.interrupted.Load() {
			removePartial(t)
			return nil, ErrInterrupted
		}
	}
}

// retryable HTTP statuses: requests that may succeed later
func retryableStatus(status int) bool {
	return status == http.StatusRequestEntityTooLarge ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// attempt performs one transfer. The bool reports whether a failure may be
// retried; retryAfter carries a server-provided wait.
func (d *MultiDownloader) attempt(ctx context.Context, t *Target) (*Result, bool, time.Duration, error) {
	if t.isFileURL() {
		res, err := d.fetchFile(t)
		return res, false, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, false, 0, &Error{Target: t.Name, Message: err.Error()}
	}
	if d.opts.UserAgent != "" {
		req.Header.Set("User-Agent", d.opts.UserAgent)
	}
	if t.wantsEncoding() {
		// ask the server to compress plain-json payloads any way it likes
		req.Header.Set("Accept-Encoding", "gzip, deflate, zstd")
	}
	if t.ETag != "" {
		req.Header.Set("If-None-Match", t.ETag)
	}
	if t.Mod != "" {
		req.Header.Set("If-Modified-Since", t.Mod)
	}
	if t.NoCache {
		req.Header.Set("Cache-Control", "no-cache")
	}
	if d.opts.Auth != nil {
		d.opts.Auth.AddAuth(ctx, req)
	}

	resp, err := d.opts.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, false, 0, ErrInterrupted
		}
		// timeouts are terminal, transport-level resets may recover
		var code string
		retry := true
		if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			code = "OPERATION_TIMEDOUT"
			retry = false
		} else {
			code = "TRANSFER_ERROR"
		}
		return nil, retry, 0, &Error{Target: t.Name, TransportCode: code, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if t.ETag == "" && t.Mod == "" {
			return nil, false, 0, &Error{Target: t.Name, HTTPStatus: resp.StatusCode,
				Message: "304 without conditional request headers"}
		}
		return &Result{
			Target:      t,
			Path:        t.CachedPath,
			HTTPStatus:  resp.StatusCode,
			NotModified: true,
			ETag:        t.ETag,
			Mod:         t.Mod,
		}, false, 0, nil
	case resp.StatusCode != http.StatusOK:
		retry := retryableStatus(resp.StatusCode)
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, retry, parseRetryAfter(resp.Header.Get("Retry-After")),
			&Error{Target: t.Name, HTTPStatus: resp.StatusCode,
				Message: "unexpected status for " + condaurl.LogSafeString(t.URL)}
	}

	res, err := d.writeBody(ctx, t, resp)
	if err != nil {
		var ierr *IntegrityError
		if errors.As(err, &ierr) {
			// a bad digest will not improve on retry
			return nil, false, 0, err
		}
		var ferr *Error
		if errors.As(err, &ferr) {
			switch ferr.TransportCode {
			case "WRITE_ERROR", "ABORTED_BY_CALLBACK":
				return nil, false, 0, err
			}
		}
		return nil, true, 0, err
	}
	return res, false, 0, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// writeBody streams the response to disk through the decompressor and hash
// sinks, enforcing the low-speed cutoff.
func (d *MultiDownloader) writeBody(ctx context.Context, t *Target, resp *http.Response) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(t.Filename), 0o755); err != nil {
		return nil, &Error{Target: t.Name, Message: err.Error()}
	}
	partial := t.Filename + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return nil, &Error{Target: t.Name, Message: err.Error()}
	}

	var reader io.Reader = resp.Body
	if !d.opts.NoLowSpeedLimit {
		reader = &lowSpeedReader{inner: reader, started: time.Now()}
	}
	if t.Progress != nil {
		total := t.ExpectedSize
		if total == 0 {
			total = resp.ContentLength
		}
		reader = &progressReader{inner: reader, sink: t.Progress, total: total, started: time.Now()}
	}

	// hashes are computed over the bytes written to disk
	var sha hash.Hash
	var md hash.Hash
	writer := io.Writer(out)
	if t.ExpectedSHA256 != "" {
		sha = sha256.New()
		writer = io.MultiWriter(writer, sha)
	}
	if t.ExpectedMD5 != "" {
		md = md5.New() // #nosec G401
		writer = io.MultiWriter(writer, md)
	}

	switch t.compression() {
	case "zst":
		dec, derr := zstd.NewReader(reader)
		if derr != nil {
			out.Close()
			os.Remove(partial)
			return nil, &Error{Target: t.Name, Message: derr.Error()}
		}
		defer dec.Close()
		reader = dec
	case "bz2":
		reader = bzip2.NewReader(reader)
	}

	written, copyErr := io.Copy(writer, reader)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(partial)
		if d.interrupted.Load() || ctx.Err() != nil {
			return nil, ErrInterrupted
		}
		msg := ""
		if copyErr != nil {
			msg = copyErr.Error()
		} else {
			msg = closeErr.Error()
		}
		var lse *lowSpeedError
		if errors.As(copyErr, &lse) {
			return nil, &Error{Target: t.Name, TransportCode: "ABORTED_BY_CALLBACK", Message: msg}
		}
		return nil, &Error{Target: t.Name, TransportCode: "WRITE_ERROR", Message: msg}
	}

	if t.ExpectedSize > 0 && t.compression() == "" && written != t.ExpectedSize {
		os.Remove(partial)
		return nil, &IntegrityError{
			Target:   t.Name,
			Expected: fmt.Sprintf("%d bytes", t.ExpectedSize),
			Actual:   fmt.Sprintf("%d bytes", written),
		}
	}
	if sha != nil {
		if got := hex.EncodeToString(sha.Sum(nil)); !strings.EqualFold(got, t.ExpectedSHA256) {
			os.Remove(partial)
			return nil, &IntegrityError{Target: t.Name, Expected: t.ExpectedSHA256, Actual: got}
		}
	}
	if md != nil {
		if got := hex.EncodeToString(md.Sum(nil)); !strings.EqualFold(got, t.ExpectedMD5) {
			os.Remove(partial)
			return nil, &IntegrityError{Target: t.Name, Expected: t.ExpectedMD5, Actual: got}
		}
	}

	if err := os.Rename(partial, t.Filename); err != nil {
		os.Remove(partial)
		return nil, &Error{Target: t.Name, Message: err.Error()}
	}
	if t.Progress != nil {
		t.Progress.MarkCompleted()
	}

	return &Result{
		Target:     t,
		Path:       t.Filename,
		Size:       written,
		HTTPStatus: resp.StatusCode,
		ETag:       strings.Trim(resp.Header.Get("Etag"), `"`),
		Mod:        resp.Header.Get("Last-Modified"),
	}, nil
}

// fetchFile copies a file:// target; local reads have no retry loop.
func (d *MultiDownloader) fetchFile(t *Target) (*Result, error) {
	path := strings.TrimPrefix(t.URL, "file://")
	// four-slash UNC transport form keeps the host in the path
	path = strings.TrimPrefix(path, "//")
	if len(path) >= 4 && path[0] == '/' && path[2] == ':' {
		// /C:/... drive letter form
		path = path[1:]
	}
	in, err := os.Open(path)
	if err != nil {
		return nil, &Error{Target: t.Name, Message: err.Error()}
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(t.Filename), 0o755); err != nil {
		return nil, &Error{Target: t.Name, Message: err.Error()}
	}
	out, err := os.Create(t.Filename)
	if err != nil {
		return nil, &Error{Target: t.Name, Message: err.Error()}
	}
	written, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(t.Filename)
		return nil, &Error{Target: t.Name, TransportCode: "WRITE_ERROR", Message: "copying local file"}
	}
	if t.Progress != nil {
		t.Progress.MarkCompleted()
	}
	return &Result{Target: t, Path: t.Filename, Size: written, HTTPStatus: http.StatusOK}, nil
}

// finalize runs the target callback; callbacks are serialized on one lock
// so they can touch shared state without their own locking, but they must
// never render to the console.
func (d *MultiDownloader) finalize(res *Result) error {
	if res.Target.Finalize == nil {
		return nil
	}
	d.finalizeMu.Lock()
	defer d.finalizeMu.Unlock()
	return res.Target.Finalize(res)
}

type lowSpeedError struct{}

func (lowSpeedError) Error() string {
	return fmt.Sprintf("transfer slower than %d B/s for %s", lowSpeedLimit, lowSpeedWindow)
}

// lowSpeedReader aborts a transfer that stays under the low-speed limit for
// a full window.
type lowSpeedReader struct {
	inner       io.Reader
	started     time.Time
	windowStart time.Time
	windowBytes int64
}

func (r *lowSpeedReader) Read(p []byte) (int, error) {
	if r.windowStart.IsZero() {
		r.windowStart = r.started
	}
	n, err := r.inner.Read(p)
	r.windowBytes += int64(n)
	if elapsed := time.Since(r.windowStart); elapsed >= lowSpeedWindow {
		if r.windowBytes < int64(float64(lowSpeedLimit)*elapsed.Seconds()) {
			return n, &lowSpeedError{}
		}
		r.windowStart = time.Now()
		r.windowBytes = 0
	}
	return n, err
}

// progressReader publishes transfer progress to the sink.
type progressReader struct {
	inner   io.Reader
	sink    ProgressSink
	total   int64
	done    int64
	started time.Time
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	r.done += int64(n)
	r.sink.Update(r.done, r.total)
	if secs := time.Since(r.started).Seconds(); secs > 0 {
		r.sink.SetSpeed(int64(float64(r.done) / secs))
	}
	return n, err
}
