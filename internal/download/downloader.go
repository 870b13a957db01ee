package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultUserAgent = "modelhub/1.0"

// Config configures a FileDownloader. The zero value is usable.
type Config struct {
	// Client performs requests; http.DefaultClient when nil.
	Client *http.Client
	// Token is sent as a bearer token when non-empty.
	Token     string
	UserAgent string
	Logger    zerolog.Logger
}

// FileDownloader fetches single files over HTTP with Range-based resume.
type FileDownloader struct {
	client    *http.Client
	token     string
	userAgent string
	log       zerolog.Logger
	now       func() time.Time
}

// NewFileDownloader constructs a FileDownloader from cfg, applying defaults.
func NewFileDownloader(cfg Config) *FileDownloader {
	d := &FileDownloader{
		client:    cfg.Client,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		log:       cfg.Logger,
		now:       time.Now,
	}
	if d.client == nil {
		d.client = http.DefaultClient
	}
	if d.userAgent == "" {
		d.userAgent = defaultUserAgent
	}
	return d
}

// Download returns a lazy sequence of progress events for fetching url into
// outputPath, resuming at startOffset when it is positive. Nothing happens until
// the sequence is ranged over; each range issues a fresh request. Breaking out of
// the loop cancels the transfer and leaves the partial file in place.
func (d *FileDownloader) Download(ctx context.Context, url, outputPath string, startOffset int64) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		inflightFiles.Inc()
		defer inflightFiles.Dec()

		open := true
		emit := func(ev Event) bool {
			if open && !yield(ev) {
				open = false
			}
			return open
		}
		final, err := d.transfer(ctx, url, outputPath, startOffset, emit)
		if !open {
			return
		}
		observeResult(err)
		if err != nil {
			d.log.Debug().Str("url", url).Err(err).Msg("download failed")
			emit(Event{Kind: EventError, Err: err, Progress: final})
			return
		}
		emit(Event{Kind: EventComplete, Progress: final})
	}
}

// transfer performs the request and copies the body, calling emit for every
// chunk. It stops early when emit returns false.
func (d *FileDownloader) transfer(ctx context.Context, url, path string, offset int64, emit func(Event) bool) (Progress, error) {
	prog := Progress{Path: path, BytesSoFar: offset, Total: -1}
	if offset < 0 {
		offset = 0
	}

	resp, err := d.do(ctx, url, offset)
	if err != nil {
		return prog, err
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// The partial file no longer matches the remote; start over.
		resp.Body.Close()
		d.log.Info().Str("url", url).Int64("offset", offset).Msg("range not satisfiable, restarting download")
		offset = 0
		if resp, err = d.do(ctx, url, 0); err != nil {
			prog.BytesSoFar = 0
			return prog, err
		}
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		prog.Total = contentTotal(resp, offset)
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		if offset > 0 {
			d.log.Info().Str("url", url).Int64("offset", offset).Msg("server ignored range, restarting download")
		}
		offset = 0
		prog.Total = contentTotal(resp, 0)
	case resp.StatusCode == http.StatusUnauthorized:
		return prog, &AuthRequiredError{URL: url}
	default:
		return prog, &Error{URL: url, StatusCode: resp.StatusCode}
	}
	prog.BytesSoFar = offset

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return prog, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return prog, fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	if !emit(Event{Kind: EventData, Progress: prog, Status: resp.StatusCode}) {
		return prog, context.Canceled
	}

	st := newSpeedTracker(d.now)
	buf := make([]byte, bufferSize(prog.Total))
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if err := ctx.Err(); err != nil {
				return prog, err
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return prog, fmt.Errorf("write %s: %w", path, werr)
			}
			bytesTotal.Add(float64(n))
			st.add(int64(n))
			prog.BytesSoFar += int64(n)
			prog.Speed = st.speed()
			if prog.Total > 0 {
				prog.ETA = eta(prog.Total-prog.BytesSoFar, prog.Speed)
			}
			if !emit(Event{Kind: EventData, Progress: prog}) {
				return prog, context.Canceled
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if err := ctx.Err(); err != nil {
				return prog, err
			}
			return prog, &Error{URL: url, Err: rerr}
		}
	}
	if err := f.Sync(); err != nil {
		return prog, fmt.Errorf("sync %s: %w", path, err)
	}
	if prog.Total < 0 {
		prog.Total = prog.BytesSoFar
	}
	if prog.BytesSoFar != prog.Total {
		return prog, &Error{URL: url, Err: fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, prog.BytesSoFar, prog.Total)}
	}
	prog.ETA = 0
	return prog, nil
}

func (d *FileDownloader) do(ctx context.Context, url string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	req.Header.Set("User-Agent", d.userAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, &Error{URL: url, Err: err}
	}
	return resp, nil
}

// contentTotal derives the full file size from Content-Range when present,
// otherwise from Content-Length plus the resume offset. -1 when unknown.
func contentTotal(resp *http.Response, offset int64) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if n, err := strconv.ParseInt(strings.TrimSpace(cr[i+1:]), 10, 64); err == nil {
				return n
			}
		}
	}
	if resp.ContentLength < 0 {
		return -1
	}
	return resp.ContentLength + offset
}
