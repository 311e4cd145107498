package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Johnny-Darko/WabbaDownloader/internal"
	"github.com/Johnny-Darko/WabbaDownloader/utils"
)

// transferChunkSize is the copy buffer size for streaming transfers.
const transferChunkSize = 256 * 1024

// progressInterval bounds how often the engine invokes the progress
// callback per transfer.
const progressInterval = 200 * time.Millisecond

// HTTPTransferEngine streams direct links into partial files with ranged
// requests, so an interrupted transfer resumes from the last flushed byte.
type HTTPTransferEngine struct {
	client  *utils.HTTPClient
	limiter internal.RateLimiter // nil means unthrottled
}

// NewHTTPTransferEngine builds an engine. limiter may be nil.
func NewHTTPTransferEngine(client *utils.HTTPClient, limiter internal.RateLimiter) *HTTPTransferEngine {
	return &HTTPTransferEngine{client: client, limiter: limiter}
}

// Transfer streams req.Link into req.PartPath starting at req.ResumeFrom.
// The returned count is the total bytes present in the partial file when
// the transfer stops, including resumed bytes. On error the partial file is
// left in place for a later resume.
func (e *HTTPTransferEngine) Transfer(ctx context.Context, req internal.TransferRequest) (int64, error) {
	if err := utils.EnsureParentDir(req.PartPath); err != nil {
		return req.ResumeFrom, internal.WrapError(internal.ErrIO, err, "prepare staging path")
	}

	flags := os.O_CREATE | os.O_WRONLY
	if req.ResumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(req.PartPath, flags, 0o644)
	if err != nil {
		return req.ResumeFrom, internal.WrapError(internal.ErrIO, err, "open partial file")
	}
	defer out.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Link.URL, nil)
	if err != nil {
		return req.ResumeFrom, internal.WrapError(internal.ErrTransientNetwork, err, "build transfer request")
	}
	if req.ResumeFrom > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.ResumeFrom))
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return req.ResumeFrom, ctx.Err()
		}
		return req.ResumeFrom, internal.WrapError(internal.ErrTransientNetwork, err, "start transfer")
	}
	defer resp.Body.Close()

	if err := e.checkResponse(resp, req); err != nil {
		return req.ResumeFrom, err
	}

	return e.copyBody(ctx, out, resp.Body, req)
}

// checkResponse validates status and length before any byte is written.
// A declared length that disagrees with the expected remainder aborts the
// transfer immediately.
func (e *HTTPTransferEngine) checkResponse(resp *http.Response, req internal.TransferRequest) error {
	switch {
	case req.ResumeFrom > 0 && resp.StatusCode != http.StatusPartialContent:
		return internal.NewError(internal.ErrTransientNetwork,
			"server ignored range request: HTTP %d", resp.StatusCode)
	case req.ResumeFrom == 0 && resp.StatusCode != http.StatusOK:
		return internal.NewError(internal.ErrTransientNetwork,
			"unexpected transfer response: HTTP %d", resp.StatusCode)
	}

	remaining := req.Entry.Size - req.ResumeFrom
	if resp.ContentLength >= 0 && resp.ContentLength != remaining {
		return internal.NewError(internal.ErrSizeMismatch,
			"server offers %d bytes, expected %d", resp.ContentLength, remaining)
	}
	return nil
}

func (e *HTTPTransferEngine) copyBody(ctx context.Context, out *os.File, body io.Reader, req internal.TransferRequest) (int64, error) {
	written := req.ResumeFrom
	buf := make([]byte, transferChunkSize)
	lastReport := time.Now()

	report := func() {
		if req.Progress != nil {
			req.Progress(written)
		}
	}

	for {
		select {
		case <-ctx.Done():
			report()
			return written, ctx.Err()
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			// Never write past the expected size; the partial file stays a
			// valid resume prefix even when the server overshoots.
			if written+int64(n) > req.Entry.Size {
				report()
				return written, internal.NewError(internal.ErrSizeMismatch,
					"server sent more than the expected %d bytes", req.Entry.Size)
			}
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx, n); err != nil {
					report()
					return written, err
				}
			}
			wn, writeErr := out.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				report()
				return written, internal.WrapError(internal.ErrIO, writeErr, "write partial file")
			}
			if req.Progress != nil && time.Since(lastReport) >= progressInterval {
				req.Progress(written)
				lastReport = time.Now()
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			report()
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			return written, internal.WrapError(internal.ErrTransientNetwork, readErr, "read transfer body")
		}
	}

	if err := out.Sync(); err != nil {
		return written, internal.WrapError(internal.ErrIO, err, "sync partial file")
	}
	report()

	if written != req.Entry.Size {
		return written, internal.NewError(internal.ErrTransientNetwork,
			"transfer ended early at %d of %d bytes", written, req.Entry.Size)
	}
	return written, nil
}
