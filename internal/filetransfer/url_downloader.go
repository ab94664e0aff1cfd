package filetransfer

import (
	"bytes"
	"context"
	"expvar"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/wolk/helpers"
	"github.com/temoto/wolk/log2"
)

const DownloadBlockSize = 16 << 10

var statDownloadBytes = expvar.NewInt("filetransfer.download_bytes")

type DownloadCallback interface {
	OnFileReceived(fileName string, data []byte)
	// err cause is ErrMalformedURL or ErrUnspecified
	OnError(err error)
}

const (
	taskRunning uint32 = iota
	taskDone
	taskCancelled
)

type fetchTask struct {
	url      string
	callback DownloadCallback
	cancel   context.CancelFunc
	state    uint32 // atomic
}

// terminal moves task out of running state, only one caller wins.
func (t *fetchTask) terminal(to uint32) bool {
	return atomic.CompareAndSwapUint32(&t.state, taskRunning, to)
}

// URLDownloader fetches whole files over HTTP in background.
// - at most one fetch at a time, DownloadFile supersedes previous fetch
// - cancelled fetch makes no callback
// - otherwise exactly one of OnFileReceived, OnError
// - no retries
type URLDownloader struct {
	alive  *alive.Alive
	client *http.Client
	log    *log2.Log

	mu      sync.Mutex
	current *fetchTask
}

// client=nil means http.DefaultClient
func NewURLDownloader(client *http.Client, log *log2.Log) *URLDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &URLDownloader{
		alive:  alive.NewAlive(),
		client: client,
		log:    log,
	}
}

func (d *URLDownloader) DownloadFile(rawurl string, callback DownloadCallback) error {
	if callback == nil {
		return errors.NotValidf("download callback nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.abortLocked()
	if !d.alive.Add(1) {
		return errors.Errorf("url downloader closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &fetchTask{url: rawurl, callback: callback, cancel: cancel}
	d.current = t
	go d.run(ctx, t)
	return nil
}

// Abort cancels current fetch, returns false if there was nothing to cancel.
func (d *URLDownloader) Abort() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.abortLocked()
}

// Close aborts current fetch and waits for background work to finish.
func (d *URLDownloader) Close() {
	d.mu.Lock()
	d.abortLocked()
	d.mu.Unlock()
	d.alive.Stop()
	d.alive.Wait()
}

func (d *URLDownloader) abortLocked() bool {
	t := d.current
	d.current = nil
	if t == nil {
		return false
	}
	ok := t.terminal(taskCancelled)
	t.cancel()
	if ok {
		d.log.Debugf("url download cancelled url=%s", t.url)
	}
	return ok
}

func (d *URLDownloader) run(ctx context.Context, t *fetchTask) {
	defer d.alive.Done()
	defer t.cancel()

	name, data, err := d.fetch(ctx, t.url)
	if err != nil {
		if !t.terminal(taskDone) {
			return
		}
		d.log.Errorf("url download url=%s err=%v", t.url, err)
		if errors.Cause(err) != ErrMalformedURL {
			err = ErrUnspecified
		}
		t.callback.OnError(errors.Cause(err))
		return
	}
	if !t.terminal(taskDone) {
		return
	}
	d.log.Debugf("url download url=%s file=%s len=%d", t.url, name, len(data))
	t.callback.OnFileReceived(name, data)
}

func (d *URLDownloader) fetch(ctx context.Context, rawurl string) (string, []byte, error) {
	u, err := ParseDownloadURL(rawurl)
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", nil, errors.Annotate(err, "request")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", nil, errors.Annotate(err, "http")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, errors.Errorf("http status=%s", resp.Status)
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	body := helpers.NewStatReader(resp.Body, statDownloadBytes, 0)
	block := make([]byte, DownloadBlockSize)
	for {
		n, err := body.Read(block)
		buf.Write(block[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, errors.Annotate(err, "read body")
		}
	}
	return URLFileName(u), buf.Bytes(), nil
}

// ParseDownloadURL accepts only absolute URLs with scheme and host.
func ParseDownloadURL(rawurl string) (*url.URL, error) {
	u, err := url.ParseRequestURI(rawurl)
	if err != nil {
		return nil, errors.Annotatef(ErrMalformedURL, "url=%q %v", rawurl, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Annotatef(ErrMalformedURL, "url=%q", rawurl)
	}
	return u, nil
}

// URLFileName returns last path segment.
func URLFileName(u *url.URL) string {
	p := u.Path
	return p[strings.LastIndex(p, "/")+1:]
}
