package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"uploadcast/internal/upload"
	logx "uploadcast/pkg/logx"
)

// Client performs single multipart upload attempts. It never retries.
type Client struct {
	opt  Options
	http *http.Client
	log  logx.Logger
}

var _ upload.Transport = (*Client)(nil)

func New(opt Options) *Client {
	opt = opt.withDefaults()
	rt := opt.RoundTripper
	if rt == nil {
		rt = newRoundTripper(opt)
	}
	return &Client{
		opt:  opt,
		http: &http.Client{Transport: rt},
		log:  opt.Log.With(logx.String("comp", "transport")),
	}
}

func newRoundTripper(opt Options) *http.Transport {
	dialer := &net.Dialer{Timeout: opt.ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			c, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: c, read: opt.ReadTimeout, write: opt.WriteTimeout}, nil
		},
		TLSHandshakeTimeout:   opt.ConnectTimeout,
		ResponseHeaderTimeout: opt.ReadTimeout,
		IdleConnTimeout:       opt.ReadTimeout / 2,
		MaxIdleConnsPerHost:   4,
	}
}

// CloseIdle releases pooled connections.
func (c *Client) CloseIdle() { c.http.CloseIdleConnections() }

// Attempt posts f to ep once. A response of any status yields an Outcome;
// failures without a response yield a *Error.
func (c *Client) Attempt(ctx context.Context, ep upload.Endpoint, f upload.FileHandle) (upload.Outcome, error) {
	req, err := c.newRequest(ctx, ep, f)
	if err != nil {
		return upload.Outcome{}, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		kind := classify(err)
		c.log.Debug("attempt failed", logx.String("url", ep.URL), logx.String("kind", string(kind)), logx.Err(err))
		return upload.Outcome{}, &Error{Kind: kind, Op: "POST", URL: ep.URL, Err: unwrapURLError(err)}
	}
	defer resp.Body.Close()

	body, rerr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if rerr != nil {
		c.log.Debug("response body read failed", logx.String("url", ep.URL), logx.Err(rerr))
	}
	out := upload.Outcome{
		StatusCode: resp.StatusCode,
		Status:     reason(resp),
		Body:       string(body),
	}
	c.log.Debug("attempt finished",
		logx.String("url", ep.URL),
		logx.String("file", f.Name),
		logx.Int("code", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, ep upload.Endpoint, f upload.FileHandle) (*http.Request, error) {
	prefix, suffix, contentType, err := multipartFrame(f.Name)
	if err != nil {
		return nil, &Error{Kind: KindRequest, Op: "build", URL: ep.URL, Err: err}
	}
	fi, err := os.Stat(f.Path)
	if err != nil {
		return nil, &Error{Kind: KindFile, Op: "open", URL: ep.URL, Err: err}
	}
	size := fi.Size()

	open := func() (io.ReadCloser, error) {
		fh, err := os.Open(f.Path)
		if err != nil {
			return nil, err
		}
		return &frameBody{
			Reader: io.MultiReader(bytes.NewReader(prefix), io.LimitReader(fh, size), bytes.NewReader(suffix)),
			file:   fh,
		}, nil
	}
	body, err := open()
	if err != nil {
		return nil, &Error{Kind: KindFile, Op: "open", URL: ep.URL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, body)
	if err != nil {
		_ = body.Close()
		return nil, &Error{Kind: KindRequest, Op: "build", URL: ep.URL, Err: err}
	}
	req.ContentLength = int64(len(prefix)) + size + int64(len(suffix))
	req.GetBody = open
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.opt.UserAgent)
	if v, ok := ep.Auth.Header(); ok {
		req.Header.Set("Authorization", v)
	}
	return req, nil
}

// multipartFrame renders everything around the file bytes of a single
// "file" part, so the file itself can be streamed.
func multipartFrame(filename string) (prefix, suffix []byte, contentType string, err error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if _, err = mw.CreateFormFile(FormField, filename); err != nil {
		return nil, nil, "", err
	}
	prefix = bytes.Clone(buf.Bytes())
	buf.Reset()
	if err = mw.Close(); err != nil {
		return nil, nil, "", err
	}
	return prefix, bytes.Clone(buf.Bytes()), mw.FormDataContentType(), nil
}

type frameBody struct {
	io.Reader
	file *os.File
}

func (b *frameBody) Close() error { return b.file.Close() }

func reason(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if r := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); r != "" {
		return r
	}
	if r := http.StatusText(resp.StatusCode); r != "" {
		return r
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}

// deadlineConn applies idle deadlines to every read and write.
type deadlineConn struct {
	net.Conn
	read, write time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.read > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.read))
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.write > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.write))
	}
	return c.Conn.Write(p)
}
