package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/net/html"
)

// FileTypes are the suffixes of the files fetched from a day listing.
var FileTypes = []string{".nc4", ".nc4.xml"}

// ErrNotFound is returned for listings and files the server does not have.
var ErrNotFound = errors.New("download: not found")

// Client fetches files from GES DISC. Earthdata login redirects are answered
// with the configured credentials.
type Client struct {
	logger     *slog.Logger
	httpCli    *http.Client
	username   string
	password   string
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

// NewClient creates a client keeping up to maxConns connections per host.
func NewClient(logger *slog.Logger, username, password string, maxConns int) (*Client, error) {
	if maxConns < 1 {
		maxConns = 1
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		logger:     logger,
		username:   username,
		password:   password,
		maxRetries: 5,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	c.httpCli = &http.Client{
		Jar: jar,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        maxConns,
			IdleConnTimeout:     30 * time.Second,
			MaxIdleConnsPerHost: maxConns,
			MaxConnsPerHost:     maxConns,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			// the login host strips credentials from cross host redirects
			c.authorize(req)
			return nil
		},
	}
	return c, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

// get runs a GET request with retries. Responses other than 200 OK are
// errors; 404 and 401 are not retried.
func (c *Client) get(ctx context.Context, u string, handle func(io.Reader) error) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.authorize(req)
		res, err := c.httpCli.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer func() {
			if _, err := io.Copy(io.Discard, res.Body); err != nil {
				c.logger.Debug("Failed to drain response body", "err", err)
			}
			res.Body.Close()
		}()
		switch {
		case res.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, u))
		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("download: %s: %s, check the Earthdata credentials", u, res.Status))
		case res.StatusCode != http.StatusOK:
			return fmt.Errorf("download: %s: unexpected status %s", u, res.Status)
		}
		return handle(res.Body)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	return backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		c.logger.Warn("Request failed, retrying", "err", err, "in", d)
	})
}

// List returns the URLs of the files of FileTypes linked from the listing
// page at dirURL, sorted and without duplicates.
func (c *Client) List(ctx context.Context, dirURL string) ([]string, error) {
	base, err := url.Parse(dirURL)
	if err != nil {
		return nil, fmt.Errorf("download: listing URL: %w", err)
	}
	var links []string
	err = c.get(ctx, dirURL, func(r io.Reader) error {
		links, err = parseListing(base, r)
		return err
	})
	return links, err
}

func parseListing(base *url.URL, r io.Reader) ([]string, error) {
	seen := make(map[string]bool)
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, fmt.Errorf("download: parsing listing %s: %w", base, err)
			}
			links := make([]string, 0, len(seen))
			for l := range seen {
				links = append(links, l)
			}
			sort.Strings(links)
			return links, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					if ref, err := url.Parse(string(val)); err == nil {
						u := base.ResolveReference(ref)
						if wanted(u) {
							seen[u.String()] = true
						}
					}
				}
				if !more {
					break
				}
			}
		}
	}
}

// wanted reports whether u links a file of FileTypes directly below the
// listing.
func wanted(u *url.URL) bool {
	if u.RawQuery != "" {
		return false
	}
	for _, ft := range FileTypes {
		if strings.HasSuffix(u.Path, ft) {
			return true
		}
	}
	return false
}

// Fetch downloads fileURL to dst unless dst exists. The file is written to a
// temporary file in the same folder first and renamed when complete.
func (c *Client) Fetch(ctx context.Context, fileURL, dst string) (fetched bool, err error) {
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("download: %w", err)
	}
	err = c.get(ctx, fileURL, func(r io.Reader) error {
		f, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
		if err != nil {
			return backoff.Permanent(fmt.Errorf("download: %w", err))
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("download: reading %s: %w", fileURL, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return backoff.Permanent(fmt.Errorf("download: %w", err))
		}
		if err := os.Rename(f.Name(), dst); err != nil {
			os.Remove(f.Name())
			return backoff.Permanent(fmt.Errorf("download: %w", err))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
