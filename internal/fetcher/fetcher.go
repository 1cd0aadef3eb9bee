// Package fetcher retrieves source documents (tariff schedules, VAT
// tables) from HTTP, FTP, and local-file references.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/tariffdesk/rates-cli/internal/provenance"
)

// Fetcher retrieves the document behind a source reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Dispatcher routes a reference to the right fetcher by scheme:
// http/https, ftp, or a local file path.
type Dispatcher struct {
	HTTP *HTTPFetcher
	FTP  *FTPFetcher
}

// NewDispatcher builds a Dispatcher with both transports configured.
func NewDispatcher(httpOpts HTTPOptions, ftpOpts FTPOptions) *Dispatcher {
	return &Dispatcher{
		HTTP: NewHTTPFetcher(httpOpts),
		FTP:  NewFTPFetcher(ftpOpts),
	}
}

// Fetch retrieves ref via the transport its scheme selects.
func (d *Dispatcher) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse ref %q", ref)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return d.HTTP.Fetch(ctx, ref)
	case "ftp":
		return d.FTP.Fetch(ctx, ref)
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = ref
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open local file %s", path)
		}
		return f, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q in %s", u.Scheme, ref)
	}
}

// FetchBytes retrieves ref fully into memory and returns the content
// alongside its sha256 hex digest, used as the import's source hash.
func FetchBytes(ctx context.Context, f Fetcher, ref string) ([]byte, string, error) {
	rc, err := f.Fetch(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", eris.Wrapf(err, "fetcher: read %s", ref)
	}
	return data, provenance.HashBytes(data), nil
}
