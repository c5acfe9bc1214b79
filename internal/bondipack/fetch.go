package bondipack

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/schollz/progressbar/v3"
)

// Fetcher retrieves the content behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, w io.Writer) error
}

// DefaultFetcher handles http(s)://, s3:// and file:// URLs. Plain paths
// are treated as file URLs.
type DefaultFetcher struct {
	Client *http.Client
	S3     S3Settings
	// Progress receives a progress bar for HTTP downloads when non-nil.
	Progress io.Writer

	s3Once   sync.Once
	s3Client *s3.Client
	s3Err    error
}

// NewDefaultFetcher builds a fetcher from the settings file.
func NewDefaultFetcher(settings *Settings, progress io.Writer) *DefaultFetcher {
	return &DefaultFetcher{
		Client:   newHTTPClient(),
		S3:       settings.S3(),
		Progress: progress,
	}
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// some upstream hosts are slow to complete the handshake
	transport.TLSHandshakeTimeout = 30 * time.Second
	transport.ResponseHeaderTimeout = 60 * time.Second
	return &http.Client{Transport: transport}
}

func (f *DefaultFetcher) Fetch(ctx context.Context, rawURL string, w io.Writer) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, u, w)
	case "s3":
		return f.fetchS3(ctx, u, w)
	case "file", "":
		return fetchFile(u.Path, w)
	}
	return fmt.Errorf("unsupported url scheme %q", u.Scheme)
}

func (f *DefaultFetcher) fetchHTTP(ctx context.Context, u *url.URL, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "bondi-pack")

	client := f.Client
	if client == nil {
		client = newHTTPClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: %s", u.Redacted(), resp.Status)
	}

	dst := w
	if f.Progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(f.Progress),
			progressbar.OptionSetDescription(path.Base(u.Path)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		dst = io.MultiWriter(w, bar)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("GET %s: %w", u.Redacted(), err)
	}
	return nil
}

func (f *DefaultFetcher) client(ctx context.Context) (*s3.Client, error) {
	f.s3Once.Do(func() {
		opts := []func(*config.LoadOptions) error{config.WithRegion(f.S3.Region)}
		if f.S3.AccessKeyID != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(f.S3.AccessKeyID, f.S3.SecretAccessKey, "")))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			f.s3Err = fmt.Errorf("failed to load s3 config: %w", err)
			return
		}
		endpoint := f.S3.Endpoint
		f.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = true
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	})
	return f.s3Client, f.s3Err
}

func (f *DefaultFetcher) fetchS3(ctx context.Context, u *url.URL, w io.Writer) error {
	client, err := f.client(ctx)
	if err != nil {
		return err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	})
	if err != nil {
		return fmt.Errorf("s3 get %s: %w", u, err)
	}
	defer out.Body.Close()
	_, err = io.Copy(w, out.Body)
	return err
}

func fetchFile(p string, w io.Writer) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
