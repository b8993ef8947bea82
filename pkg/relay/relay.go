package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"tgbridge/pkg/config"
)

const (
	formFileField  = "file"
	errorBodyLimit = 512
)

var ErrNoDownloadLink = errors.New("relay response has no download link")

// UploadResult is the outcome of one successful upload.
type UploadResult struct {
	// PublicDownloadLink is the relay link with scheme and host replaced by
	// the configured public base.
	PublicDownloadLink string
}

type uploadResponse struct {
	DownloadLink string `json:"downloadLink"`
}

// Client uploads media bytes to the internal file server.
type Client struct {
	uploadURL  string
	publicBase *url.URL
	httpClient *http.Client
	timeout    time.Duration
	log        *slog.Logger
}

// New builds a relay client. A nil httpClient uses http.DefaultClient.
func New(cfg config.FileServerConfig, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	uploadURL := strings.TrimSpace(cfg.UploadURL)
	if uploadURL == "" {
		return nil, errors.New("file_server.upload_url is required")
	}

	publicBase, err := parseBase(cfg.PublicBase())
	if err != nil {
		return nil, err
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		uploadURL:  uploadURL,
		publicBase: publicBase,
		httpClient: httpClient,
		timeout:    cfg.Timeout(),
		log:        log.With("component", "relay"),
	}, nil
}

func parseBase(raw string) (*url.URL, error) {
	base, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse file server public url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("file server public url %q needs a scheme and host", raw)
	}

	return base, nil
}

// Upload posts data as a multipart file and returns the rewritten link.
func (c *Client) Upload(ctx context.Context, filename string, data []byte, contentType string) (UploadResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, formContentType, err := encodeFile(filename, data, contentType)
	if err != nil {
		return UploadResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, body)
	if err != nil {
		return UploadResult{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", formContentType)
	req.Header.Set("Accept", "application/json")

	startedAt := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return UploadResult{}, fmt.Errorf("upload %s: relay returned %d: %s", filename, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return UploadResult{}, fmt.Errorf("decode relay response: %w", err)
	}
	if strings.TrimSpace(decoded.DownloadLink) == "" {
		return UploadResult{}, ErrNoDownloadLink
	}

	link, err := RewriteLink(decoded.DownloadLink, c.publicBase)
	if err != nil {
		return UploadResult{}, err
	}

	c.log.Debug("Uploaded file", "filename", filename, "content_type", contentType, "bytes", len(data), "link", link, "duration_ms", time.Since(startedAt).Milliseconds())

	return UploadResult{PublicDownloadLink: link}, nil
}

// RewriteLink keeps the path, query and fragment of raw and takes scheme,
// user info and host from base. The relay's own host is never trusted since
// it may only resolve inside the internal network.
func RewriteLink(raw string, base *url.URL) (string, error) {
	if base == nil {
		return "", errors.New("public base url is required")
	}

	link, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse download link: %w", err)
	}

	link.Scheme = base.Scheme
	link.User = base.User
	link.Host = base.Host
	link.Opaque = ""

	return link.String(), nil
}

func encodeFile(filename string, data []byte, contentType string) (io.Reader, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, formFileField, filename))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write multipart part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}
