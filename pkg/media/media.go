package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tgbridge/pkg/bus"
	"tgbridge/pkg/relay"
)

// Attribute keys understood by the agent.
const (
	AttrImage         = "image"
	AttrSoundPath     = "sound_path"
	AttrSoundDuration = "sound_duration"
	AttrSoundType     = "sound_type"
	AttrVideoPath     = "video_path"
	AttrVideoDuration = "video_duration"
	AttrVideoType     = "video_type"
)

// Kind tags reported next to sound and video links.
const (
	TagVoiceMessage    = "voice_message"
	TagAudioAttachment = "audio_attachment"
	TagVideoAttachment = "video_attachment"
	TagVideoNote       = "video_note"
)

const (
	contentTypeImage = "image/jpg"
	contentTypeAudio = "audio/ogg"
	contentTypeVideo = "video/ogg"
)

var (
	ErrTooLarge  = errors.New("attachment exceeds channel download limit")
	ErrNoFileRef = errors.New("attachment has no file reference")
)

// Modality names one attachment slot.
type Modality string

const (
	ModalityImage Modality = "image"
	ModalitySound Modality = "sound"
	ModalityVideo Modality = "video"
)

// Attributes is the attribute set forwarded to the agent. A missing key means
// the modality was absent or failed to ingest.
type Attributes map[string]any

// RemoteFile is a short-lived signed link to a channel file. URL embeds
// channel credentials and must not be stored, logged or forwarded.
type RemoteFile struct {
	Path string
	URL  string
}

// Fetcher retrieves attachment bytes from the channel.
type Fetcher interface {
	// Download returns the bytes of a channel file directly.
	Download(ctx context.Context, fileID string) ([]byte, error)
	// Resolve returns a signed link for a channel file.
	Resolve(ctx context.Context, fileID string) (RemoteFile, error)
}

// Uploader stores bytes on the file relay.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte, contentType string) (relay.UploadResult, error)
}

// Outcome is the result of ingesting one modality: either attributes or the
// reason they were omitted.
type Outcome struct {
	Modality Modality
	Attrs    Attributes
	Err      error
}

// Omitted reports whether the modality contributes nothing to the message.
func (o Outcome) Omitted() bool {
	return o.Err != nil
}

// Options tunes the pipeline.
type Options struct {
	// Timeout bounds each modality's fetch plus upload.
	Timeout time.Duration
	// MaxBytes is the channel's download limit; larger files are refused.
	MaxBytes int64
	// HTTPClient fetches signed links. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Pipeline re-hosts message attachments on the file relay.
type Pipeline struct {
	fetcher  Fetcher
	uploader Uploader
	opts     Options
	log      *slog.Logger
	newName  func() string
}

func NewPipeline(fetcher Fetcher, uploader Uploader, opts Options, log *slog.Logger) (*Pipeline, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}

	return &Pipeline{
		fetcher:  fetcher,
		uploader: uploader,
		opts:     opts,
		log:      log.With("component", "media"),
		newName: func() string {
			id := uuid.New()
			return fmt.Sprintf("%x.jpg", id[:])
		},
	}, nil
}

// Ingest processes every populated slot concurrently and merges the
// attributes of the modalities that succeeded. It returns only after every
// modality finished or was abandoned, so the attribute set is final.
func (p *Pipeline) Ingest(ctx context.Context, attachments bus.Attachments) (Attributes, []Outcome) {
	attrs := Attributes{}
	if attachments.Empty() {
		return attrs, nil
	}

	type job struct {
		modality Modality
		run      func(context.Context) (Attributes, error)
	}

	var jobs []job
	if image := attachments.Image; image != nil {
		jobs = append(jobs, job{ModalityImage, func(ctx context.Context) (Attributes, error) { return p.ingestImage(ctx, image) }})
	}
	if sound := attachments.Sound; sound != nil {
		jobs = append(jobs, job{ModalitySound, func(ctx context.Context) (Attributes, error) { return p.ingestSound(ctx, sound) }})
	}
	if video := attachments.Video; video != nil {
		jobs = append(jobs, job{ModalityVideo, func(ctx context.Context) (Attributes, error) { return p.ingestVideo(ctx, video) }})
	}

	outcomes := make([]Outcome, len(jobs))
	var group errgroup.Group
	for i, j := range jobs {
		group.Go(func() error {
			jobCtx, cancel := p.withTimeout(ctx)
			defer cancel()

			result, err := j.run(jobCtx)
			outcomes[i] = Outcome{Modality: j.modality, Attrs: result, Err: err}
			return nil
		})
	}
	_ = group.Wait()

	for _, outcome := range outcomes {
		if outcome.Omitted() {
			p.log.Error("Attachment ingestion failed", "modality", outcome.Modality, "error", outcome.Err)
			continue
		}
		for key, value := range outcome.Attrs {
			attrs[key] = value
		}
	}

	return attrs, outcomes
}

func (p *Pipeline) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, p.opts.Timeout)
}

func (p *Pipeline) ingestImage(ctx context.Context, image *bus.ImageRef) (Attributes, error) {
	if image.FileID == "" {
		return nil, ErrNoFileRef
	}
	if err := p.checkSize(image.FileSize); err != nil {
		return nil, err
	}

	data, err := p.fetcher.Download(ctx, image.FileID)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}

	result, err := p.uploader.Upload(ctx, p.newName(), data, contentTypeImage)
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}

	return Attributes{AttrImage: result.PublicDownloadLink}, nil
}

func (p *Pipeline) ingestSound(ctx context.Context, sound *bus.SoundRef) (Attributes, error) {
	contentType := contentTypeAudio
	if sound.Kind == bus.SoundVideoNote {
		contentType = contentTypeVideo
	}

	link, err := p.rehost(ctx, sound.FileID, sound.FileSize, contentType)
	if err != nil {
		return nil, fmt.Errorf("sound: %w", err)
	}

	tag := TagAudioAttachment
	if sound.Kind == bus.SoundVoice {
		tag = TagVoiceMessage
	}

	return Attributes{
		AttrSoundPath:     link,
		AttrSoundDuration: sound.Duration,
		AttrSoundType:     tag,
	}, nil
}

func (p *Pipeline) ingestVideo(ctx context.Context, video *bus.VideoRef) (Attributes, error) {
	link, err := p.rehost(ctx, video.FileID, video.FileSize, contentTypeVideo)
	if err != nil {
		return nil, fmt.Errorf("video: %w", err)
	}

	tag := TagVideoNote
	if video.Kind == bus.VideoAttachment {
		tag = TagVideoAttachment
	}

	return Attributes{
		AttrVideoPath:     link,
		AttrVideoDuration: video.Duration,
		AttrVideoType:     tag,
	}, nil
}

// rehost resolves a signed link, pulls the bytes and uploads them under the
// channel's file path.
func (p *Pipeline) rehost(ctx context.Context, fileID string, size int64, contentType string) (string, error) {
	if fileID == "" {
		return "", ErrNoFileRef
	}
	if err := p.checkSize(size); err != nil {
		return "", err
	}

	remote, err := p.fetcher.Resolve(ctx, fileID)
	if err != nil {
		return "", fmt.Errorf("resolve file: %w", err)
	}

	data, err := p.fetchSigned(ctx, remote.URL)
	if err != nil {
		return "", err
	}

	p.log.Info("Re-hosting attachment", "file", remote.Path, "content_type", contentType, "bytes", len(data))

	result, err := p.uploader.Upload(ctx, remote.Path, data, contentType)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	return result.PublicDownloadLink, nil
}

func (p *Pipeline) fetchSigned(ctx context.Context, link string) ([]byte, error) {
	return FetchSigned(ctx, p.opts.HTTPClient, link, p.opts.MaxBytes)
}

// FetchSigned downloads a signed channel link of at most maxBytes. Errors
// never carry the link itself since it embeds channel credentials.
func FetchSigned(ctx context.Context, client *http.Client, link string, maxBytes int64) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, errors.New("fetch: invalid signed link")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", StripURL(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: channel returned %d", resp.StatusCode)
	}

	return readLimited(resp.Body, maxBytes)
}

func (p *Pipeline) checkSize(size int64) error {
	if p.opts.MaxBytes > 0 && size > p.opts.MaxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, size, p.opts.MaxBytes)
	}

	return nil
}

func readLimited(body io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("fetch: read body: %w", err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}

	return data, nil
}

// StripURL drops the request URL from transport errors.
func StripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}

	return err
}

// FetchReplyImage downloads an image the agent attached to its reply. The
// same timeout and size limit as ingestion apply.
func (p *Pipeline) FetchReplyImage(ctx context.Context, link string) ([]byte, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}

	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch reply image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch reply image: host returned %d", resp.StatusCode)
	}

	return readLimited(resp.Body, p.opts.MaxBytes)
}
