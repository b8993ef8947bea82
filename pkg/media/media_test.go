package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tgbridge/pkg/bus"
	"tgbridge/pkg/relay"
)

type fakeFetcher struct {
	mu        sync.Mutex
	baseURL   string
	downloads []string
	resolves  []string

	downloadErr error
	resolveErr  error
}

func (f *fakeFetcher) Download(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, fileID)
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return []byte("image:" + fileID), nil
}

func (f *fakeFetcher) Resolve(_ context.Context, fileID string) (RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves = append(f.resolves, fileID)
	if f.resolveErr != nil {
		return RemoteFile{}, f.resolveErr
	}
	return RemoteFile{Path: "media/" + fileID + ".oga", URL: f.baseURL + "/file/bot1:secret/" + fileID}, nil
}

type upload struct {
	filename    string
	contentType string
	data        string
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	failFor map[string]error
	gate    chan struct{}
}

func (u *fakeUploader) Upload(ctx context.Context, filename string, data []byte, contentType string) (relay.UploadResult, error) {
	if u.gate != nil {
		select {
		case <-u.gate:
		case <-ctx.Done():
			return relay.UploadResult{}, ctx.Err()
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, upload{filename: filename, contentType: contentType, data: string(data)})
	if err := u.failFor[contentType]; err != nil {
		return relay.UploadResult{}, err
	}
	return relay.UploadResult{PublicDownloadLink: "https://files.example.com/file?file=" + filename}, nil
}

func (u *fakeUploader) byContentType(contentType string) []upload {
	u.mu.Lock()
	defer u.mu.Unlock()

	var out []upload
	for _, item := range u.uploads {
		if item.contentType == contentType {
			out = append(out, item)
		}
	}
	return out
}

func newSignedServer(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		_, _ = w.Write([]byte("bytes:" + parts[len(parts)-1]))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestPipeline(t *testing.T, fetcher *fakeFetcher, uploader *fakeUploader, opts Options) *Pipeline {
	t.Helper()

	pipeline, err := NewPipeline(fetcher, uploader, opts, nil)
	require.NoError(t, err)
	pipeline.newName = func() string { return "0123abcd.jpg" }
	return pipeline
}

func TestIngestEmptyAttachmentsBypassesPipeline(t *testing.T) {
	fetcher := &fakeFetcher{}
	uploader := &fakeUploader{}
	pipeline := newTestPipeline(t, fetcher, uploader, Options{})

	attrs, outcomes := pipeline.Ingest(context.Background(), bus.Attachments{})
	require.Empty(t, attrs)
	require.NotNil(t, attrs)
	require.Nil(t, outcomes)
	require.Empty(t, fetcher.downloads)
	require.Empty(t, uploader.uploads)
}

func TestIngestImage(t *testing.T) {
	fetcher := &fakeFetcher{}
	uploader := &fakeUploader{}
	pipeline := newTestPipeline(t, fetcher, uploader, Options{})

	attrs, outcomes := pipeline.Ingest(context.Background(), bus.Attachments{Image: &bus.ImageRef{FileID: "photo-big"}})

	require.Equal(t, Attributes{AttrImage: "https://files.example.com/file?file=0123abcd.jpg"}, attrs)
	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Omitted())
	require.Equal(t, []upload{{filename: "0123abcd.jpg", contentType: "image/jpg", data: "image:photo-big"}}, uploader.uploads)
}

func TestIngestVoiceUsesChannelPath(t *testing.T) {
	server := newSignedServer(t)
	fetcher := &fakeFetcher{baseURL: server.URL}
	uploader := &fakeUploader{}
	pipeline := newTestPipeline(t, fetcher, uploader, Options{HTTPClient: server.Client()})

	attrs, _ := pipeline.Ingest(context.Background(), bus.Attachments{
		Sound: &bus.SoundRef{FileID: "voice-1", Duration: 7, Kind: bus.SoundVoice},
	})

	require.Equal(t, Attributes{
		AttrSoundPath:     "https://files.example.com/file?file=media/voice-1.oga",
		AttrSoundDuration: 7,
		AttrSoundType:     TagVoiceMessage,
	}, attrs)
	require.Equal(t, []upload{{filename: "media/voice-1.oga", contentType: "audio/ogg", data: "bytes:voice-1"}}, uploader.uploads)
}

func TestIngestAudioTag(t *testing.T) {
	server := newSignedServer(t)
	pipeline := newTestPipeline(t, &fakeFetcher{baseURL: server.URL}, &fakeUploader{}, Options{HTTPClient: server.Client()})

	attrs, _ := pipeline.Ingest(context.Background(), bus.Attachments{
		Sound: &bus.SoundRef{FileID: "song", Duration: 180, Kind: bus.SoundAudio},
	})
	require.Equal(t, TagAudioAttachment, attrs[AttrSoundType])
}

func TestIngestVideoNoteFillsBothSlots(t *testing.T) {
	server := newSignedServer(t)
	uploader := &fakeUploader{}
	pipeline := newTestPipeline(t, &fakeFetcher{baseURL: server.URL}, uploader, Options{HTTPClient: server.Client()})

	attrs, outcomes := pipeline.Ingest(context.Background(), bus.Attachments{
		Sound: &bus.SoundRef{FileID: "note", Duration: 12, Kind: bus.SoundVideoNote},
		Video: &bus.VideoRef{FileID: "note", Duration: 12, Kind: bus.VideoNote},
	})

	require.Len(t, outcomes, 2)
	require.Equal(t, TagAudioAttachment, attrs[AttrSoundType])
	require.Equal(t, TagVideoNote, attrs[AttrVideoType])
	require.Equal(t, 12, attrs[AttrVideoDuration])
	require.Len(t, uploader.byContentType("video/ogg"), 2)
}

func TestIngestVideoAttachmentTag(t *testing.T) {
	server := newSignedServer(t)
	pipeline := newTestPipeline(t, &fakeFetcher{baseURL: server.URL}, &fakeUploader{}, Options{HTTPClient: server.Client()})

	attrs, _ := pipeline.Ingest(context.Background(), bus.Attachments{
		Video: &bus.VideoRef{FileID: "clip", Duration: 3, Kind: bus.VideoAttachment},
	})
	require.Equal(t, TagVideoAttachment, attrs[AttrVideoType])
	require.Equal(t, "https://files.example.com/file?file=media/clip.oga", attrs[AttrVideoPath])
}

func TestFailedImageUploadOmitsOnlyImage(t *testing.T) {
	server := newSignedServer(t)
	uploader := &fakeUploader{failFor: map[string]error{"image/jpg": errors.New("relay down")}}
	pipeline := newTestPipeline(t, &fakeFetcher{baseURL: server.URL}, uploader, Options{HTTPClient: server.Client()})

	attrs, outcomes := pipeline.Ingest(context.Background(), bus.Attachments{
		Image: &bus.ImageRef{FileID: "photo"},
		Sound: &bus.SoundRef{FileID: "voice", Duration: 2, Kind: bus.SoundVoice},
	})

	require.NotContains(t, attrs, AttrImage)
	require.Contains(t, attrs, AttrSoundPath)
	require.Contains(t, attrs, AttrSoundDuration)
	require.Contains(t, attrs, AttrSoundType)

	require.Len(t, outcomes, 2)
	require.Equal(t, ModalityImage, outcomes[0].Modality)
	require.True(t, outcomes[0].Omitted())
	require.ErrorContains(t, outcomes[0].Err, "relay down")
	require.False(t, outcomes[1].Omitted())
}

func TestFetchFailureOmitsModality(t *testing.T) {
	fetcher := &fakeFetcher{resolveErr: errors.New("file is too big")}
	pipeline := newTestPipeline(t, fetcher, &fakeUploader{}, Options{})

	attrs, outcomes := pipeline.Ingest(context.Background(), bus.Attachments{
		Video: &bus.VideoRef{FileID: "clip", Kind: bus.VideoAttachment},
	})
	require.Empty(t, attrs)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Omitted())
}

func TestDeclaredSizeOverLimitIsRefused(t *testing.T) {
	fetcher := &fakeFetcher{}
	pipeline := newTestPipeline(t, fetcher, &fakeUploader{}, Options{MaxBytes: 10})

	_, outcomes := pipeline.Ingest(context.Background(), bus.Attachments{
		Image: &bus.ImageRef{FileID: "huge", FileSize: 11},
	})
	require.ErrorIs(t, outcomes[0].Err, ErrTooLarge)
	require.Empty(t, fetcher.downloads)
}

func TestStreamedSizeOverLimitIsRefused(t *testing.T) {
	server := newSignedServer(t)
	pipeline := newTestPipeline(t, &fakeFetcher{baseURL: server.URL}, &fakeUploader{}, Options{HTTPClient: server.Client(), MaxBytes: 4})

	_, outcomes := pipeline.Ingest(context.Background(), bus.Attachments{
		Sound: &bus.SoundRef{FileID: "long-voice", Kind: bus.SoundVoice},
	})
	require.ErrorIs(t, outcomes[0].Err, ErrTooLarge)
}

func TestSignedLinkNeverAppearsInErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	pipeline := newTestPipeline(t, &fakeFetcher{baseURL: baseURL}, &fakeUploader{}, Options{})

	_, outcomes := pipeline.Ingest(context.Background(), bus.Attachments{
		Sound: &bus.SoundRef{FileID: "voice", Kind: bus.SoundVoice},
	})
	require.True(t, outcomes[0].Omitted())
	require.NotContains(t, outcomes[0].Err.Error(), "secret")
	require.NotContains(t, outcomes[0].Err.Error(), baseURL)
}

func TestModalitiesRunConcurrently(t *testing.T) {
	server := newSignedServer(t)
	gate := make(chan struct{})
	uploader := &fakeUploader{gate: gate}
	fetcher := &fakeFetcher{baseURL: server.URL}
	pipeline := newTestPipeline(t, fetcher, uploader, Options{HTTPClient: server.Client(), Timeout: 2 * time.Second})

	done := make(chan Attributes, 1)
	go func() {
		attrs, _ := pipeline.Ingest(context.Background(), bus.Attachments{
			Image: &bus.ImageRef{FileID: "photo"},
			Sound: &bus.SoundRef{FileID: "voice", Kind: bus.SoundVoice},
		})
		done <- attrs
	}()

	// Both modalities must reach the upload step before either finishes.
	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return len(fetcher.downloads) == 1 && len(fetcher.resolves) == 1
	}, time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("ingest returned before uploads were released")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	attrs := <-done
	require.Contains(t, attrs, AttrImage)
	require.Contains(t, attrs, AttrSoundPath)
}

func TestModalityTimeoutOmitsAttributes(t *testing.T) {
	uploader := &fakeUploader{gate: make(chan struct{})}
	pipeline := newTestPipeline(t, &fakeFetcher{}, uploader, Options{Timeout: 30 * time.Millisecond})

	attrs, outcomes := pipeline.Ingest(context.Background(), bus.Attachments{Image: &bus.ImageRef{FileID: "photo"}})
	require.Empty(t, attrs)
	require.ErrorIs(t, outcomes[0].Err, context.DeadlineExceeded)
}

func TestNewPipelineRequiresCollaborators(t *testing.T) {
	_, err := NewPipeline(nil, &fakeUploader{}, Options{}, nil)
	require.Error(t, err)
	_, err = NewPipeline(&fakeFetcher{}, nil, Options{}, nil)
	require.Error(t, err)
}

func TestDefaultImageNameIsHex(t *testing.T) {
	pipeline, err := NewPipeline(&fakeFetcher{}, &fakeUploader{}, Options{}, nil)
	require.NoError(t, err)

	name := pipeline.newName()
	require.True(t, strings.HasSuffix(name, ".jpg"))
	require.Len(t, strings.TrimSuffix(name, ".jpg"), 32)
}

func TestFetchReplyImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.jpg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("0123456789"))
	}))
	t.Cleanup(server.Close)

	pipeline := newTestPipeline(t, &fakeFetcher{}, &fakeUploader{}, Options{MaxBytes: 10, HTTPClient: server.Client()})

	data, err := pipeline.FetchReplyImage(context.Background(), server.URL+"/cat.jpg")
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))

	_, err = pipeline.FetchReplyImage(context.Background(), server.URL+"/missing.jpg")
	require.ErrorContains(t, err, "404")

	small := newTestPipeline(t, &fakeFetcher{}, &fakeUploader{}, Options{MaxBytes: 4, HTTPClient: server.Client()})
	_, err = small.FetchReplyImage(context.Background(), server.URL+"/cat.jpg")
	require.ErrorIs(t, err, ErrTooLarge)
}
