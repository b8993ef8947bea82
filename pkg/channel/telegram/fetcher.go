package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mymmrac/telego"

	"tgbridge/pkg/media"
)

// Fetcher resolves Telegram file ids to signed download links and pulls
// their bytes. Signed links embed the bot token and never leave this type
// except through media.RemoteFile.
type Fetcher struct {
	bot        *telego.Bot
	httpClient *http.Client
	maxBytes   int64
}

func (f *Fetcher) Resolve(ctx context.Context, fileID string) (media.RemoteFile, error) {
	file, err := f.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return media.RemoteFile{}, fmt.Errorf("get file: %w", media.StripURL(err))
	}
	if file.FilePath == "" {
		return media.RemoteFile{}, errors.New("get file: empty file path")
	}

	return media.RemoteFile{Path: file.FilePath, URL: f.bot.FileDownloadURL(file.FilePath)}, nil
}

func (f *Fetcher) Download(ctx context.Context, fileID string) ([]byte, error) {
	remote, err := f.Resolve(ctx, fileID)
	if err != nil {
		return nil, err
	}

	return media.FetchSigned(ctx, f.httpClient, remote.URL, f.maxBytes)
}
