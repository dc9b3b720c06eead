package telegrambot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/cadence/internal/files"
	"github.com/nextlevelbuilder/cadence/internal/turn"
)

const (
	// mediaMaxBytes is the Bot API download ceiling (20MB).
	mediaMaxBytes int64 = 20 * 1024 * 1024

	downloadMaxRetries = 3
)

// inboundMedia describes a message's attachment before download.
type inboundMedia struct {
	kind     string
	fileID   string
	filename string
	size     int64
	width    int
	height   int
	duration int
	mime     string
}

// classifyMedia picks the message's attachment. supported=false means the
// message carries content the engine does not process (video, stickers,
// documents, contacts).
func classifyMedia(message *telego.Message) (*inboundMedia, bool) {
	switch {
	case len(message.Photo) > 0:
		// Sizes come smallest to largest.
		photo := message.Photo[len(message.Photo)-1]
		return &inboundMedia{
			kind:     turn.MediaPhoto,
			fileID:   photo.FileID,
			filename: "photo.jpg",
			size:     int64(photo.FileSize),
			width:    photo.Width,
			height:   photo.Height,
			mime:     "image/jpeg",
		}, true
	case message.Voice != nil:
		v := message.Voice
		return &inboundMedia{
			kind:     turn.MediaVoice,
			fileID:   v.FileID,
			filename: "voice.ogg",
			size:     int64(v.FileSize),
			duration: v.Duration,
			mime:     v.MimeType,
		}, true
	case message.Audio != nil:
		a := message.Audio
		name := a.FileName
		if name == "" {
			name = "audio.mp3"
		}
		return &inboundMedia{
			kind:     turn.MediaAudio,
			fileID:   a.FileID,
			filename: name,
			size:     int64(a.FileSize),
			duration: a.Duration,
			mime:     a.MimeType,
		}, true
	case message.Text != "":
		return nil, true
	default:
		return nil, false
	}
}

// downloadMedia fetches the attachment from the Bot API, stores it on the
// file host and returns the descriptor the turn carries upstream.
func (b *Bot) downloadMedia(ctx context.Context, in *inboundMedia) (*turn.Media, error) {
	if in.size > mediaMaxBytes {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", in.size, mediaMaxBytes)
	}
	stored, err := b.fetchToStore(ctx, in.fileID, in.filename)
	if err != nil {
		return nil, err
	}

	m := &turn.Media{Kind: in.kind, MimeType: in.mime}
	switch in.kind {
	case turn.MediaPhoto:
		m.ImageURL = stored.URL
		m.Width = in.width
		m.Height = in.height
	case turn.MediaVoice:
		m.AudioURL = stored.URL
		m.VoiceFileID = in.fileID
		m.Duration = float64(in.duration)
	case turn.MediaAudio:
		m.AudioURL = stored.URL
		m.Duration = float64(in.duration)
	}
	return m, nil
}

// fetchToStore downloads a file by id with retries and streams it into the
// upload store under an opaque name.
func (b *Bot) fetchToStore(ctx context.Context, fileID, filename string) (files.Stored, error) {
	var file *telego.File
	var err error

	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = b.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying file download", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return files.Stored{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return files.Stored{}, fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return files.Stored{}, fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > mediaMaxBytes {
		return files.Stored{}, fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, mediaMaxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.cfg.Telegram.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return files.Stored{}, fmt.Errorf("build download request: %w", err)
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return files.Stored{}, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return files.Stored{}, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	// Keep the Telegram-reported extension when the caller's name has none.
	if files.Suffix(filename) == "" {
		if ext := path.Ext(file.FilePath); ext != "" {
			filename += ext
		}
	}

	// The size declared by getFile is advisory; recheck while streaming.
	cr := &countingReader{r: io.LimitReader(resp.Body, mediaMaxBytes+1)}
	stored, err := b.uploads.Save(filename, cr)
	if err != nil {
		return files.Stored{}, fmt.Errorf("store download: %w", err)
	}
	if cr.n > mediaMaxBytes {
		os.Remove(stored.Path)
		return files.Stored{}, fmt.Errorf("file exceeds max size during download: %d bytes", cr.n)
	}
	return stored, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
