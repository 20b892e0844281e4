package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Media covers the post-processing a scene needs in the merging step.
type Media interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	LastFrame(ctx context.Context, video []byte) ([]byte, error)
	MuxNarration(ctx context.Context, video, audio []byte) ([]byte, error)
}

// FFmpegMedia downloads over HTTP and shells out to ffmpeg in a temp dir.
type FFmpegMedia struct {
	FFmpegPath string
	Client     *http.Client
}

func NewFFmpegMedia(ffmpegPath string) *FFmpegMedia {
	return &FFmpegMedia{
		FFmpegPath: ffmpegPath,
		Client:     &http.Client{Timeout: 5 * time.Minute},
	}
}

func (m *FFmpegMedia) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download failed: %v", ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download status: %d", ErrTransientUpstream, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// LastFrame grabs the final frame of the clip as a JPEG.
func (m *FFmpegMedia) LastFrame(ctx context.Context, video []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "frame-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.mp4")
	out := filepath.Join(dir, "last.jpg")
	if err := os.WriteFile(in, video, 0644); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, m.FFmpegPath, "-y",
		"-sseof", "-1",
		"-i", in,
		"-update", "1",
		"-q:v", "2",
		out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg last frame: %w: %s", err, tail(output))
	}
	return os.ReadFile(out)
}

// MuxNarration replaces the clip's audio track with the narration.
func (m *FFmpegMedia) MuxNarration(ctx context.Context, video, audio []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "mux-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	vin := filepath.Join(dir, "video.mp4")
	ain := filepath.Join(dir, "narration.mp3")
	out := filepath.Join(dir, "out.mp4")
	if err := os.WriteFile(vin, video, 0644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(ain, audio, 0644); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, m.FFmpegPath, "-y",
		"-i", vin,
		"-i", ain,
		"-map", "0:v:0", "-map", "1:a:0",
		"-c:v", "copy", "-c:a", "aac",
		"-shortest",
		out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg mux narration: %w: %s", err, tail(output))
	}
	return os.ReadFile(out)
}

func tail(b []byte) string {
	if len(b) > 500 {
		b = b[len(b)-500:]
	}
	return string(b)
}
