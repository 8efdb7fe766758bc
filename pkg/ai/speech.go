package ai

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/pkg/errors"
)

// TranscribeFile runs speech-to-text over a local audio file. Calls are
// always transcribed as Russian.
func (c *Client) TranscribeFile(ctx context.Context, audioPath string) (string, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcribeModel,
		FilePath: audioPath,
		Language: "ru",
	})
	if err != nil {
		return "", errors.Wrapf(err, "transcription of %s failed", filepath.Base(audioPath))
	}
	return strings.TrimSpace(resp.Text), nil
}

// TranscribeURL downloads the recording, converts it to WAV when ffmpeg is
// available, and transcribes it.
func (c *Client) TranscribeURL(ctx context.Context, audioURL, fileName string) (string, error) {
	tmpPath, err := downloadToTemp(ctx, audioURL, fileName)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpPath)

	audioPath := tmpPath
	if wavPath, err := convertToWAV(ctx, tmpPath); err == nil {
		defer os.Remove(wavPath)
		audioPath = wavPath
	}

	return c.TranscribeFile(ctx, audioPath)
}

func downloadToTemp(ctx context.Context, rawURL, fileName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build audio request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to download audio %s", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("audio download returned HTTP %d", resp.StatusCode)
	}

	ext := filepath.Ext(fileName)
	if ext == "" {
		ext = ".oga"
	}
	tmp, err := os.CreateTemp("", "relay-audio-*"+ext)
	if err != nil {
		return "", errors.Wrap(err, "failed to create temp audio file")
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "failed to write temp audio file")
	}
	return tmp.Name(), nil
}

// convertToWAV shells out to ffmpeg. The STT endpoint handles most codecs
// itself, so a missing ffmpeg only degrades exotic containers.
func convertToWAV(ctx context.Context, inputPath string) (string, error) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", errors.Wrap(err, "ffmpeg not found")
	}

	wavPath := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".wav"
	cmd := exec.CommandContext(ctx, ffmpeg, "-y", "-i", inputPath, "-ar", "16000", "-ac", "1", wavPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(wavPath)
		return "", errors.Wrapf(err, "ffmpeg conversion failed: %s", out)
	}
	return wavPath, nil
}
