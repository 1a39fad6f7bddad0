package transcribe

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/simonhull/audiometa"

	"github.com/shelfsync/shelfsync-server/internal/errors"
)

// probeDuration returns the audio length in seconds. audiometa handles the
// common containers natively; anything it cannot open goes to ffprobe.
func probeDuration(ctx context.Context, path string) (float64, error) {
	if f, err := audiometa.OpenContext(ctx, path); err == nil {
		d := f.Audio.Duration.Seconds()
		f.Close()
		if d > 0 {
			return d, nil
		}
	}

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindFatal, "probe duration of %s", filepath.Base(path))
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || d <= 0 {
		return 0, errors.InvalidDataf("unusable duration for %s", filepath.Base(path))
	}
	return d, nil
}

// chunk is one transcription unit: a wav file and its length.
type chunk struct {
	path     string
	duration float64
}

// normalizeTrack converts a downloaded track to 16kHz mono PCM wav and
// splits it when it exceeds maxSeconds. Whisper decoders choke on exotic
// codecs, so everything goes through the same wav profile. The source file
// is removed on success.
func normalizeTrack(ctx context.Context, src string, trackIdx int, maxSeconds float64) ([]chunk, error) {
	duration, err := probeDuration(ctx, src)
	if err != nil {
		return nil, err
	}

	parts := int(math.Ceil(duration / maxSeconds))
	if parts < 1 {
		parts = 1
	}
	partDur := duration / float64(parts)

	dir := filepath.Dir(src)
	chunks := make([]chunk, 0, parts)
	for i := range parts {
		dest := filepath.Join(dir, fmt.Sprintf("part_%03d_split_%03d.wav", trackIdx, i))
		args := []string{"-y", "-i", src}
		if parts > 1 {
			args = append(args,
				"-ss", strconv.FormatFloat(float64(i)*partDur, 'f', 3, 64),
				"-t", strconv.FormatFloat(partDur, 'f', 3, 64),
			)
		}
		args = append(args,
			"-ar", "16000",
			"-ac", "1",
			"-c:a", "pcm_s16le",
			"-f", "wav",
			"-loglevel", "error",
			dest,
		)
		if out, err := exec.CommandContext(ctx, "ffmpeg", args...).CombinedOutput(); err != nil {
			return nil, errors.Wrapf(err, errors.KindFatal, "ffmpeg split %s: %s",
				filepath.Base(src), strings.TrimSpace(string(out)))
		}
		chunks = append(chunks, chunk{path: dest, duration: partDur})
	}

	if err := os.Remove(src); err != nil {
		return nil, err
	}
	return chunks, nil
}

// existingChunks returns previously split wav files in order, so a
// restarted job reuses the download and split work of the failed run.
func existingChunks(ctx context.Context, dir string) ([]chunk, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "part_*_split_*.wav"))
	if err != nil || len(paths) == 0 {
		return nil, err
	}
	chunks := make([]chunk, 0, len(paths))
	for _, p := range paths {
		d, err := probeDuration(ctx, p)
		if err != nil {
			return nil, nil // a corrupt leftover invalidates the cache
		}
		chunks = append(chunks, chunk{path: p, duration: d})
	}
	return chunks, nil
}
