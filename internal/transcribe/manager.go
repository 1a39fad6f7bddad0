package transcribe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/align"
	"github.com/shelfsync/shelfsync-server/internal/client"
	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/id"
	"github.com/shelfsync/shelfsync-server/internal/logger"
	"github.com/shelfsync/shelfsync-server/internal/store"
)

// Store is the persistence surface the job manager needs.
type Store interface {
	GetMapping(ctx context.Context, bookID string) (*domain.Mapping, error)
	UpdateMapping(ctx context.Context, m *domain.Mapping) error
	ListMappings(ctx context.Context) ([]*domain.Mapping, error)
	CreateJob(ctx context.Context, j *domain.TranscriptionJob) error
	GetJobByBook(ctx context.Context, bookID string) (*domain.TranscriptionJob, error)
	UpdateJob(ctx context.Context, j *domain.TranscriptionJob) error
	ListJobsByState(ctx context.Context, state domain.JobState) ([]*domain.TranscriptionJob, error)
}

// AudioSource lists and downloads an audiobook's tracks.
type AudioSource interface {
	AudioFiles(ctx context.Context, itemID string) ([]client.AudioFile, error)
	DownloadFile(ctx context.Context, itemID, ino, dest string) error
}

// checkInterval is how often the manager looks for runnable jobs.
const checkInterval = 30 * time.Second

// Manager claims and runs transcription jobs. At most cfg.MaxConcurrent
// jobs run at once; claims happen on a fixed check interval so a crashed
// run is retried without external prodding.
type Manager struct {
	store       Store
	audio       AudioSource
	books       client.BookOpener
	transcriber Transcriber
	cfg         config.JobsConfig
	data        config.DataConfig
	log         *logger.Logger

	// OnJobUpdate, when set, observes every persisted job change.
	OnJobUpdate func(j *domain.TranscriptionJob)

	mu      sync.Mutex
	running map[string]bool
}

// NewManager creates the transcription job manager.
func NewManager(st Store, audio AudioSource, books client.BookOpener, tr Transcriber,
	cfg config.JobsConfig, data config.DataConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:       st,
		audio:       audio,
		books:       books,
		transcriber: tr,
		cfg:         cfg,
		data:        data,
		log:         log,
		running:     make(map[string]bool),
	}
}

// Enqueue records that a book needs transcription. An existing job is
// requeued with a fresh retry budget.
func (m *Manager) Enqueue(ctx context.Context, bookID string) error {
	job, err := m.store.GetJobByBook(ctx, bookID)
	if errors.Is(err, store.ErrNotFound) {
		job = &domain.TranscriptionJob{
			ID:     id.MustGenerate("job"),
			BookID: bookID,
			State:  domain.JobQueued,
		}
		if err := m.store.CreateJob(ctx, job); err != nil {
			return err
		}
		m.notify(job)
		return nil
	}
	if err != nil {
		return err
	}
	job.State = domain.JobQueued
	job.RetryCount = 0
	job.LastError = ""
	job.Progress = 0
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	m.notify(job)
	return nil
}

// Run recovers interrupted jobs, then claims runnable ones until the
// context ends.
func (m *Manager) Run(ctx context.Context) {
	if err := m.recover(ctx); err != nil {
		m.log.Warn("job recovery failed", "error", err)
	}
	m.sweepOrphans(ctx)
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkPending(ctx)
		}
	}
}

// recover settles jobs left in running state by a previous process. A book
// whose alignment made it to disk finished; everything else is parked for
// retry.
func (m *Manager) recover(ctx context.Context) error {
	stuck, err := m.store.ListJobsByState(ctx, domain.JobRunning)
	if err != nil {
		return err
	}
	for _, job := range stuck {
		if _, err := align.Load(m.data.AlignmentPath(), job.BookID); err == nil {
			m.log.Info("recovered completed job", "book", job.BookID)
			m.finishJob(ctx, job)
			continue
		}
		job.State = domain.JobFailedRetry
		job.LastError = "interrupted by restart"
		job.LastAttempt = float64(time.Now().Unix())
		if err := m.store.UpdateJob(ctx, job); err != nil {
			m.log.Warn("could not park interrupted job", "book", job.BookID, "error", err)
			continue
		}
		m.notify(job)
		m.setMappingStatus(ctx, job.BookID, domain.StatusFailedRetry)
	}
	return nil
}

// sweepOrphans removes cache entries left behind by deleted mappings:
// audio chunk directories keyed by book id and cached epubs keyed by
// file name.
func (m *Manager) sweepOrphans(ctx context.Context) {
	mappings, err := m.store.ListMappings(ctx)
	if err != nil {
		m.log.Warn("orphan sweep skipped", "error", err)
		return
	}
	books := make(map[string]bool, len(mappings))
	files := make(map[string]bool, len(mappings))
	for _, mp := range mappings {
		books[mp.BookID] = true
		if mp.EbookFilename != "" {
			files[filepath.Base(mp.EbookFilename)] = true
		}
	}
	if entries, err := os.ReadDir(m.data.AudioCachePath()); err == nil {
		for _, e := range entries {
			if books[e.Name()] {
				continue
			}
			if err := os.RemoveAll(filepath.Join(m.data.AudioCachePath(), e.Name())); err != nil {
				m.log.Warn("could not remove orphaned audio cache", "entry", e.Name(), "error", err)
			} else {
				m.log.Debug("removed orphaned audio cache", "entry", e.Name())
			}
		}
	}
	if entries, err := os.ReadDir(m.data.EpubCachePath()); err == nil {
		for _, e := range entries {
			if files[e.Name()] {
				continue
			}
			if err := os.Remove(filepath.Join(m.data.EpubCachePath(), e.Name())); err != nil {
				m.log.Warn("could not remove orphaned epub", "entry", e.Name(), "error", err)
			} else {
				m.log.Debug("removed orphaned epub", "entry", e.Name())
			}
		}
	}
}

// checkPending claims at most one job per tick: queued first, then failed
// jobs whose retry delay has elapsed.
func (m *Manager) checkPending(ctx context.Context) {
	m.mu.Lock()
	slots := m.cfg.MaxConcurrent - len(m.running)
	m.mu.Unlock()
	if slots <= 0 {
		return
	}

	job := m.nextRunnable(ctx)
	if job == nil {
		return
	}

	mapping, err := m.store.GetMapping(ctx, job.BookID)
	if err != nil {
		m.log.Warn("job references unknown book", "book", job.BookID, "error", err)
		return
	}

	job.State = domain.JobRunning
	job.LastAttempt = float64(time.Now().Unix())
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.log.Warn("could not claim job", "book", job.BookID, "error", err)
		return
	}
	m.notify(job)
	mapping.Status = domain.StatusProcessing
	if err := m.store.UpdateMapping(ctx, mapping); err != nil {
		m.log.Warn("could not mark book processing", "book", job.BookID, "error", err)
	}

	m.mu.Lock()
	m.running[job.BookID] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.running, job.BookID)
			m.mu.Unlock()
		}()
		if err := m.runJob(ctx, job, mapping); err != nil {
			if ctx.Err() != nil {
				return // chunks stay on disk, recovery requeues
			}
			m.failJob(ctx, job, err)
			return
		}
		m.finishJob(ctx, job)
	}()
}

func (m *Manager) nextRunnable(ctx context.Context) *domain.TranscriptionJob {
	queued, err := m.store.ListJobsByState(ctx, domain.JobQueued)
	if err != nil {
		m.log.Warn("could not list queued jobs", "error", err)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range queued {
		if !m.running[job.BookID] {
			return job
		}
	}

	failed, err := m.store.ListJobsByState(ctx, domain.JobFailedRetry)
	if err != nil {
		return nil
	}
	now := time.Now()
	for _, job := range failed {
		if !m.running[job.BookID] && job.EligibleForRetry(now, m.cfg.MaxRetries, m.cfg.RetryDelay) {
			return job
		}
	}
	return nil
}

// runJob downloads, chunks, transcribes and aligns one book.
func (m *Manager) runJob(ctx context.Context, job *domain.TranscriptionJob, mapping *domain.Mapping) error {
	m.log.Info("transcription job started", "book", job.BookID, "retry", job.RetryCount)

	book, err := m.books.Open(ctx, mapping)
	if err != nil {
		return errors.Wrap(err, errors.KindFatal, "resolve ebook")
	}

	chunks, err := m.prepareAudio(ctx, job, mapping)
	if err != nil {
		return err
	}

	total := 0.0
	for _, c := range chunks {
		total += c.duration
	}

	offset := 0.0
	for i, c := range chunks {
		if chunkExists(m.data.TranscriptPath(), job.BookID, i) {
			m.log.Debug("transcript chunk already on disk, skipping", "book", job.BookID, "chunk", i)
			offset += c.duration
			continue
		}
		m.log.Info("transcribing chunk", "book", job.BookID,
			"chunk", i+1, "of", len(chunks), "minutes", c.duration/60)

		tokens, err := m.transcriber.Transcribe(ctx, c.path, m.cfg.WhisperModel)
		if err != nil {
			return errors.Wrapf(err, errors.KindOf(err), "transcribe chunk %d", i)
		}
		for j := range tokens {
			tokens[j].Start += offset
			tokens[j].End += offset
		}
		if err := writeChunk(m.data.TranscriptPath(), job.BookID, i, tokens); err != nil {
			return errors.Wrapf(err, errors.KindFatal, "persist chunk %d", i)
		}
		offset += c.duration
		m.updateProgress(ctx, job, 0.1+0.8*(offset/total))
	}

	tokens, err := readChunks(m.data.TranscriptPath(), job.BookID)
	if err != nil {
		return err
	}

	duration := mapping.Duration
	if duration <= 0 {
		duration = total
	}
	amap, err := align.Build(job.BookID, tokens, book.NormText(), duration)
	if err != nil {
		return err
	}
	if err := amap.Save(m.data.AlignmentPath()); err != nil {
		return errors.Wrap(err, errors.KindFatal, "save alignment map")
	}
	m.updateProgress(ctx, job, 0.95)

	if err := os.RemoveAll(m.bookAudioDir(job.BookID)); err != nil {
		m.log.Warn("could not clean audio cache", "book", job.BookID, "error", err)
	}
	m.log.Info("transcription job complete", "book", job.BookID,
		"tokens", len(tokens), "anchors", len(amap.Anchors))
	return nil
}

// prepareAudio returns the book's transcription chunks, reusing split
// files from an interrupted run when present.
func (m *Manager) prepareAudio(ctx context.Context, job *domain.TranscriptionJob, mapping *domain.Mapping) ([]chunk, error) {
	dir := m.bookAudioDir(job.BookID)
	if cached, err := existingChunks(ctx, dir); err == nil && len(cached) > 0 {
		m.log.Info("resuming with cached audio chunks", "book", job.BookID, "chunks", len(cached))
		return cached, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	files, err := m.audio.AudioFiles(ctx, mapping.BookID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindOf(err), "list audio files")
	}
	if len(files) == 0 {
		return nil, errors.InvalidDataf("no audio files for %s", mapping.BookID)
	}

	maxSeconds := m.cfg.ChunkDuration.Seconds()
	var chunks []chunk
	for i, f := range files {
		ext := f.Ext
		if ext == "" {
			ext = ".mp3"
		} else if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		raw := filepath.Join(dir, "download_"+f.Ino+ext)
		m.log.Info("downloading track", "book", job.BookID, "track", i+1, "of", len(files))
		if err := m.audio.DownloadFile(ctx, mapping.BookID, f.Ino, raw); err != nil {
			return nil, errors.Wrapf(err, errors.KindOf(err), "download track %d", i)
		}
		split, err := normalizeTrack(ctx, raw, i, maxSeconds)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, split...)
		m.updateProgress(ctx, job, 0.1*float64(i+1)/float64(len(files)))
	}
	return chunks, nil
}

func (m *Manager) finishJob(ctx context.Context, job *domain.TranscriptionJob) {
	job.State = domain.JobDone
	job.RetryCount = 0
	job.LastError = ""
	job.Progress = 1
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.log.Warn("could not persist finished job", "book", job.BookID, "error", err)
	}
	m.notify(job)
	m.setMappingStatus(ctx, job.BookID, domain.StatusActive)
}

func (m *Manager) failJob(ctx context.Context, job *domain.TranscriptionJob, cause error) {
	job.RetryCount++
	job.State = domain.JobFailedRetry
	job.LastError = cause.Error()
	job.LastAttempt = float64(time.Now().Unix())
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.log.Warn("could not persist failed job", "book", job.BookID, "error", err)
	}
	m.notify(job)

	if job.RetryCount >= m.cfg.MaxRetries {
		m.log.Warn("transcription job exhausted retries", "book", job.BookID, "error", cause)
		// Audio is only worth keeping while a retry might reuse it.
		if err := os.RemoveAll(m.bookAudioDir(job.BookID)); err != nil {
			m.log.Warn("could not clean audio cache", "book", job.BookID, "error", err)
		}
	} else {
		m.log.Warn("transcription job failed, will retry", "book", job.BookID,
			"retry", job.RetryCount, "of", m.cfg.MaxRetries, "error", cause)
	}
	m.setMappingStatus(ctx, job.BookID, domain.StatusFailedRetry)
}

func (m *Manager) updateProgress(ctx context.Context, job *domain.TranscriptionJob, pct float64) {
	job.Progress = pct
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.log.Debug("could not persist job progress", "book", job.BookID, "error", err)
		return
	}
	m.notify(job)
}

func (m *Manager) setMappingStatus(ctx context.Context, bookID string, status domain.MappingStatus) {
	mapping, err := m.store.GetMapping(ctx, bookID)
	if err != nil {
		m.log.Warn("could not load book for status change", "book", bookID, "error", err)
		return
	}
	mapping.Status = status
	if err := m.store.UpdateMapping(ctx, mapping); err != nil {
		m.log.Warn("could not persist book status", "book", bookID, "status", status, "error", err)
	}
}

func (m *Manager) notify(job *domain.TranscriptionJob) {
	if m.OnJobUpdate != nil {
		m.OnJobUpdate(job)
	}
}

func (m *Manager) bookAudioDir(bookID string) string {
	return filepath.Join(m.data.AudioCachePath(), bookID)
}
