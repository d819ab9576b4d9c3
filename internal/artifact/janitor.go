package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor deletes staged files older than the retention TTL.
type Janitor struct {
	staging *Staging
	ttl     time.Duration
	memory  *MemoryRegistry
	logger  *zap.Logger
	cron    *cron.Cron
	now     func() time.Time
}

// NewJanitor builds a sweeper; memory may be nil when Redis expires records.
func NewJanitor(staging *Staging, ttl time.Duration, memory *MemoryRegistry, logger *zap.Logger) *Janitor {
	return &Janitor{
		staging: staging,
		ttl:     ttl,
		memory:  memory,
		logger:  logger.Named("janitor"),
		now:     time.Now,
	}
}

// Start schedules Sweep with a cron spec such as "@every 5m".
func (j *Janitor) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { j.Sweep() }); err != nil {
		return err
	}
	j.cron = c
	c.Start()
	j.logger.Info("artifact sweeper scheduled", zap.String("schedule", spec), zap.Duration("ttl", j.ttl))
	return nil
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

// Sweep removes expired artifacts and returns how many files were deleted.
func (j *Janitor) Sweep() int {
	entries, err := os.ReadDir(j.staging.Dir())
	if err != nil {
		j.logger.Error("read staging dir failed", zap.Error(err))
		return 0
	}

	cutoff := j.now().Add(-j.ttl)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := artifactID(entry.Name())
		if !ok {
			continue
		}
		created, err := ParseID(id)
		if err != nil || created.After(cutoff) {
			continue
		}
		path := filepath.Join(j.staging.Dir(), entry.Name())
		if err := Remove(path); err != nil {
			j.logger.Warn("remove expired artifact failed", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}

	pruned := 0
	if j.memory != nil {
		pruned = j.memory.Prune()
	}
	if removed > 0 || pruned > 0 {
		j.logger.Info("swept expired artifacts", zap.Int("files", removed), zap.Int("records", pruned))
	}
	return removed
}

func artifactID(name string) (string, bool) {
	for _, suffix := range []string{outputSuffix, inputSuffix} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), true
		}
	}
	return "", false
}
