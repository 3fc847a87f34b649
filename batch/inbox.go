package batch

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rail-ingest/config"
)

// Inbox polls glob inputs for CSV files and imports each new file as a
// batch job, then moves it to the done or error directory.
type Inbox struct {
	engine   *Engine
	db       *gorm.DB
	inputs   []config.InputFileConfig
	doneDir  string
	errorDir string
	interval time.Duration
}

func NewInbox(engine *Engine, db *gorm.DB, cfg config.InboxConfig) *Inbox {
	return &Inbox{
		engine:   engine,
		db:       db,
		inputs:   cfg.Files.Items,
		doneDir:  strings.TrimSpace(cfg.DoneDir),
		errorDir: strings.TrimSpace(cfg.ErrorDir),
		interval: cfg.PollInterval,
	}
}

// RunSummary counts what one pass did.
type RunSummary struct {
	FilesSeen      int
	FilesImported  int
	FilesSkipped   int
	FilesFailed    int
	ValidRecords   int
	InvalidRecords int
}

// Run polls until ctx is done. Errors of a single pass are logged.
func (in *Inbox) Run(ctx context.Context) error {
	interval := in.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := in.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("inbox pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce imports every new file currently matching the inputs.
func (in *Inbox) RunOnce(ctx context.Context) (RunSummary, error) {
	var sum RunSummary
	items, err := expandInputs(in.inputs)
	if err != nil {
		return sum, err
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.FilesSeen++
		if err := in.importFile(ctx, item, &sum); err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			sum.FilesFailed++
			log.WithError(err).WithField("path", item.Path).Warn("inbox file not imported")
		}
	}
	return sum, nil
}

type inputItem struct {
	Path     string
	Name     string
	ErrorDir string
}

func expandInputs(inputs []config.InputFileConfig) ([]inputItem, error) {
	seen := make(map[string]struct{})
	var out []inputItem
	for _, input := range inputs {
		if strings.TrimSpace(input.Glob) == "" {
			continue
		}
		matches, err := expandGlobWithDoubleStar(input.Glob)
		if err != nil {
			return nil, errors.Wrapf(err, "expand %s", input.Glob)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, inputItem{Path: m, Name: input.Name, ErrorDir: input.ErrorDir})
		}
	}
	return out, nil
}

// expandGlobWithDoubleStar extends filepath.Glob with a single "**" segment
// matching any depth. A suffix without a slash is matched against the base
// name only.
func expandGlobWithDoubleStar(pattern string) ([]string, error) {
	if !strings.Contains(pattern, "**") {
		return filepath.Glob(pattern)
	}

	idx := strings.Index(pattern, "**")
	base := strings.TrimRight(pattern[:idx], string(filepath.Separator)+"/")
	if base == "" {
		base = "."
	}
	base = filepath.Clean(base)
	suffix := strings.TrimLeft(pattern[idx+2:], string(filepath.Separator)+"/")
	if suffix == "" {
		suffix = "*"
	}

	baseSlash := filepath.ToSlash(base)
	suffixSlash := filepath.ToSlash(suffix)
	basenameOnly := !strings.Contains(suffixSlash, "/")

	var matches []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := strings.TrimLeft(strings.TrimPrefix(filepath.ToSlash(p), baseSlash), "/")
		if basenameOnly {
			rel = path.Base(rel)
		}
		ok, err := path.Match(suffixSlash, rel)
		if err != nil {
			return err
		}
		if ok {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (in *Inbox) importFile(ctx context.Context, item inputItem, sum *RunSummary) error {
	logger := log.WithFields(log.Fields{"path": item.Path, "input": item.Name})
	info, err := os.Stat(item.Path)
	if err != nil {
		return errors.Wrap(err, "stat")
	}
	// empty files are usually still being written
	if info.IsDir() || info.Size() == 0 {
		sum.FilesSkipped++
		return nil
	}

	sha, err := fileSHA256(item.Path)
	if err != nil {
		return errors.Wrap(err, "hash")
	}
	already, err := in.isImported(ctx, item.Path, sha)
	if err != nil {
		return err
	}
	if already {
		logger.Debug("skip already imported file")
		sum.FilesSkipped++
		return nil
	}

	id, err := in.engine.SubmitFile(item.Path)
	if err != nil {
		return err
	}
	st, err := in.engine.Wait(ctx, id)
	if err != nil {
		return err
	}
	if st.Status == StatusCancelled && ctx.Err() != nil {
		return ctx.Err()
	}

	rec := ImportedFile{
		Path:        item.Path,
		SHA256:      sha,
		SizeBytes:   info.Size(),
		ModUnixNano: info.ModTime().UnixNano(),
		ImportedAt:  time.Now().UTC(),
		JobID:       id,
		Status:      string(st.Status),
		LastError:   st.Error,
	}
	if st.Result != nil {
		rec.ValidRecords = st.Result.ValidRecords
		rec.InvalidRecords = st.Result.InvalidRecords
		sum.ValidRecords += st.Result.ValidRecords
		sum.InvalidRecords += st.Result.InvalidRecords
	}

	dst := in.doneDir
	if st.Status != StatusCompleted {
		sum.FilesFailed++
		dst = in.errorDir
		if item.ErrorDir != "" {
			dst = item.ErrorDir
		}
	} else {
		sum.FilesImported++
	}
	if dst != "" {
		moved, err := MoveFileToDir(item.Path, dst)
		if err != nil {
			logger.WithError(err).Warn("could not move imported file")
		}
		rec.MovedTo = moved
	}

	logger.WithFields(log.Fields{"job": id, "status": st.Status, "movedTo": rec.MovedTo}).Info("inbox file imported")
	err = in.db.WithContext(context.WithoutCancel(ctx)).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
	return errors.Wrap(err, "record imported file")
}

func (in *Inbox) isImported(ctx context.Context, filePath, sha string) (bool, error) {
	var n int64
	err := in.db.WithContext(ctx).Model(&ImportedFile{}).
		Where("path = ? AND sha256 = ?", filePath, sha).
		Count(&n).Error
	if err != nil {
		return false, errors.Wrap(err, "lookup imported file")
	}
	return n > 0, nil
}
