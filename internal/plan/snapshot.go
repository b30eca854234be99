package plan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SnapshotPath returns a timestamped snapshot filename inside dir.
func SnapshotPath(dir string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("plan_%s.yaml", now.Format("2006-01-02_15-04-05")))
}

// WriteSnapshot writes a plan to a YAML file
func WriteSnapshot(p *Plan, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	// Write to a sibling and rename so a crash never leaves half a snapshot.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot reads a plan from a YAML file.
//
// Units that were still generating when the snapshot was taken have lost
// their jobs with the previous process and come back as error, so the next
// production run retries them.
func ReadSnapshot(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	p.recover()
	p.renumber()
	return &p, nil
}

func (p *Plan) recover() {
	for i := range p.Frames {
		f := &p.Frames[i]
		if f.Status == "" {
			f.Status = StatusIdle
		}
		if f.VideoStatus == "" {
			f.VideoStatus = StatusIdle
		}
		if f.CandidateCount < MinCandidates || f.CandidateCount > MaxCandidates {
			f.CandidateCount = MinCandidates
		}
		if f.Status == StatusGenerating {
			f.Status = StatusError
		}
		if f.VideoStatus == StatusGenerating {
			f.VideoStatus = StatusError
		}
		for j := range f.Images {
			if f.Images[j].Status == StatusGenerating {
				f.Images[j].Status = StatusError
			}
		}
	}
	for i := range p.Transitions {
		t := &p.Transitions[i]
		if t.Status == "" {
			t.Status = StatusIdle
		}
		if t.Type == "" {
			t.Type = Bridge
		}
		if t.Status == StatusGenerating {
			t.Status = StatusError
		}
	}
}

// Autosave writes the store to path every interval while its version keeps
// changing, and once more when ctx is done.
func Autosave(ctx context.Context, s *Store, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	saved := s.Version()
	save := func() {
		v := s.Version()
		if v == saved {
			return
		}
		if err := WriteSnapshot(s.Snapshot(), path); err != nil {
			slog.Warn("autosave failed", "path", path, "err", err)
			return
		}
		saved = v
	}

	for {
		select {
		case <-ctx.Done():
			save()
			return
		case <-ticker.C:
			save()
		}
	}
}
