package rag

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kontomat/backend/internal/domain"
)

// QuarantinedChunk is a corpus drop awaiting operator confirmation. Nothing
// becomes searchable without an explicit Confirm.
type QuarantinedChunk struct {
	Chunk      *Chunk    `json:"chunk"`
	SourceFile string    `json:"source_file"`
	SeenAt     time.Time `json:"seen_at"`
}

// Quarantine watches a drop directory for chunk files and holds them until
// an administrator confirms each one into the index.
type Quarantine struct {
	index *Index
	dir   string
	log   *slog.Logger

	mu      sync.Mutex
	pending map[string]*QuarantinedChunk // chunk id
	seen    map[string]bool              // file path, survives confirm/discard
}

func NewQuarantine(index *Index, dir string, log *slog.Logger) *Quarantine {
	if log == nil {
		log = slog.Default()
	}
	return &Quarantine{
		index:   index,
		dir:     dir,
		log:     log,
		pending: map[string]*QuarantinedChunk{},
		seen:    map[string]bool{},
	}
}

// Scan picks up new *.json drops from the watched directory. Malformed
// files are logged and skipped, never partially ingested.
func (q *Quarantine) Scan() (int, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(q.dir, e.Name())
		if q.seen[path] {
			continue
		}
		q.seen[path] = true

		data, err := os.ReadFile(path)
		if err != nil {
			q.log.Warn("corpus drop unreadable", "file", path, "err", err)
			continue
		}
		var chunks []*Chunk
		if err := json.Unmarshal(data, &chunks); err != nil {
			var one Chunk
			if err2 := json.Unmarshal(data, &one); err2 != nil {
				q.log.Warn("corpus drop malformed", "file", path, "err", err)
				continue
			}
			chunks = []*Chunk{&one}
		}
		for _, c := range chunks {
			if c.LawCode == "" || c.Article == "" || c.Text == "" {
				q.log.Warn("corpus drop missing fields", "file", path)
				continue
			}
			if c.ID == "" {
				c.ID = newChunkID(c)
			}
			q.pending[c.ID] = &QuarantinedChunk{Chunk: c, SourceFile: path, SeenAt: time.Now()}
			added++
		}
	}
	if added > 0 {
		q.log.Info("corpus drops quarantined", "count", added)
	}
	return added, nil
}

// Watch scans on the interval until ctx is done.
func (q *Quarantine) Watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := q.Scan(); err != nil {
				q.log.Warn("quarantine scan failed", "err", err)
			}
		}
	}
}

// Pending lists the unconfirmed drops, oldest first. The API restricts this
// surface to administrators.
func (q *Quarantine) Pending() []*QuarantinedChunk {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*QuarantinedChunk, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeenAt.Before(out[j].SeenAt) })
	return out
}

// Confirm promotes one quarantined chunk into the searchable index. When
// the drop names a chunk it supersedes, the supersession path runs instead
// of a plain ingest.
func (q *Quarantine) Confirm(ctx context.Context, chunkID string) error {
	q.mu.Lock()
	p, ok := q.pending[chunkID]
	if !ok {
		q.mu.Unlock()
		return domain.E(domain.CodeNotFound, "no quarantined chunk "+chunkID)
	}
	delete(q.pending, chunkID)
	q.mu.Unlock()

	var err error
	if p.Chunk.Supersedes != "" {
		err = q.index.Supersede(ctx, p.Chunk.Supersedes, p.Chunk)
	} else {
		err = q.index.Ingest(ctx, p.Chunk)
	}
	if err != nil {
		// Put it back so the operator can retry after fixing the cause.
		q.mu.Lock()
		q.pending[chunkID] = p
		q.mu.Unlock()
		return err
	}
	q.log.Info("chunk confirmed", "chunk", chunkID, "law", p.Chunk.LawCode)
	return nil
}

// Discard drops a quarantined chunk without ingesting it.
func (q *Quarantine) Discard(chunkID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[chunkID]; !ok {
		return domain.E(domain.CodeNotFound, "no quarantined chunk "+chunkID)
	}
	delete(q.pending, chunkID)
	return nil
}

func newChunkID(c *Chunk) string {
	id := c.LawCode + "-" + c.Article
	if c.Paragraph != "" {
		id += "-" + c.Paragraph
	}
	return id + "-" + c.EffectiveFrom.Format("20060102")
}
