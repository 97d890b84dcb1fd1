package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "courtbot/pkg/logx"
)

// fileStore appends outcomes to <prefix>.outcomes.jsonl (JSON Lines).
//
// Reads scan the whole file; the trail is small (one line per race).
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	outPath := filepath.Join(dir, base) + ".outcomes.jsonl"
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", outPath))
	return &fileStore{log: log, path: outPath, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("outcome file closed")
	}
	return json.NewEncoder(s.f).Encode(o)
}

func (s *fileStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Keep the last `limit` lines in a ring while scanning.
	ring := make([]Outcome, 0, limit)
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var o Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			s.log.Debug("skipping malformed outcome line", logx.Err(err))
			continue
		}
		if len(ring) < limit {
			ring = append(ring, o)
			continue
		}
		ring[next] = o
		next = (next + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]Outcome, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}
