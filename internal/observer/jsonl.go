package observer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// jsonlSink appends call records to a JSONL file with size-based
// rotation: when the live file would exceed maxBytes it is shifted to
// .1, .1 to .2, and so on, dropping the oldest backup.
type jsonlSink struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
}

func (s *jsonlSink) append(rec CallRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := os.Stat(s.path); err == nil && info.Size()+int64(len(line))+1 > s.maxBytes {
		s.rotateLocked()
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}

// rotateLocked shifts path → path.1 → path.2 … dropping the oldest.
// Caller holds s.mu.
func (s *jsonlSink) rotateLocked() {
	for i := s.backups - 1; i >= 1; i-- {
		src := s.path + "." + strconv.Itoa(i)
		dst := s.path + "." + strconv.Itoa(i+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
	_ = os.Rename(s.path, s.path+".1")
}
