package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/escrowbook/pkg/escrow"
)

// Journal mirrors committed order events into an append-only JSON-lines
// file for observability. Best effort only: write failures are logged and
// swallowed, and nothing ever reads the file back as state.
type Journal interface {
	Append(ev escrow.Event)
	Close() error
}

type NopJournal struct{}

func NewNop() *NopJournal               { return &NopJournal{} }
func (j *NopJournal) Append(escrow.Event) {}
func (j *NopJournal) Close() error        { return nil }

type FileJournal struct {
	mu  sync.Mutex
	f   *os.File
	log *zap.SugaredLogger
}

func NewFile(path string, log *zap.SugaredLogger) (*FileJournal, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f, log: log}, nil
}

func (j *FileJournal) Append(ev escrow.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		j.log.Warnw("journal_marshal_failed", "err", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := fmt.Fprintln(j.f, string(line)); err != nil {
		j.log.Warnw("journal_write_failed", "err", err)
	}
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
