package snapshot

import (
	"context"
	"errors"
	"os"

	"waitnotify/internal/queue"
)

// FileSource reads the waiting list from a JSON file on every call. A
// missing file is an empty queue.
type FileSource struct {
	path string
}

func NewFile(path string) *FileSource { return &FileSource{path: path} }

func (s *FileSource) ListWaitingEntities(ctx context.Context) ([]queue.WaitingEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeList(b)
}
