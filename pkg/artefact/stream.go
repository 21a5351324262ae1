package artefact

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fruitsalade/stow/pkg/storage"
)

// Stream is an open reader or writer on a file. Closing a write stream
// commits the object and refreshes the file's metadata from the backend.
type Stream struct {
	m      *Manager
	file   *File
	path   string
	mode   storage.Mode
	r      io.ReadCloser
	w      io.WriteCloser
	ctx    context.Context
	cancel context.CancelFunc

	once     sync.Once
	closeErr error
}

// Mode returns the direction the stream was opened with.
func (s *Stream) Mode() storage.Mode { return s.mode }

func (s *Stream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, fmt.Errorf("read %s: stream opened for writing", s.path)
	}
	return s.r.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, fmt.Errorf("write %s: stream opened for reading", s.path)
	}
	return s.w.Write(p)
}

// Close releases the stream. For write streams the backend object is
// committed and the file handle is refreshed; the handle is left untouched if
// the commit fails.
func (s *Stream) Close() error {
	s.once.Do(func() {
		defer s.cancel()
		if s.r != nil {
			s.closeErr = storage.Wrap("read", s.m.backend.Type(), s.path, s.r.Close())
			return
		}
		if err := s.w.Close(); err != nil {
			s.closeErr = storage.Wrap("write", s.m.backend.Type(), s.path, err)
			return
		}
		s.closeErr = s.m.refresh(s.ctx, s.file)
	})
	return s.closeErr
}

// Abort releases the stream without committing a pending write. Backends
// that cannot discard a write commit it instead.
func (s *Stream) Abort() error {
	if s.r != nil {
		return s.Close()
	}
	ran := false
	s.once.Do(func() {
		defer s.cancel()
		ran = true
		if a, ok := s.w.(storage.Aborter); ok {
			s.closeErr = storage.Wrap("abort", s.m.backend.Type(), s.path, a.Abort())
			return
		}
		if err := s.w.Close(); err != nil {
			s.closeErr = storage.Wrap("write", s.m.backend.Type(), s.path, err)
			return
		}
		s.closeErr = s.m.refresh(s.ctx, s.file)
	})
	if !ran {
		// already closed; its error was reported by Close
		return nil
	}
	return s.closeErr
}
