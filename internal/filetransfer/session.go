package filetransfer

import (
	"bytes"
	"crypto/sha256"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/wolk/helpers"
	"github.com/temoto/wolk/log2"
)

const (
	MaxChunkRetry = 3
	MaxRestart    = 3
)

var zeroHash [HashSize]byte

// FileInit describes a file announced by the platform.
type FileInit struct {
	Name string
	Size int64
	Hash Digest
}

// Callback is implemented by the transport side of a session.
// Calls for one session are sequential, never concurrent.
type Callback interface {
	SendRequest(fileName string, chunkIndex int, chunkSize int)
	// err is not nil only with StatusError
	OnFinish(status Status, err error)
}

// Worker runs session callbacks in submission order.
type Worker interface {
	Submit(func()) bool
}

// Session receives one file chunk by chunk.
// Session contract:
// - first chunk request is sent from constructor, asynchronously
// - ReceiveBytes, RetryChunk, Abort are mutually exclusive
// - corrupted chunks are requested again up to MaxChunkRetry times,
//   then the whole file is requested from start, up to MaxRestart times
// - exactly one OnFinish per session
type Session struct {
	mu       sync.Mutex
	callback Callback
	log      *log2.Log
	plan     *TransferPlan
	worker   Worker
	serial   *helpers.Serial // owned worker, nil if injected

	state        State
	buf          bytes.Buffer
	current      int
	retryCount   int
	restartCount int
	lastErr      error
}

// NewSession starts a session. If worker is nil, the session creates a dedicated
// one and stops it after the final callback.
func NewSession(init *FileInit, callback Callback, worker Worker, log *log2.Log) (*Session, error) {
	if init == nil {
		return nil, errors.NotValidf("file init nil")
	}
	if callback == nil {
		return nil, errors.NotValidf("callback nil")
	}
	plan, err := NewTransferPlan(init.Name, init.Size, init.Hash)
	if err != nil {
		return nil, errors.Annotate(err, "file transfer plan")
	}

	s := &Session{
		callback: callback,
		log:      log,
		plan:     plan,
		worker:   worker,
		state:    StateInProgress,
	}
	if worker == nil {
		s.serial = helpers.NewSerial()
		s.worker = s.serial
	}
	s.log.Debugf("filetransfer session file=%s size=%d chunks=%d", plan.FileName, plan.TotalSize, plan.ChunkCount())

	s.mu.Lock()
	defer s.mu.Unlock()
	if plan.ChunkCount() == 0 {
		s.finishEmpty()
	} else {
		s.request(0)
	}
	return s, nil
}

func (s *Session) ReceiveBytes(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Debugf("filetransfer file=%s received len=%d chunk=%d", s.plan.FileName, len(b), s.current)

	if s.state != StateInProgress {
		return ErrSessionNotRunning
	}
	if len(b) < MinPacketSize {
		return errors.Annotatef(ErrInvalidPacket, "len=%d", len(b))
	}
	if expect := s.plan.ChunkSizes[s.current]; len(b) != expect {
		return errors.Annotatef(ErrSizeMismatch, "chunk=%d len=%d expected=%d", s.current, len(b), expect)
	}

	previousHash := b[:HashSize]
	data := b[HashSize : len(b)-HashSize]
	// current hash b[len(b)-HashSize:] is not verified, whole file digest is

	if s.current == 0 && !bytes.Equal(previousHash, zeroHash[:]) {
		s.log.Infof("filetransfer file=%s first chunk previous hash is not zero", s.plan.FileName)
		s.retryChunk()
		return nil
	}

	s.buf.Write(data)

	if s.current == s.plan.ChunkCount()-1 {
		if int64(s.buf.Len()) != s.plan.TotalSize {
			s.log.Errorf("filetransfer file=%s complete len=%d expected=%d", s.plan.FileName, s.buf.Len(), s.plan.TotalSize)
			s.restart()
			return nil
		}
		if sha256.Sum256(s.buf.Bytes()) != s.plan.ExpectedDigest {
			s.log.Infof("filetransfer file=%s hash mismatch", s.plan.FileName)
			s.restart()
			return nil
		}
		s.finish(StateSucceeded, nil)
		return nil
	}

	s.current++
	s.request(s.current)
	return nil
}

// RetryChunk requests current chunk again, for chunks rejected by the caller.
func (s *Session) RetryChunk() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInProgress {
		return ErrSessionNotRunning
	}
	s.retryChunk()
	return nil
}

// Abort succeeds once and only while session is in progress.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInProgress {
		return ErrSessionNotRunning
	}
	s.current = 0
	s.buf.Reset()
	s.finish(StateAborted, nil)
	return nil
}

func (s *Session) FileName() string { return s.plan.FileName }

func (s *Session) Plan() TransferPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *s.plan
	p.ChunkSizes = append([]int(nil), s.plan.ChunkSizes...)
	return p
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() Status { return s.State().Status() }

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) CurrentChunk() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

func (s *Session) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// Bytes returns a copy of data received so far.
func (s *Session) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// Caller must hold s.mu.
func (s *Session) retryChunk() {
	s.retryCount++
	if s.retryCount >= MaxChunkRetry {
		s.log.Infof("filetransfer file=%s chunk=%d retry limit, restart", s.plan.FileName, s.current)
		s.restart()
		s.retryCount = 0
		return
	}
	s.request(s.current)
}

// Caller must hold s.mu.
func (s *Session) restart() {
	s.restartCount++
	s.buf.Reset()
	if s.restartCount >= MaxRestart {
		s.log.Errorf("filetransfer file=%s restart limit", s.plan.FileName)
		s.current = 0
		s.plan.ChunkSizes = s.plan.ChunkSizes[:0]
		s.finish(StateFailed, ErrRetryCountExceeded)
		return
	}
	s.retryCount = 0
	s.current = 0
	s.request(0)
}

// Caller must hold s.mu.
func (s *Session) finishEmpty() {
	if sha256.Sum256(nil) != s.plan.ExpectedDigest {
		s.finish(StateFailed, ErrFileHashMismatch)
		return
	}
	s.finish(StateSucceeded, nil)
}

// Caller must hold s.mu.
func (s *Session) finish(state State, err error) {
	s.state = state
	s.lastErr = err
	status := state.Status()
	s.log.Debugf("filetransfer file=%s finish status=%s err=%v", s.plan.FileName, status, err)
	s.submit(func() { s.callback.OnFinish(status, err) })
	if s.serial != nil {
		s.serial.Stop()
	}
}

// Caller must hold s.mu.
func (s *Session) request(index int) {
	name, size := s.plan.FileName, s.plan.ChunkSizes[index]
	s.submit(func() { s.callback.SendRequest(name, index, size) })
}

func (s *Session) submit(f func()) {
	if !s.worker.Submit(f) {
		s.log.Errorf("filetransfer file=%s worker stopped, callback dropped", s.plan.FileName)
	}
}
