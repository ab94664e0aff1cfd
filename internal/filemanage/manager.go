// Package filemanage speaks the platform file management protocol:
// chunked uploads, URL downloads and their status reports.
package filemanage

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/wolk/helpers"
	"github.com/temoto/wolk/internal/filestore"
	"github.com/temoto/wolk/internal/filetransfer"
	"github.com/temoto/wolk/log2"
	"github.com/temoto/wolk/transport"
)

const (
	TopicUploadInitiate      = "file_upload_initiate"
	TopicUploadAbort         = "file_upload_abort"
	TopicBinaryResponse      = "file_binary_response"
	TopicURLDownloadInitiate = "file_url_download_initiate"
	TopicURLDownloadAbort    = "file_url_download_abort"

	TopicBinaryRequest     = "file_binary_request"
	TopicUploadStatus      = "file_upload_status"
	TopicURLDownloadStatus = "file_url_download_status"
)

type Store interface {
	Put(name string, data []byte) (*filestore.File, error)
}

type Options struct {
	Transport transport.Transporter
	Store     Store
	// nil disables URL download
	Downloader  *filetransfer.URLDownloader
	MaxFileSize int64 // 0 = unlimited
	Log         *log2.Log
}

type uploadInitiate struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileHash string `json:"fileHash"`
}

type uploadAbort struct {
	FileName string `json:"fileName"`
}

type urlCommand struct {
	FileURL string `json:"fileUrl"`
}

type binaryRequest struct {
	FileName   string `json:"fileName"`
	ChunkIndex int    `json:"chunkIndex"`
	ChunkSize  int    `json:"chunkSize"`
}

type uploadStatus struct {
	FileName string              `json:"fileName"`
	Status   filetransfer.Status `json:"status"`
	Error    string              `json:"error,omitempty"`
}

type urlStatus struct {
	FileURL  string              `json:"fileUrl"`
	FileName string              `json:"fileName,omitempty"`
	Status   filetransfer.Status `json:"status"`
	Error    string              `json:"error,omitempty"`
}

// Manager contract:
// - at most one upload session and one URL download at a time
// - every outgoing message is published from single worker, in order
// - FILE_TRANSFER is reported before any chunk request or final status
// - completed file is written to store before FILE_READY is reported
type Manager struct {
	log         *log2.Log
	transport   transport.Transporter
	store       Store
	downloader  *filetransfer.URLDownloader
	maxFileSize int64
	worker      *helpers.Serial

	mu     sync.Mutex
	upload *upload
	url    *urlDownload

	topics struct {
		uploadInitiate, uploadAbort, binaryResponse, urlInitiate, urlAbort string
		binaryRequest, uploadStatus, urlStatus                            string
	}
}

func NewManager(opt Options) (*Manager, error) {
	switch {
	case opt.Transport == nil:
		return nil, errors.NotValidf("file manager transport nil")
	case opt.Store == nil:
		return nil, errors.NotValidf("file manager store nil")
	case opt.MaxFileSize < 0:
		return nil, errors.NotValidf("file manager max_file_size=%d", opt.MaxFileSize)
	}
	m := &Manager{
		log:         opt.Log,
		transport:   opt.Transport,
		store:       opt.Store,
		downloader:  opt.Downloader,
		maxFileSize: opt.MaxFileSize,
		worker:      helpers.NewSerial(),
	}
	id := opt.Transport.ClientID()
	m.topics.uploadInitiate = transport.TopicIn(TopicUploadInitiate, id)
	m.topics.uploadAbort = transport.TopicIn(TopicUploadAbort, id)
	m.topics.binaryResponse = transport.TopicIn(TopicBinaryResponse, id)
	m.topics.urlInitiate = transport.TopicIn(TopicURLDownloadInitiate, id)
	m.topics.urlAbort = transport.TopicIn(TopicURLDownloadAbort, id)
	m.topics.binaryRequest = transport.TopicOut(TopicBinaryRequest, id)
	m.topics.uploadStatus = transport.TopicOut(TopicUploadStatus, id)
	m.topics.urlStatus = transport.TopicOut(TopicURLDownloadStatus, id)
	return m, nil
}

func (m *Manager) Subscribe() error {
	subs := []struct {
		topic   string
		handler transport.Handler
	}{
		{m.topics.uploadInitiate, m.onUploadInitiate},
		{m.topics.uploadAbort, m.onUploadAbort},
		{m.topics.binaryResponse, m.onBinaryResponse},
		{m.topics.urlInitiate, m.onURLInitiate},
		{m.topics.urlAbort, m.onURLAbort},
	}
	for _, s := range subs {
		if err := m.transport.Subscribe(s.topic, s.handler); err != nil {
			return errors.Annotatef(err, "file manager subscribe topic=%s", s.topic)
		}
	}
	return nil
}

// Close stops URL download and waits for queued messages to be published.
func (m *Manager) Close() {
	if m.downloader != nil {
		m.downloader.Close()
	}
	m.worker.Stop()
	m.worker.Wait()
}

// Uploading returns name of file being uploaded or empty string.
func (m *Manager) Uploading() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upload == nil {
		return ""
	}
	return m.upload.name
}

func (m *Manager) onUploadInitiate(topic string, payload []byte) {
	var cmd uploadInitiate
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.log.Errorf("file upload initiate invalid payload=%q err=%v", payload, err)
		m.submitUploadStatus(cmd.FileName, filetransfer.StatusError, filetransfer.ErrUnspecified)
		return
	}
	if err := m.initiateUpload(cmd); err != nil {
		m.log.Errorf("file upload initiate file=%s err=%v", cmd.FileName, err)
		m.submitUploadStatus(cmd.FileName, filetransfer.StatusError, err)
	}
}

func (m *Manager) initiateUpload(cmd uploadInitiate) error {
	if err := filestore.ValidName(cmd.FileName); err != nil {
		return errors.Annotate(filetransfer.ErrUnspecified, err.Error())
	}
	if cmd.FileSize < 0 {
		return errors.Annotatef(filetransfer.ErrUnspecified, "size=%d", cmd.FileSize)
	}
	if m.maxFileSize != 0 && cmd.FileSize > m.maxFileSize {
		return errors.Annotatef(filetransfer.ErrUnsupportedFileSize, "size=%d max=%d", cmd.FileSize, m.maxFileSize)
	}
	hash, err := base64.StdEncoding.DecodeString(cmd.FileHash)
	if err != nil || len(hash) != filetransfer.HashSize {
		return errors.Annotatef(filetransfer.ErrUnspecified, "hash=%q", cmd.FileHash)
	}
	init := &filetransfer.FileInit{Name: cmd.FileName, Size: cmd.FileSize}
	copy(init.Hash[:], hash)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upload != nil {
		return errors.Annotatef(filetransfer.ErrUnspecified, "upload file=%s is already running", m.upload.name)
	}
	m.submitUploadStatus(init.Name, filetransfer.StatusFileTransfer, nil)
	u := &upload{m: m, name: init.Name}
	s, err := filetransfer.NewSession(init, u, m.worker, m.log)
	if err != nil {
		// status submitted above must be followed by final one
		return errors.Annotate(filetransfer.ErrUnspecified, err.Error())
	}
	u.session = s
	m.upload = u
	return nil
}

func (m *Manager) onUploadAbort(topic string, payload []byte) {
	var cmd uploadAbort
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.log.Errorf("file upload abort invalid payload=%q err=%v", payload, err)
		return
	}
	m.mu.Lock()
	u := m.upload
	m.mu.Unlock()
	if u == nil || u.name != cmd.FileName {
		m.log.Infof("file upload abort file=%s not running", cmd.FileName)
		return
	}
	if err := u.session.Abort(); err != nil {
		m.log.Infof("file upload abort file=%s err=%v", cmd.FileName, err)
	}
}

func (m *Manager) onBinaryResponse(topic string, payload []byte) {
	m.mu.Lock()
	u := m.upload
	m.mu.Unlock()
	if u == nil {
		m.log.Infof("file binary response len=%d without upload", len(payload))
		return
	}
	err := u.session.ReceiveBytes(payload)
	switch errors.Cause(err) {
	case nil:
	case filetransfer.ErrInvalidPacket, filetransfer.ErrSizeMismatch:
		m.log.Infof("file upload file=%s packet rejected err=%v", u.name, err)
		if err := u.session.RetryChunk(); err != nil {
			m.log.Infof("file upload file=%s retry err=%v", u.name, err)
		}
	default:
		m.log.Infof("file upload file=%s err=%v", u.name, err)
	}
}

func (m *Manager) onURLInitiate(topic string, payload []byte) {
	var cmd urlCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.log.Errorf("file url download invalid payload=%q err=%v", payload, err)
		m.submitURLStatus(cmd.FileURL, "", filetransfer.StatusError, filetransfer.ErrUnspecified)
		return
	}
	if m.downloader == nil {
		m.submitURLStatus(cmd.FileURL, "", filetransfer.StatusError, filetransfer.ErrProtocolDisabled)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev := m.url; prev != nil && m.downloader.Abort() {
		m.log.Infof("file url download url=%s superseded", prev.url)
		m.submitURLStatus(prev.url, "", filetransfer.StatusAborted, nil)
	}
	m.submitURLStatus(cmd.FileURL, "", filetransfer.StatusFileTransfer, nil)
	d := &urlDownload{m: m, url: cmd.FileURL}
	if err := m.downloader.DownloadFile(cmd.FileURL, d); err != nil {
		m.log.Errorf("file url download url=%s err=%v", cmd.FileURL, err)
		m.url = nil
		m.submitURLStatus(cmd.FileURL, "", filetransfer.StatusError, filetransfer.ErrUnspecified)
		return
	}
	m.url = d
}

func (m *Manager) onURLAbort(topic string, payload []byte) {
	var cmd urlCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.log.Errorf("file url abort invalid payload=%q err=%v", payload, err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.url == nil || m.url.url != cmd.FileURL || m.downloader == nil {
		m.log.Infof("file url abort url=%s not running", cmd.FileURL)
		return
	}
	m.url = nil
	if m.downloader.Abort() {
		m.submitURLStatus(cmd.FileURL, "", filetransfer.StatusAborted, nil)
	}
}

// save writes received file to store, result is status to report.
func (m *Manager) save(name string, data []byte) error {
	if err := filestore.ValidName(name); err != nil {
		return errors.Annotate(filetransfer.ErrUnspecified, err.Error())
	}
	if m.maxFileSize != 0 && int64(len(data)) > m.maxFileSize {
		return errors.Annotatef(filetransfer.ErrUnsupportedFileSize, "size=%d max=%d", len(data), m.maxFileSize)
	}
	if _, err := m.store.Put(name, data); err != nil {
		m.log.Errorf("file store file=%s err=%v", name, errors.ErrorStack(err))
		return errors.Annotate(filetransfer.ErrFileSystem, err.Error())
	}
	return nil
}

func (m *Manager) submitUploadStatus(name string, status filetransfer.Status, err error) {
	m.submit(func() { m.publishUploadStatus(name, status, err) })
}

func (m *Manager) publishUploadStatus(name string, status filetransfer.Status, err error) {
	m.publishJSON(m.topics.uploadStatus, uploadStatus{FileName: name, Status: status, Error: filetransfer.ErrorCode(err)})
}

func (m *Manager) submitURLStatus(rawurl, name string, status filetransfer.Status, err error) {
	m.submit(func() { m.publishURLStatus(rawurl, name, status, err) })
}

func (m *Manager) publishURLStatus(rawurl, name string, status filetransfer.Status, err error) {
	m.publishJSON(m.topics.urlStatus, urlStatus{FileURL: rawurl, FileName: name, Status: status, Error: filetransfer.ErrorCode(err)})
}

func (m *Manager) publishJSON(topic string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		m.log.Errorf("file manager marshal topic=%s err=%v", topic, err)
		return
	}
	m.log.Debugf("file manager publish topic=%s payload=%s", topic, b)
	if err := m.transport.Publish(topic, b); err != nil {
		m.log.Errorf("file manager publish topic=%s err=%v", topic, err)
	}
}

func (m *Manager) submit(f func()) {
	if !m.worker.Submit(f) {
		m.log.Errorf("file manager closed, message dropped")
	}
}

// upload receives session callbacks, always on Manager worker.
type upload struct {
	m       *Manager
	name    string
	session *filetransfer.Session
}

func (u *upload) SendRequest(fileName string, chunkIndex int, chunkSize int) {
	u.m.publishJSON(u.m.topics.binaryRequest, binaryRequest{FileName: fileName, ChunkIndex: chunkIndex, ChunkSize: chunkSize})
}

func (u *upload) OnFinish(status filetransfer.Status, err error) {
	m := u.m
	m.mu.Lock()
	if m.upload == u {
		m.upload = nil
	}
	m.mu.Unlock()

	if status == filetransfer.StatusFileReady {
		if err = m.save(u.name, u.session.Bytes()); err != nil {
			status = filetransfer.StatusError
		}
	}
	m.log.Infof("file upload file=%s status=%s err=%v", u.name, status, err)
	m.publishUploadStatus(u.name, status, err)
}

// urlDownload receives downloader callbacks and moves them to Manager worker.
type urlDownload struct {
	m   *Manager
	url string
}

func (d *urlDownload) OnFileReceived(name string, data []byte) {
	d.m.submit(func() {
		d.done()
		if err := d.m.save(name, data); err != nil {
			d.m.publishURLStatus(d.url, name, filetransfer.StatusError, err)
			return
		}
		d.m.log.Infof("file url download url=%s file=%s ready", d.url, name)
		d.m.publishURLStatus(d.url, name, filetransfer.StatusFileReady, nil)
	})
}

func (d *urlDownload) OnError(err error) {
	d.m.submit(func() {
		d.done()
		d.m.publishURLStatus(d.url, "", filetransfer.StatusError, err)
	})
}

func (d *urlDownload) done() {
	d.m.mu.Lock()
	if d.m.url == d {
		d.m.url = nil
	}
	d.m.mu.Unlock()
}
