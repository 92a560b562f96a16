// Package certwatch hot-reloads the TLS certificate when the cert or key file
// on disk changes, so rotated certificates take effect without a restart.
package certwatch

import (
	"crypto/tls"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounceWindow coalesces the Create+Write bursts most cert rotation tools
// produce into one reload.
const debounceWindow = 500 * time.Millisecond

type Watcher struct {
	certFile string
	keyFile  string
	log      zerolog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// New loads the initial certificate and begins watching both files.
func New(certFile, keyFile string, log zerolog.Logger) (*Watcher, error) {
	w := &Watcher{
		certFile: certFile,
		keyFile:  keyFile,
		log:      log.With().Str("component", "certwatch").Logger(),
	}
	if err := w.reload(); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.watcher = fsw

	// Watch the parent directories: editors and cert managers typically
	// replace the files via rename, which drops a watch on the file itself.
	dirs := map[string]bool{}
	for _, f := range []string{certFile, keyFile} {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	go w.watchLoop()
	return w, nil
}

// GetCertificate plugs into tls.Config.
func (w *Watcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cert, nil
}

func (w *Watcher) Close() {
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.certFile && ev.Name != w.keyFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debounceWindow, func() {
		if err := w.reload(); err != nil {
			// Keep serving the previous certificate on a bad rotation.
			w.log.Error().Err(err).Msg("certificate reload failed")
			return
		}
		w.log.Info().Str("cert", w.certFile).Msg("certificate reloaded")
	})
}

func (w *Watcher) reload() error {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.cert = &cert
	w.mu.Unlock()
	return nil
}
