// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package daemon

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

const (
	// spoolAttempts to parse a file, which might still be written.
	spoolAttempts = 5

	// spoolBackoff is the first delay between two attempts; it doubles.
	spoolBackoff = 100 * time.Millisecond
)

// spool injects serialized Bundles dropped into a directory. Files are
// removed after their Bundle was injected. Hidden files are ignored, so
// writers can create a hidden file and rename it afterwards.
type spool struct {
	directory string
	inject    func(bpv7.Bundle)
	watcher   *fsnotify.Watcher

	inProgress sync.Map
	workers    sync.WaitGroup

	stopSyn chan struct{}
	stopAck chan struct{}
}

func newSpool(directory string, inject func(bpv7.Bundle)) (*spool, error) {
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(directory); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	s := &spool{
		directory: directory,
		inject:    inject,
		watcher:   watcher,
		stopSyn:   make(chan struct{}),
		stopAck:   make(chan struct{}),
	}

	go s.handler()

	// Files placed while the daemon was down.
	entries, err := os.ReadDir(directory)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			s.process(filepath.Join(directory, entry.Name()))
		}
	}

	s.log().Info("Watching spool directory")
	return s, nil
}

func (s *spool) log() *log.Entry {
	return log.WithField("spool", s.directory)
}

func (s *spool) handler() {
	defer close(s.stopAck)

	for {
		select {
		case <-s.stopSyn:
			return

		case e, ok := <-s.watcher.Events:
			if !ok {
				s.log().Error("fsnotify's Event channel was closed")
				return
			}

			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				s.log().WithFields(log.Fields{
					"file":      e.Name,
					"operation": e.Op.String(),
				}).Debug("Ignoring fsnotify event")
				continue
			}

			s.process(e.Name)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				s.log().Error("fsnotify's Errors channel was closed")
				return
			}

			s.log().WithError(err).Warn("fsnotify errored")
		}
	}
}

// process a file in its own goroutine, unless it is already processed.
func (s *spool) process(file string) {
	if strings.HasPrefix(filepath.Base(file), ".") {
		return
	}
	if _, known := s.inProgress.LoadOrStore(file, struct{}{}); known {
		return
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer s.inProgress.Delete(file)

		s.readFile(file)
	}()
}

func (s *spool) readFile(file string) {
	logger := s.log().WithField("file", file)
	delay := spoolBackoff

	for i := 0; i < spoolAttempts; i++ {
		b, err := readBundleFile(file)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Debug("Spool file vanished")
			return

		case err != nil:
			logger.WithError(err).Debug("Reading spool file errored, retrying")

		default:
			if err := os.Remove(file); err != nil {
				logger.WithError(err).Warn("Removing spool file errored")
			}

			logger.WithField("bundle", b.ID()).Info("Injecting bundle from spool file")
			s.inject(b)
			return
		}

		select {
		case <-s.stopSyn:
			return
		case <-time.After(delay):
			delay *= 2
		}
	}

	logger.Warn("Failed to read spool file, giving up")
}

func readBundleFile(file string) (b bpv7.Bundle, err error) {
	f, err := os.Open(file)
	if err != nil {
		return
	}
	defer f.Close()

	return bpv7.ParseBundle(f)
}

// Close stops watching the directory.
func (s *spool) Close() error {
	close(s.stopSyn)
	err := s.watcher.Close()
	<-s.stopAck
	s.workers.Wait()

	return err
}
