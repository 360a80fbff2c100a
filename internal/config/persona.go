package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Persona is the conversational surface of a call: what the assistant is told,
// how it greets and closes, and which caller phrases end the call.
type Persona struct {
	Instructions     string   `yaml:"instructions"`
	Voice            string   `yaml:"voice"`
	Greeting         string   `yaml:"greeting"`
	ClosingUtterance string   `yaml:"closing_utterance"`
	ApologyUtterance string   `yaml:"apology_utterance"`
	GoodbyePhrases   []string `yaml:"goodbye_phrases"`
}

// merge overlays the non-empty fields of o onto p.
func (p Persona) merge(o Persona) Persona {
	if s := strings.TrimSpace(o.Instructions); s != "" {
		p.Instructions = s
	}
	if s := strings.TrimSpace(o.Voice); s != "" {
		p.Voice = s
	}
	if s := strings.TrimSpace(o.Greeting); s != "" {
		p.Greeting = s
	}
	if s := strings.TrimSpace(o.ClosingUtterance); s != "" {
		p.ClosingUtterance = s
	}
	if s := strings.TrimSpace(o.ApologyUtterance); s != "" {
		p.ApologyUtterance = s
	}
	if len(o.GoodbyePhrases) > 0 {
		p.GoodbyePhrases = append([]string(nil), o.GoodbyePhrases...)
	}
	return p
}

// LoadPersona reads a YAML persona file and overlays it on base.
func LoadPersona(path string, base Persona) (Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read persona %s: %w", path, err)
	}
	var fromFile Persona
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return base, fmt.Errorf("parse persona %s: %w", path, err)
	}
	return base.merge(fromFile), nil
}

// PersonaStore hands out the current persona. Calls snapshot it at accept time.
type PersonaStore struct {
	current atomic.Pointer[Persona]
}

// NewPersonaStore creates a store holding p.
func NewPersonaStore(p Persona) *PersonaStore {
	s := &PersonaStore{}
	s.Set(p)
	return s
}

// Current returns a copy of the current persona.
func (s *PersonaStore) Current() Persona {
	p := s.current.Load()
	if p == nil {
		return Persona{}
	}
	out := *p
	out.GoodbyePhrases = append([]string(nil), p.GoodbyePhrases...)
	return out
}

// Set replaces the current persona.
func (s *PersonaStore) Set(p Persona) {
	s.current.Store(&p)
}

// PersonaWatcher reloads a persona file into a PersonaStore when it changes.
type PersonaWatcher struct {
	path    string
	base    Persona
	store   *PersonaStore
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchPersona loads path into store and keeps it fresh until Close.
// The parent directory is watched so editors that replace the file are handled.
func WatchPersona(path string, base Persona, store *PersonaStore) (*PersonaWatcher, error) {
	p, err := LoadPersona(path, base)
	if err != nil {
		return nil, err
	}
	store.Set(p)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create persona watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	pw := &PersonaWatcher{
		path:    filepath.Clean(path),
		base:    base,
		store:   store,
		watcher: w,
		done:    make(chan struct{}),
	}
	go pw.loop()
	return pw, nil
}

func (pw *PersonaWatcher) loop() {
	defer close(pw.done)
	logger := log.With().Str("component", "persona-watcher").Str("path", pw.path).Logger()

	for {
		select {
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != pw.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			p, err := LoadPersona(pw.path, pw.base)
			if err != nil {
				logger.Warn().Err(err).Msg("Persona reload failed, keeping previous persona")
				continue
			}
			pw.store.Set(p)
			logger.Info().Int("goodbyePhrases", len(p.GoodbyePhrases)).Msg("Persona reloaded")
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("Persona watcher error")
		}
	}
}

// Close stops watching.
func (pw *PersonaWatcher) Close() error {
	err := pw.watcher.Close()
	<-pw.done
	return err
}
