package opshub

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Policy carries the timing knobs the store and watchdog consume. The
// dismiss delay matches whatever exit transition the consuming surface
// runs; it is configuration here, never a hard-coded presentation constant.
type Policy struct {
	DismissDelay  time.Duration `json:"-"`
	CompletedTTL  time.Duration `json:"-"`
	WatchdogQuiet time.Duration `json:"-"`
	SweepInterval time.Duration `json:"-"`
}

func DefaultPolicy() Policy {
	return Policy{
		DismissDelay:  300 * time.Millisecond,
		CompletedTTL:  10 * time.Second,
		WatchdogQuiet: 5 * time.Minute,
		SweepInterval: time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.DismissDelay <= 0 {
		p.DismissDelay = defaults.DismissDelay
	}
	if p.CompletedTTL <= 0 {
		p.CompletedTTL = defaults.CompletedTTL
	}
	if p.WatchdogQuiet <= 0 {
		p.WatchdogQuiet = defaults.WatchdogQuiet
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = defaults.SweepInterval
	}
	return p
}

type policyFile struct {
	DismissDelayMS  int `json:"dismissDelayMs"`
	CompletedTTLSec int `json:"completedTtlSeconds"`
	WatchdogQuietS  int `json:"watchdogQuietSeconds"`
	SweepIntervalMS int `json:"sweepIntervalMs"`
}

func LoadPolicy(path string) (Policy, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Policy{}, ErrInvalidInput
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}
	var raw policyFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return Policy{}, err
	}
	policy := Policy{
		DismissDelay:  time.Duration(raw.DismissDelayMS) * time.Millisecond,
		CompletedTTL:  time.Duration(raw.CompletedTTLSec) * time.Second,
		WatchdogQuiet: time.Duration(raw.WatchdogQuietS) * time.Second,
		SweepInterval: time.Duration(raw.SweepIntervalMS) * time.Millisecond,
	}
	return policy.withDefaults(), nil
}

// PolicyWatcher hot-reloads the policy file. A reload that fails to parse
// keeps the last good policy and logs; it never propagates to the store.
type PolicyWatcher struct {
	path    string
	apply   func(Policy)
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func WatchPolicy(path string, apply func(Policy)) (*PolicyWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" || apply == nil {
		return nil, ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files by rename, which drops a
	// watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	pw := &PolicyWatcher{
		path:    path,
		apply:   apply,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go pw.run()
	return pw, nil
}

func (pw *PolicyWatcher) run() {
	defer close(pw.done)
	target := filepath.Clean(pw.path)
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			policy, err := LoadPolicy(pw.path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				log.Printf("opshub: policy reload failed for %s: %v", pw.path, err)
				continue
			}
			pw.apply(policy)
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("opshub: policy watcher error: %v", err)
		}
	}
}

func (pw *PolicyWatcher) Close() error {
	err := pw.watcher.Close()
	<-pw.done
	return err
}
