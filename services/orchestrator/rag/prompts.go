// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

var promptValidate = validator.New()

// PromptConfig holds every model-facing string the pipeline uses. Prompts
// are configuration, never code: pipeline logic composes them but does not
// contain them.
type PromptConfig struct {
	GroundingPrompt string `yaml:"grounding_prompt" validate:"required"`
	TitlePrompt     string `yaml:"title_prompt" validate:"required"`
	DenialMessage   string `yaml:"denial_message" validate:"required"`
	FollowupOpen    string `yaml:"followup_open"`
	FollowupClose   string `yaml:"followup_close"`
}

// Prompts serves the active prompt configuration.
//
// # Description
//
// The embedded defaults always load. When an override path is configured,
// its content replaces the defaults and an fsnotify watcher reloads it on
// every save; a broken override keeps the previously active configuration.
//
// # Thread Safety
//
// Safe for concurrent use. Reads take a shared lock; reloads swap the
// whole configuration under the exclusive lock.
type Prompts struct {
	mu           sync.RWMutex
	cfg          PromptConfig
	overridePath string

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// LoadPrompts parses the embedded defaults and, when overridePath is
// non-empty, applies the override file and starts watching it.
//
// The caller must Close() the returned Prompts when a watcher is active.
func LoadPrompts(overridePath string) (*Prompts, error) {
	cfg, err := parsePromptConfig(defaultPromptsYAML)
	if err != nil {
		return nil, fmt.Errorf("embedded prompt configuration is invalid: %w", err)
	}

	p := &Prompts{cfg: *cfg, overridePath: overridePath}
	if overridePath == "" {
		return p, nil
	}

	if err := p.reloadOverride(); err != nil {
		slog.Warn("Prompt override not loaded, using built-in prompts",
			"path", overridePath, "error", err)
	}

	// Watch the directory, not the file: editors replace files on save and
	// a watch on the old inode would go quiet.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(overridePath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch prompt directory: %w", err)
	}

	p.watcher = watcher
	p.done = make(chan struct{})
	go p.watchLoop()

	slog.Info("Watching prompt override file", "path", overridePath)
	return p, nil
}

// Close stops the override watcher, if one is running.
func (p *Prompts) Close() {
	p.stopOnce.Do(func() {
		if p.watcher != nil {
			close(p.done)
			p.watcher.Close()
		}
	})
}

// Grounding renders the answer-synthesis prompt.
func (p *Prompts) Grounding(question, contextText, historyText string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return strings.NewReplacer(
		"{question}", question,
		"{context}", contextText,
		"{history}", historyText,
		"{followup_open}", p.cfg.FollowupOpen,
		"{followup_close}", p.cfg.FollowupClose,
	).Replace(p.cfg.GroundingPrompt)
}

// Title renders the session-title prompt.
func (p *Prompts) Title(question string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return strings.ReplaceAll(p.cfg.TitlePrompt, "{question}", question)
}

// Denial returns the fixed message sent when policy blocks a request.
func (p *Prompts) Denial() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.DenialMessage
}

// FollowupDelims returns the configured follow-up question delimiters.
func (p *Prompts) FollowupDelims() (string, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.FollowupOpen, p.cfg.FollowupClose
}

func (p *Prompts) watchLoop() {
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.overridePath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := p.reloadOverride(); err != nil {
				slog.Error("Prompt override reload failed, keeping previous prompts",
					"path", p.overridePath, "error", err)
				continue
			}
			slog.Info("Reloaded prompt configuration", "path", p.overridePath)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Prompt watcher error", "error", err)
		}
	}
}

func (p *Prompts) reloadOverride() error {
	data, err := os.ReadFile(p.overridePath)
	if err != nil {
		return err
	}

	cfg, err := parsePromptConfig(data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = *cfg
	p.mu.Unlock()
	return nil
}

func parsePromptConfig(data []byte) (*PromptConfig, error) {
	var cfg PromptConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse prompt YAML: %w", err)
	}
	if err := promptValidate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("prompt configuration incomplete: %w", err)
	}

	if cfg.FollowupOpen == "" {
		cfg.FollowupOpen = "<<"
	}
	if cfg.FollowupClose == "" {
		cfg.FollowupClose = ">>"
	}
	return &cfg, nil
}
