package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"k8s.io/klog"

	"github.com/TUM-Dev/streamstudio/studiod/studio"
)

// session is the startup state read from the -config file:
//
//	sources:
//	  - locator: /dev/video0
//	    key: cam
//	  - locator: test://ball
//	files:
//	  - /srv/media/intro.mp4
//	pipelines:
//	  - testsrc ! queue ! fakesink
//	active: cam
//	carousel: false
type session struct {
	Sources   []sessionSource `yaml:"sources"`
	Files     []string        `yaml:"files"`
	Pipelines []string        `yaml:"pipelines"`
	Active    string          `yaml:"active"`
	Carousel  bool            `yaml:"carousel"`
}

type sessionSource struct {
	Locator string `yaml:"locator"`
	// Key defaults to the locator.
	Key string `yaml:"key"`
}

func loadSession(path string) (*session, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := &session{}
	if err := yaml.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for i, src := range s.Sources {
		if src.Locator == "" {
			return nil, fmt.Errorf("source %d has no locator", i)
		}
	}
	return s, nil
}

// apply adds every source and launches every pipeline of the session. A
// failing entry is logged and reported but does not stop the others.
func (s *session) apply(ctx context.Context, m *studio.Manager, set *studio.PipelineSet, relay *studio.Relay) error {
	var errs []error
	fail := func(err error) {
		klog.Warning(err)
		errs = append(errs, err)
	}

	for _, src := range s.Sources {
		spec, err := studio.ParseLocator(src.Locator)
		if err != nil {
			fail(fmt.Errorf("source %s: %w", src.Locator, err))
			continue
		}
		key := src.Key
		if key == "" {
			key = src.Locator
		}
		if err := m.AddSourceBranch(ctx, key, spec); err != nil {
			fail(fmt.Errorf("source %s: %w", key, err))
		}
	}
	for _, path := range s.Files {
		if err := m.AddFileBranch(ctx, path); err != nil {
			fail(fmt.Errorf("file %s: %w", path, err))
		}
	}
	for _, desc := range s.Pipelines {
		id, err := set.Launch(desc)
		if err != nil {
			fail(fmt.Errorf("pipeline %q: %w", desc, err))
			continue
		}
		klog.Infof("launched pipeline %s", id)
	}
	if s.Active != "" {
		if err := m.Switcher().Activate(s.Active); err != nil {
			fail(fmt.Errorf("activating %s: %w", s.Active, err))
		}
	}
	if relay != nil {
		relay.SetCarousel(s.Carousel)
	}
	return errors.Join(errs...)
}
