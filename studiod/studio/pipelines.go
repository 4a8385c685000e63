package studio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TUM-Dev/streamstudio/studiod/media"
	"github.com/google/uuid"
	"k8s.io/klog"
)

// AdHoc is a pipeline launched from a raw description.
type AdHoc interface {
	Start() error
	Stop() error
	// Dot renders the pipeline in graphviz format.
	Dot() string
}

// Launcher turns a description into a pipeline. Parsing and validation
// belong to the launcher.
type Launcher interface {
	Launch(description string) (AdHoc, error)
}

type PipelineInfo struct {
	ID          uuid.UUID
	Description string
	Started     time.Time
}

type adhocEntry struct {
	info     PipelineInfo
	pipeline AdHoc
}

// PipelineSet keeps the ad-hoc pipelines of a session.
type PipelineSet struct {
	launcher Launcher

	mu        sync.Mutex
	pipelines map[uuid.UUID]*adhocEntry
}

func NewPipelineSet(launcher Launcher) *PipelineSet {
	return &PipelineSet{launcher: launcher, pipelines: map[uuid.UUID]*adhocEntry{}}
}

// Launch starts a pipeline and returns its handle.
func (s *PipelineSet) Launch(description string) (uuid.UUID, error) {
	if err := validDescription(description); err != nil {
		return uuid.Nil, err
	}
	p, err := s.launcher.Launch(description)
	if err != nil {
		return uuid.Nil, err
	}
	if err := p.Start(); err != nil {
		if serr := p.Stop(); serr != nil {
			klog.Warningf("stopping failed pipeline: %v", serr)
		}
		return uuid.Nil, err
	}

	id := uuid.New()
	s.mu.Lock()
	s.pipelines[id] = &adhocEntry{
		info:     PipelineInfo{ID: id, Description: description, Started: time.Now()},
		pipeline: p,
	}
	s.mu.Unlock()
	klog.Infof("pipeline %s started: %s", id, description)
	return id, nil
}

func (s *PipelineSet) Stop(id uuid.UUID) error {
	s.mu.Lock()
	e, ok := s.pipelines[id]
	delete(s.pipelines, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
	klog.Infof("pipeline %s stopped", id)
	return e.pipeline.Stop()
}

func (s *PipelineSet) StopAll() {
	for _, info := range s.List() {
		if err := s.Stop(info.ID); err != nil {
			klog.Warningf("stopping pipeline %s: %v", info.ID, err)
		}
	}
}

// List returns the running pipelines, oldest first.
func (s *PipelineSet) List() []PipelineInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]PipelineInfo, 0, len(s.pipelines))
	for _, e := range s.pipelines {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Started.Before(infos[j].Started) })
	return infos
}

func (s *PipelineSet) Dot(id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pipelines[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
	return e.pipeline.Dot(), nil
}

// Save writes the descriptions of the running pipelines to a session file.
func (s *PipelineSet) Save(path string) (string, error) {
	infos := s.List()
	descriptions := make([]string, len(infos))
	for i, info := range infos {
		descriptions[i] = info.Description
	}
	return SaveDescriptions(path, descriptions)
}

// Open launches every pipeline of a session file. It stops at the first
// pipeline that fails and returns the handles launched so far.
func (s *PipelineSet) Open(path string) ([]uuid.UUID, error) {
	descriptions, err := LoadDescriptions(path)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, d := range descriptions {
		id, err := s.Launch(d)
		if err != nil {
			return ids, fmt.Errorf("%q: %w", d, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// EngineLauncher runs descriptions on the built-in media engine.
type EngineLauncher struct {
	Registry *media.Registry
	Context  media.MainContext
}

type enginePipeline struct {
	graph *media.Graph
}

func (l EngineLauncher) Launch(description string) (AdHoc, error) {
	g, err := media.ParseLaunch(description, l.Registry, l.Context)
	if err != nil {
		return nil, err
	}
	g.Bus().AddWatch(func(m *media.Message) bool {
		switch m.Type {
		case media.MessageError:
			klog.Errorf("ad-hoc pipeline: %v", m.Err)
		case media.MessageEOS:
			klog.Infof("ad-hoc pipeline reached end of stream")
		}
		return true
	})
	return &enginePipeline{graph: g}, nil
}

func (p *enginePipeline) Start() error { return p.graph.SetState(media.StatePlaying) }
func (p *enginePipeline) Stop() error  { return p.graph.Shutdown() }
func (p *enginePipeline) Dot() string  { return p.graph.Dot() }
