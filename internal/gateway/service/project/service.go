package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"configurator/internal/artifactcache"
	"configurator/internal/compute"
	"configurator/internal/gateway/repository/blob"
	"configurator/internal/naming"
	"configurator/internal/params"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectExists   = errors.New("project already exists")
)

// Service implements the project use cases on top of the blob store, the
// artifact cache and the compute client.
type Service struct {
	store   blob.Store
	cache   *artifactcache.Cache
	compute compute.Client
	cfg     Config
	log     logrus.FieldLogger
}

type Config struct {
	// ComputeTimeout bounds each compute call.
	ComputeTimeout time.Duration
	// BlobRoute is the gateway route serving blobs whose backend has no
	// direct links, e.g. "/blobs/".
	BlobRoute string
}

func New(store blob.Store, cache *artifactcache.Cache, client compute.Client, cfg Config, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.BlobRoute == "" {
		cfg.BlobRoute = "/blobs/"
	}
	return &Service{store: store, cache: cache, compute: client, cfg: cfg, log: logger}
}

// Metadata is kept as the metadata attribute of a project.
type Metadata struct {
	Name       string    `json:"name"`
	IsAssembly bool      `json:"isAssembly"`
	SourceURL  string    `json:"sourceUrl,omitempty"`
	AdoptedAt  time.Time `json:"adoptedAt"`
	// Hash is the cache key of the most recent update.
	Hash string `json:"hash,omitempty"`
}

// DTO is the client view of a project.
type DTO struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Image      string `json:"image"`
	Svf        string `json:"svf,omitempty"`
	Hash       string `json:"hash,omitempty"`
	IsAssembly bool   `json:"isAssembly"`
}

// UpdateResult is the outcome of applying parameters to a project.
type UpdateResult struct {
	Project DTO
	Entry   artifactcache.Entry
	Outcome artifactcache.Outcome
	// Parameters is the parameter report of the cache entry, carrying
	// validation errors of the incoming set.
	Parameters *params.Set
}

func (s *Service) Exists(ctx context.Context, name string) (bool, error) {
	if err := naming.ValidateProjectName(name); err != nil {
		return false, err
	}
	return blob.Exists(ctx, s.store, naming.ProjectObjectName(name))
}

// Adopt stores model as a new project. The project entry is written last so
// listings never see a half-adopted project.
func (s *Service) Adopt(ctx context.Context, name string, isAssembly bool, model []byte, sourceURL string) (Metadata, error) {
	if err := naming.ValidateProjectName(name); err != nil {
		return Metadata{}, err
	}
	exists, err := s.Exists(ctx, name)
	if err != nil {
		return Metadata{}, err
	}
	if exists {
		return Metadata{}, fmt.Errorf("%w: %s", ErrProjectExists, name)
	}
	attrs, err := naming.ForAttributes(name)
	if err != nil {
		return Metadata{}, err
	}
	meta := Metadata{Name: name, IsAssembly: isAssembly, SourceURL: sourceURL, AdoptedAt: time.Now().UTC()}
	thumb, err := renderThumbnail(name)
	if err != nil {
		return Metadata{}, fmt.Errorf("render thumbnail: %w", err)
	}
	if err := s.store.Put(ctx, attrs.SourceModel(), model); err != nil {
		return Metadata{}, fmt.Errorf("store source model: %w", err)
	}
	if err := s.store.Put(ctx, attrs.Thumbnail(), thumb); err != nil {
		return Metadata{}, fmt.Errorf("store thumbnail: %w", err)
	}
	if err := s.putMetadata(ctx, attrs, meta); err != nil {
		return Metadata{}, err
	}
	if err := s.store.Put(ctx, naming.ProjectObjectName(name), model); err != nil {
		return Metadata{}, fmt.Errorf("store project %s: %w", name, err)
	}
	s.log.WithFields(logrus.Fields{"project": name, "assembly": isAssembly}).Info("project adopted")
	return meta, nil
}

func (s *Service) putMetadata(ctx context.Context, attrs naming.AttributeNames, meta Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, attrs.Metadata(), raw); err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}
	return nil
}

func (s *Service) Metadata(ctx context.Context, name string) (Metadata, error) {
	attrs, err := naming.ForAttributes(name)
	if err != nil {
		return Metadata{}, err
	}
	raw, err := s.store.Get(ctx, attrs.Metadata())
	if errors.Is(err, blob.ErrNotFound) {
		return Metadata{}, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata of %s: %w", name, err)
	}
	return meta, nil
}

// Update applies incoming to the project's model. Results are cached under
// the hash of incoming, so an identical set never reaches the engine twice.
func (s *Service) Update(ctx context.Context, name string, incoming *params.Set) (UpdateResult, error) {
	if incoming == nil {
		incoming = params.NewSet()
	}
	meta, err := s.Metadata(ctx, name)
	if err != nil {
		return UpdateResult{}, err
	}
	key := params.Hash(incoming)
	log := s.log.WithFields(logrus.Fields{"project": name, "cache_key": key})

	entry, outcome, err := s.cache.GetOrProduce(ctx, name, key, func(ctx context.Context, tok *artifactcache.Token) ([]artifactcache.Artifact, error) {
		return s.produce(ctx, tok, meta, incoming)
	})
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update %s: %w", name, err)
	}
	log.WithField("outcome", outcome).Info("parameters updated")

	report, err := s.loadReport(ctx, entry)
	if err != nil {
		return UpdateResult{}, err
	}
	meta.Hash = key
	attrs, _ := naming.ForAttributes(name)
	if err := s.putMetadata(ctx, attrs, meta); err != nil {
		log.WithError(err).Warn("record latest hash")
	}
	dto, err := s.toDTO(ctx, meta, entry)
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{Project: dto, Entry: entry, Outcome: outcome, Parameters: report}, nil
}

func (s *Service) produce(ctx context.Context, tok *artifactcache.Token, meta Metadata, incoming *params.Set) ([]artifactcache.Artifact, error) {
	model, err := s.store.Get(ctx, naming.ProjectObjectName(meta.Name))
	if err != nil {
		return nil, fmt.Errorf("load model of %s: %w", meta.Name, err)
	}
	res, err := compute.Run(ctx, s.compute, compute.Request{
		Project:    meta.Name,
		IsAssembly: meta.IsAssembly,
		Model:      model,
		Parameters: incoming,
	}, s.cfg.ComputeTimeout)
	if err != nil {
		return nil, err
	}
	report := res.Report
	if report == nil {
		report = res.Parameters
	}
	reportRaw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode parameter report: %w", err)
	}
	names := tok.Names()
	artifacts := []artifactcache.Artifact{
		{Role: artifactcache.RoleCurrentModel, Name: names.CurrentModel(meta.IsAssembly), Content: res.Model},
		{Role: artifactcache.RoleModelView, Name: names.ModelView(), Content: res.ModelView},
		{Role: artifactcache.RoleParameters, Name: names.Parameters(), Content: reportRaw},
	}
	if len(res.Rfa) > 0 {
		artifacts = append(artifacts, artifactcache.Artifact{Role: artifactcache.RoleRfa, Name: names.Rfa(), Content: res.Rfa})
	}
	return artifacts, nil
}

func (s *Service) loadReport(ctx context.Context, entry artifactcache.Entry) (*params.Set, error) {
	name, ok := entry.Paths[artifactcache.RoleParameters]
	if !ok {
		return params.NewSet(), nil
	}
	raw, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load parameter report: %w", err)
	}
	return params.Parse(raw)
}

// List returns every adopted project sorted by label.
func (s *Service) List(ctx context.Context) ([]DTO, error) {
	names, err := s.store.List(ctx, naming.ProjectsFolder+"-")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := make([]DTO, 0, len(names))
	for _, objectName := range names {
		name, err := naming.ToProjectName(objectName)
		if err != nil {
			s.log.WithError(err).WithField("object", objectName).Warn("skipping unexpected project entry")
			continue
		}
		meta, err := s.Metadata(ctx, name)
		if err != nil {
			s.log.WithError(err).WithField("project", name).Warn("skipping project without metadata")
			continue
		}
		dto, err := s.toDTO(ctx, meta, artifactcache.Entry{})
		if err != nil {
			return nil, err
		}
		out = append(out, dto)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

// Delete removes every blob of each project and returns the names of the
// projects that existed.
func (s *Service) Delete(ctx context.Context, names []string) ([]string, error) {
	var deleted []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if err := naming.ValidateProjectName(name); err != nil {
			return deleted, err
		}
		// the entry goes first so listings drop the project before its blobs
		entryErr := s.store.Delete(ctx, naming.ProjectObjectName(name))
		if entryErr != nil && !errors.Is(entryErr, blob.ErrNotFound) {
			return deleted, fmt.Errorf("delete project %s: %w", name, entryErr)
		}
		removed, err := blob.DeleteByPrefix(ctx, s.store, naming.ProjectMasks(name)...)
		s.cache.Forget(name)
		if err != nil {
			return deleted, fmt.Errorf("delete project %s: %w", name, err)
		}
		if entryErr == nil {
			removed = append(removed, naming.ProjectObjectName(name))
		}
		if len(removed) > 0 {
			deleted = append(deleted, name)
		}
		s.log.WithFields(logrus.Fields{"project": name, "blobs": len(removed)}).Info("project deleted")
	}
	return deleted, nil
}

// ShowParametersChanged reads the bucket-wide flag; it defaults to true.
func (s *Service) ShowParametersChanged(ctx context.Context) (bool, error) {
	raw, err := s.store.Get(ctx, naming.ShowParametersChanged)
	if errors.Is(err, blob.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("decode %s: %w", naming.ShowParametersChanged, err)
	}
	return v, nil
}

func (s *Service) SetShowParametersChanged(ctx context.Context, v bool) error {
	raw, _ := json.Marshal(v)
	return s.store.Put(ctx, naming.ShowParametersChanged, raw)
}

// Blob returns the content of a blob served through the gateway.
func (s *Service) Blob(ctx context.Context, name string) ([]byte, error) {
	return s.store.Get(ctx, name)
}

func (s *Service) toDTO(ctx context.Context, meta Metadata, entry artifactcache.Entry) (DTO, error) {
	attrs, err := naming.ForAttributes(meta.Name)
	if err != nil {
		return DTO{}, err
	}
	dto := DTO{ID: meta.Name, Label: meta.Name, Hash: meta.Hash, IsAssembly: meta.IsAssembly}
	if dto.Image, err = s.urlFor(ctx, attrs.Thumbnail()); err != nil {
		return DTO{}, err
	}
	if view, ok := entry.Paths[artifactcache.RoleModelView]; ok {
		if dto.Svf, err = s.urlFor(ctx, view); err != nil {
			return DTO{}, err
		}
	}
	return dto, nil
}

func (s *Service) urlFor(ctx context.Context, name string) (string, error) {
	u, err := s.store.GetURL(ctx, name)
	if err != nil {
		return "", fmt.Errorf("url for %s: %w", name, err)
	}
	if u != "" {
		return u, nil
	}
	return s.cfg.BlobRoute + url.PathEscape(name), nil
}
