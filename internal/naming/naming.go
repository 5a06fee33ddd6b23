// Package naming maps projects and cache keys onto blob names. The blob store
// has no folders, so folders are emulated with dash-joined prefixes:
//
//	projects-<project>
//	attributes-<project>-thumbnail.png
//	cache-<project>-<key>-model-view.zip
//	downloads-<project>-...
package naming

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	ProjectsFolder   = "projects"
	CacheFolder      = "cache"
	DownloadsFolder  = "downloads"
	AttributesFolder = "attributes"

	// ShowParametersChanged is a bucket-wide flag, not owned by any project.
	ShowParametersChanged = "showparameterschanged.json"
)

// Local file names used as name suffixes.
const (
	Thumbnail     = "thumbnail.png"
	Metadata      = "metadata.json"
	ModelView     = "model-view.zip"
	Parameters    = "parameters.json"
	AssemblyModel = "model.zip"
	PartModel     = "model.ipt"
	Rfa           = "result.rfa"
	Manifest      = "manifest.json"
	SourceModel   = "source"
)

var (
	ErrInvalidProjectName = errors.New("invalid project name")
	ErrInvalidCacheKey    = errors.New("invalid cache key")
)

// Project names cannot contain '-', which keeps every prefix below injective:
// "cache-foo-" can never match an object owned by "foo-bar" or "foobar".
var (
	projectNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	cacheKeyRe    = regexp.MustCompile(`^[0-9a-f]{8,64}$`)
)

func ValidateProjectName(name string) error {
	if !projectNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidProjectName, name)
	}
	return nil
}

func ValidateCacheKey(key string) error {
	if !cacheKeyRe.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidCacheKey, key)
	}
	return nil
}

// ProjectObjectName is the listing entry for a project.
func ProjectObjectName(project string) string {
	return ProjectsFolder + "-" + project
}

// ToProjectName extracts the project name from its listing entry.
func ToProjectName(objectName string) (string, error) {
	prefix := ProjectsFolder + "-"
	if !strings.HasPrefix(objectName, prefix) {
		return "", fmt.Errorf("%w: object %q is not a project entry", ErrInvalidProjectName, objectName)
	}
	name := strings.TrimPrefix(objectName, prefix)
	if err := ValidateProjectName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ProjectMasks returns the prefixes matching every object owned by project,
// across all cache keys. The project entry itself is not included.
func ProjectMasks(project string) []string {
	return []string{
		AttributesFolder + "-" + project + "-",
		CacheFolder + "-" + project + "-",
		DownloadsFolder + "-" + project + "-",
	}
}

// OwnsName reports whether objectName belongs to project.
func OwnsName(project, objectName string) bool {
	if objectName == ProjectObjectName(project) {
		return true
	}
	for _, mask := range ProjectMasks(project) {
		if strings.HasPrefix(objectName, mask) {
			return true
		}
	}
	return false
}

type converter struct {
	prefix string
}

func (c converter) full(fileName string) string {
	return c.prefix + "-" + fileName
}

// CacheNames names the artifacts produced for one parameter set.
type CacheNames struct {
	converter
	project string
	key     string
}

// ForCache returns the names for (project, key). It fails fast on a
// malformed project name or key.
func ForCache(project, key string) (CacheNames, error) {
	if err := ValidateProjectName(project); err != nil {
		return CacheNames{}, err
	}
	if err := ValidateCacheKey(key); err != nil {
		return CacheNames{}, err
	}
	return CacheNames{
		converter: converter{prefix: CacheFolder + "-" + project + "-" + key},
		project:   project,
		key:       key,
	}, nil
}

func (n CacheNames) Project() string { return n.project }
func (n CacheNames) Key() string     { return n.key }

// Prefix matches every artifact for this key.
func (n CacheNames) Prefix() string { return n.prefix + "-" }

func (n CacheNames) CurrentModel(isAssembly bool) string {
	if isAssembly {
		return n.full(AssemblyModel)
	}
	return n.full(PartModel)
}

func (n CacheNames) ModelView() string  { return n.full(ModelView) }
func (n CacheNames) Parameters() string { return n.full(Parameters) }
func (n CacheNames) Rfa() string        { return n.full(Rfa) }

// Downloads is a sub-prefix for generated downloadable files.
func (n CacheNames) Downloads() string { return n.full(DownloadsFolder) }

// Manifest is written last; its presence marks the entry ready.
func (n CacheNames) Manifest() string { return n.full(Manifest) }

// AttributeNames names the parameter-independent project files.
type AttributeNames struct {
	converter
}

func ForAttributes(project string) (AttributeNames, error) {
	if err := ValidateProjectName(project); err != nil {
		return AttributeNames{}, err
	}
	return AttributeNames{converter{prefix: AttributesFolder + "-" + project}}, nil
}

func (n AttributeNames) Thumbnail() string { return n.full(Thumbnail) }
func (n AttributeNames) Metadata() string  { return n.full(Metadata) }

// SourceModel holds the model as originally adopted.
func (n AttributeNames) SourceModel() string { return n.full(SourceModel) }

// SplitCacheName splits a cache object name owned by project into its cache
// key and file suffix.
func SplitCacheName(project, objectName string) (key, suffix string, ok bool) {
	prefix := CacheFolder + "-" + project + "-"
	if !strings.HasPrefix(objectName, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(objectName, prefix)
	key, suffix, ok = strings.Cut(rest, "-")
	if !ok || key == "" || suffix == "" {
		return "", "", false
	}
	return key, suffix, true
}
