// Package config loads a project tree's ".kiln/" directory into a
// validated *model.Project (C5's external collaborator boundary, §6 of
// SPEC_FULL.md): the core never touches YAML directly, only the
// records this package hands back.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kilnforge/kiln/pkg/dag"
	"github.com/kilnforge/kiln/pkg/model"
)

// Load reads root's ".kiln/" tree and returns a validated project.
// KILN_CONFIG, when set, overrides the location of the root config
// document — a local path or an http(s) URL — in place of the default
// "<root>/.kiln/config".
func Load(root string, logger *slog.Logger) (*model.Project, error) {
	dotDir := filepath.Join(root, ".kiln")

	versionContent, err := os.ReadFile(filepath.Join(dotDir, "version"))
	if err != nil {
		return nil, fmt.Errorf("config: reading version: %w", err)
	}
	version, err := model.ParseVersion(string(versionContent))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	configLocation := os.Getenv("KILN_CONFIG")
	if configLocation == "" {
		configLocation = filepath.Join(dotDir, "config")
	}
	configContent, err := readConfigLocation(configLocation)
	if err != nil {
		return nil, fmt.Errorf("config: reading config: %w", err)
	}
	var rc rootConfig
	if err := yaml.Unmarshal(configContent, &rc); err != nil {
		return nil, fmt.Errorf("config: parsing config: %w", err)
	}

	logExtensions(dotDir, logger)

	p := &model.Project{
		Version:      version,
		DefaultEnv:   rc.DefaultEnv,
		Sources:      map[string]*model.Source{},
		Results:      map[string]*model.Result{},
		ChrootGroups: map[string]*model.ChrootGroup{},
		Licences:     map[string]*model.Licence{},
		Environments: map[string]*model.Environment{},
		Servers:      map[string]*model.Server{},
	}

	for _, s := range rc.Servers {
		p.Servers[s.Name] = &model.Server{
			Name:            s.Name,
			URL:             s.URL,
			Cachable:        s.Cachable,
			CacheLocally:    s.CacheLocally,
			IsLocal:         s.IsLocal,
			Writeback:       s.Writeback,
			PushPermissions: s.PushPermissions,
		}
	}

	if err := loadEnvironments(filepath.Join(dotDir, "env"), p); err != nil {
		return nil, err
	}
	if err := loadLicences(filepath.Join(dotDir, "licences"), p); err != nil {
		return nil, err
	}
	if err := loadChrootGroups(filepath.Join(dotDir, "chroot"), p); err != nil {
		return nil, err
	}
	if err := loadSources(filepath.Join(dotDir, "sources"), p); err != nil {
		return nil, err
	}
	if err := loadResults(filepath.Join(dotDir, "results"), p); err != nil {
		return nil, err
	}

	if err := model.Validate(p, dag.CheckCycles); err != nil {
		return nil, err
	}
	return p, nil
}

// entryNames returns the sorted, extension-stripped base names of every
// "*.yaml" file directly under dir. A missing dir is not an error — most
// entity subtrees are optional.
func entryNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

func readYAML(dir, name string, out any) error {
	content, err := os.ReadFile(filepath.Join(dir, name+".yaml"))
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", name, err)
	}
	if err := yaml.Unmarshal(content, out); err != nil {
		return fmt.Errorf("config: parsing %s: %w", name, err)
	}
	return nil
}

func toFileRefs(records []fileRefRecord) []model.FileRef {
	refs := make([]model.FileRef, len(records))
	for i, r := range records {
		refs[i] = model.FileRef{
			Server:   r.Server,
			Location: r.Location,
			SHA1:     r.SHA1,
			TarType:  r.TarType,
			Unpack:   r.Unpack,
			Patch:    r.Patch,
		}
	}
	return refs
}

func loadEnvironments(dir string, p *model.Project) error {
	names, err := entryNames(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		var rec envRecord
		if err := readYAML(dir, name, &rec); err != nil {
			return err
		}
		env := model.NewEnvironment(name)
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env.Set(k, rec[k])
		}
		p.Environments[name] = env
	}
	return nil
}

func loadLicences(dir string, p *model.Project) error {
	names, err := entryNames(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		var rec licenceRecord
		if err := readYAML(dir, name, &rec); err != nil {
			return err
		}
		p.Licences[name] = &model.Licence{Name: name, Files: toFileRefs(rec.Files)}
	}
	return nil
}

func loadChrootGroups(dir string, p *model.Project) error {
	names, err := entryNames(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		var rec chrootGroupRecord
		if err := readYAML(dir, name, &rec); err != nil {
			return err
		}
		p.ChrootGroups[name] = &model.ChrootGroup{
			Name:            name,
			Files:           toFileRefs(rec.Files),
			GroupIDOverride: rec.GroupIDOverride,
		}
	}
	return nil
}

func loadSources(dir string, p *model.Project) error {
	names, err := entryNames(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		var rec sourceRecord
		if err := readYAML(dir, name, &rec); err != nil {
			return err
		}
		p.Sources[name] = &model.Source{
			Name:        name,
			Type:        model.SourceType(rec.Type),
			Licences:    rec.Licences,
			Env:         rec.Env,
			Server:      rec.Server,
			Location:    rec.Location,
			Branch:      rec.Branch,
			Tag:         rec.Tag,
			CheckRemote: rec.CheckRemote,
			Files:       toFileRefs(rec.Files),
		}
	}
	return nil
}

func loadResults(dir string, p *model.Project) error {
	names, err := entryNames(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		var rec resultRecord
		if err := readYAML(dir, name, &rec); err != nil {
			return err
		}
		var script []byte
		if rec.ScriptFile != "" {
			script, err = os.ReadFile(filepath.Join(dir, rec.ScriptFile))
			if err != nil {
				return fmt.Errorf("config: reading script_file for result %s: %w", name, err)
			}
		}
		p.Results[name] = &model.Result{
			Name:         name,
			Sources:      rec.Sources,
			ChrootGroups: rec.ChrootGroups,
			Depends:      rec.Depends,
			Env:          rec.Env,
			Script:       script,
		}
	}
	return nil
}

// logExtensions reads ".kiln/extensions" if present and logs its
// contents line by line. kiln has no hook-invocation contract for
// extensions — original_source/ for this pack doesn't exist to ground
// one on — so the file is surfaced for operator visibility only, never
// parsed into project state.
func logExtensions(dotDir string, logger *slog.Logger) {
	content, err := os.ReadFile(filepath.Join(dotDir, "extensions"))
	if err != nil {
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(string(content)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		logger.Info("extensions entry present (not executed)", "entry", line)
	}
}

func isRemoteConfigLocation(value string) bool {
	parsed, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return false
	}
	return parsed.Scheme == "http" || parsed.Scheme == "https"
}

func readConfigLocation(location string) ([]byte, error) {
	if isRemoteConfigLocation(location) {
		return readRemoteConfig(location)
	}
	return os.ReadFile(location)
}

func readRemoteConfig(location string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching remote config %s: status=%d", location, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
