package dockerbuild

import (
	"bufio"
	"bytes"
	"debug/buildinfo"
	"os"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
)

// Manifest is a parsed go.mod together with the go.sum entries resolving it.
type Manifest struct {
	Module    string
	GoVersion string

	// Requires maps each required module path to the version go.mod selects,
	// after applying replace directives.
	Requires map[string]module.Version

	// sums holds the "path version" pairs present in go.sum.
	// A "/go.mod" suffix on the version is stripped.
	sums map[module.Version]bool
}

// LoadManifest reads and parses the go.mod and go.sum files.
func LoadManifest(spec ManifestSpec) (*Manifest, error) {
	modData, err := os.ReadFile(spec.GoMod.String())
	if err != nil {
		return nil, errors.Wrap(err, "read go.mod")
	}
	mod, err := modfile.Parse(spec.GoMod.String(), modData, nil)
	if err != nil {
		return nil, errors.Wrap(err, "parse go.mod")
	}
	if mod.Module == nil {
		return nil, errors.Newf("%s: missing module directive", spec.GoMod)
	}

	m := &Manifest{
		Module:   mod.Module.Mod.Path,
		Requires: make(map[string]module.Version, len(mod.Require)),
		sums:     make(map[module.Version]bool),
	}
	if mod.Go != nil {
		m.GoVersion = mod.Go.Version
	}
	for _, req := range mod.Require {
		m.Requires[req.Mod.Path] = req.Mod
	}
	for _, rep := range mod.Replace {
		cur, ok := m.Requires[rep.Old.Path]
		if !ok || (rep.Old.Version != "" && rep.Old.Version != cur.Version) {
			continue
		}
		m.Requires[rep.Old.Path] = rep.New
	}

	sumData, err := os.ReadFile(spec.GoSum.String())
	if errors.Is(err, os.ErrNotExist) && len(m.Requires) == 0 {
		// A module without dependencies needs no go.sum.
		return m, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "read go.sum")
	}
	if err := m.parseSums(sumData); err != nil {
		return nil, errors.Wrapf(err, "parse %s", spec.GoSum)
	}
	return m, nil
}

func (m *Manifest) parseSums(data []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 || !strings.HasPrefix(fields[2], "h1:") {
			return errors.Newf("line %d: malformed go.sum entry", lineNo)
		}
		version := strings.TrimSuffix(fields[1], "/go.mod")
		m.sums[module.Version{Path: fields[0], Version: version}] = true
	}
	return sc.Err()
}

// Unresolved returns the requirements without a go.sum entry, sorted by path.
// Requirements replaced by a local directory need no entry.
func (m *Manifest) Unresolved() []module.Version {
	var missing []module.Version
	for _, mod := range m.Requires {
		if mod.Version == "" {
			continue
		}
		if !m.sums[mod] {
			missing = append(missing, mod)
		}
	}
	slices.SortFunc(missing, func(a, b module.Version) int {
		return strings.Compare(a.Path, b.Path)
	})
	return missing
}

// Check reports an ErrUnresolved error if any requirement is unresolved.
func (m *Manifest) Check() error {
	missing := m.Unresolved()
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, len(missing))
	for i, mod := range missing {
		names[i] = mod.String()
	}
	return errors.Wrapf(ErrUnresolved, "no go.sum entry for %s", strings.Join(names, ", "))
}

// CheckBinary verifies that the Go executable at path was built from this
// module and links exactly the module versions go.mod requires.
// It returns the executable's embedded build information.
func (m *Manifest) CheckBinary(path HostPath) (*debug.BuildInfo, error) {
	info, err := buildinfo.ReadFile(path.String())
	if err != nil {
		return nil, errors.Wrapf(err, "read build info of %s", path)
	}
	if info.Main.Path != "" && info.Main.Path != m.Module {
		return nil, errors.Wrapf(ErrIncompatible, "%s was built from module %s, not %s", path, info.Main.Path, m.Module)
	}
	if err := m.compareDeps(info.Deps); err != nil {
		return nil, err
	}
	return info, nil
}

// compareDeps checks linked modules against the requirements.
// Modules linked but not listed in go.mod are an error; listed but unlinked
// modules are fine, as not every requirement needs to be compiled in.
func (m *Manifest) compareDeps(deps []*debug.Module) error {
	var mismatches []string
	for _, dep := range deps {
		req, ok := m.Requires[dep.Path]
		if !ok {
			mismatches = append(mismatches, dep.Path+" "+dep.Version+" (not in go.mod)")
			continue
		}
		if req.Version == "" {
			// Replaced by a local directory; there is no version to compare.
			continue
		}
		linked := module.Version{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			linked = module.Version{Path: dep.Replace.Path, Version: dep.Replace.Version}
		}
		if linked != req {
			mismatches = append(mismatches, linked.String()+" (go.mod requires "+req.String()+")")
		}
	}
	if len(mismatches) > 0 {
		slices.Sort(mismatches)
		return errors.Wrapf(ErrIncompatible, "executable links %s", strings.Join(mismatches, ", "))
	}
	return nil
}

// commitInfo extracts the VCS stamp the go command embeds in executables.
func commitInfo(info *debug.BuildInfo) CommitInfo {
	var ci CommitInfo
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			ci.Revision = s.Value
		case "vcs.modified":
			ci.Uncommitted = s.Value == "true"
		}
	}
	return ci
}
