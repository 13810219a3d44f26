// Package toolchain isolates everything the orchestrator knows about the
// external build/deploy tool: command lines, file conventions, scaffold.
package toolchain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"stylus-builder/internal/protocol"
	"stylus-builder/internal/runner"
)

// Placeholders substituted into deploy arguments.
const (
	PlaceholderPrivateKey = "{private_key}"
	PlaceholderEndpoint   = "{endpoint}"
	placeholderCrate      = "{crate}"
)

// Adapter is the narrow surface the orchestrator uses to drive a toolchain.
// An empty Command.Name means the step is skipped.
type Adapter interface {
	EntryPoint() string
	Scaffold() []protocol.ProjectFile
	Prerequisite(dir string) runner.Command
	Lockfile(dir string) runner.Command
	Build(dir string) runner.Command
	Deploy(dir, privateKey, endpoint string) runner.Command
	ArtifactPath(dir string) string
}

// Invocation is a command line as written in a profile file.
type Invocation struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Profile is a data-driven Adapter.
type Profile struct {
	Name            string                 `yaml:"name"`
	Entry           string                 `yaml:"entry_point"`
	Manifest        string                 `yaml:"manifest"`
	Artifact        string                 `yaml:"artifact"`
	Env             []string               `yaml:"env"`
	PrerequisiteCmd Invocation             `yaml:"prerequisite"`
	LockfileCmd     Invocation             `yaml:"lockfile"`
	BuildCmd        Invocation             `yaml:"build"`
	DeployCmd       Invocation             `yaml:"deploy"`
	Files           []protocol.ProjectFile `yaml:"scaffold"`
}

// LoadProfile reads a YAML profile. Fields left empty fall back to the
// built-in cargo-stylus profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read toolchain profile: %w", err)
	}

	p := &Profile{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse toolchain profile %s: %w", path, err)
	}

	def := StylusProfile()
	if p.Name == "" {
		p.Name = filepath.Base(path)
	}
	if p.Entry == "" {
		p.Entry = def.Entry
	}
	if p.Manifest == "" {
		p.Manifest = def.Manifest
	}
	if p.Artifact == "" {
		p.Artifact = def.Artifact
	}
	if p.BuildCmd.Command == "" {
		return nil, fmt.Errorf("toolchain profile %s: build.command is required", path)
	}
	if p.Files == nil {
		p.Files = def.Files
	}
	return p, nil
}

// EntryPoint is the canonical workspace-relative source file.
func (p *Profile) EntryPoint() string { return p.Entry }

// Scaffold returns the default files written around a submitted entry point.
func (p *Profile) Scaffold() []protocol.ProjectFile {
	out := make([]protocol.ProjectFile, len(p.Files))
	copy(out, p.Files)
	return out
}

func (p *Profile) command(step, dir string, inv Invocation) runner.Command {
	if inv.Command == "" {
		return runner.Command{Step: step}
	}
	return runner.Command{
		Step: step,
		Name: inv.Command,
		Args: runner.Args(inv.Args...),
		Dir:  dir,
		Env:  p.Env,
	}
}

func (p *Profile) Prerequisite(dir string) runner.Command {
	return p.command("install-target", dir, p.PrerequisiteCmd)
}

func (p *Profile) Lockfile(dir string) runner.Command {
	return p.command("lockfile", dir, p.LockfileCmd)
}

func (p *Profile) Build(dir string) runner.Command {
	return p.command("build", dir, p.BuildCmd)
}

// Deploy substitutes the credential and endpoint. Any argument carrying the
// credential is marked secret.
func (p *Profile) Deploy(dir, privateKey, endpoint string) runner.Command {
	c := p.command("deploy", dir, Invocation{Command: p.DeployCmd.Command})
	for _, raw := range p.DeployCmd.Args {
		arg := runner.Arg{Value: strings.ReplaceAll(raw, PlaceholderEndpoint, endpoint)}
		if strings.Contains(arg.Value, PlaceholderPrivateKey) {
			arg.Value = strings.ReplaceAll(arg.Value, PlaceholderPrivateKey, privateKey)
			arg.Secret = true
		}
		c.Args = append(c.Args, arg)
	}
	return c
}

// ArtifactPath resolves the artifact location relative to dir. A {crate}
// placeholder is filled from the package name in the workspace manifest.
func (p *Profile) ArtifactPath(dir string) string {
	if !strings.Contains(p.Artifact, placeholderCrate) {
		return p.Artifact
	}
	crate := "stylus_contract"
	if p.Manifest != "" {
		if name, err := CrateName(filepath.Join(dir, p.Manifest)); err == nil && name != "" {
			crate = name
		}
	}
	return strings.ReplaceAll(p.Artifact, placeholderCrate, crate)
}

type cargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Lib struct {
		Name string `toml:"name"`
	} `toml:"lib"`
}

// CrateName returns the library target name cargo uses for output files.
func CrateName(manifestPath string) (string, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", err
	}
	var m cargoManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse %s: %w", filepath.Base(manifestPath), err)
	}
	name := m.Lib.Name
	if name == "" {
		name = m.Package.Name
	}
	return strings.ReplaceAll(name, "-", "_"), nil
}
