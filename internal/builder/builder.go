// Package builder sequences a build: load the profile, fingerprint every
// translation unit, compile the cache misses in parallel and link the result.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/qobs-build/hashbuild/internal/builder/gen"
	"github.com/qobs-build/hashbuild/internal/config"
	"github.com/qobs-build/hashbuild/internal/fingerprint"
	"github.com/qobs-build/hashbuild/internal/msg"
	"github.com/qobs-build/hashbuild/internal/objcache"
	"github.com/qobs-build/hashbuild/internal/toolchain"
)

var (
	errCantRunLib = errors.New("can't run a shared library target (profile.shared is true)")
)

const (
	GeneratorHashbuild = "hashbuild"
	GeneratorNinja     = "ninja"

	TempDir    = "temp"
	OutputsDir = "outputs"
	depsDir    = "deps"
)

// Toolchain runs the external compiler. *toolchain.Exec is the real one.
type Toolchain interface {
	Compile(ctx context.Context, r toolchain.CompileRequest) (int, error)
	Link(ctx context.Context, r toolchain.LinkRequest) (int, error)
	Preprocess(ctx context.Context, r toolchain.CompileRequest) ([]byte, error)
	Shell(ctx context.Context, dir, command string) (int, error)
}

type Options struct {
	// Jobs limits concurrent compiles; zero means DefaultJobs
	Jobs int
	// Verify checks cached objects against their integrity marker
	Verify bool
	// StrictLink makes a failed link an error
	StrictLink bool
	// CacheDir overrides temp/outputs, relative paths are against the project
	CacheDir  string
	Generator string
	// Toolchain defaults to toolchain.NewExec()
	Toolchain Toolchain
}

// CompileError is a non-zero compiler exit status for one unit
type CompileError struct {
	Unit   string
	Status int
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("failed to build %q: compiler exited with status %d", e.Unit, e.Status)
}

func (e *CompileError) ExitStatus() int { return e.Status }

// LinkError is a non-zero linker exit status
type LinkError struct {
	Output string
	Status int
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("failed to link %q: linker exited with status %d", e.Output, e.Status)
}

func (e *LinkError) ExitStatus() int { return e.Status }

type Outcome int

const (
	AllCached Outcome = iota
	BuiltSomeLinkedOk
	BuildFailed
	LinkFailed
)

func (o Outcome) String() string {
	switch o {
	case AllCached:
		return "all cached"
	case BuiltSomeLinkedOk:
		return "built"
	case BuildFailed:
		return "build failed"
	case LinkFailed:
		return "link failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// UnitResult is what happened to one translation unit
type UnitResult struct {
	Unit        string
	Fingerprint fingerprint.Fingerprint
	Status      objcache.Status
}

// Report summarizes a build
type Report struct {
	Outcome Outcome
	// Units has one entry per unit in discovery order. After a failed build
	// only the units whose object exists are listed.
	Units []UnitResult
	// Compiled counts units whose object this run compiled
	Compiled   int
	Artifact   string
	LinkStatus int
	// Failed is set when Outcome is BuildFailed because of the compiler
	Failed *CompileError
}

type Builder struct {
	profile  *config.Profile
	basedir  string
	env      config.ConfigEnv
	opts     Options
	tc       Toolchain
	compiler string
	includes []string
}

// DefaultJobs is the number of logical cores
func DefaultJobs() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// NewBuilderInDirectory loads the named profile from the project at path. A
// missing profile file or profile is returned before anything else happens.
func NewBuilderInDirectory(path, profileName string, opts Options) (*Builder, error) {
	var err error
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	profile, err := config.Load(path, profileName)
	if err != nil {
		return nil, err
	}

	env := config.NewConfigEnv(path)
	env.Profile = profile.Name

	if opts.Toolchain == nil {
		opts.Toolchain = toolchain.NewExec()
	}
	if opts.Generator == "" {
		opts.Generator = GeneratorHashbuild
	}

	compiler := profile.Compiler
	if compiler == "" {
		compiler = toolchain.FindCompiler()
	}

	b := &Builder{
		profile:  profile,
		basedir:  path,
		env:      env,
		opts:     opts,
		tc:       opts.Toolchain,
		compiler: compiler,
	}

	// dependencies fetched by an earlier run already count for fingerprints
	depIncludes, err := dependencyIncludeDirs(path, b.depsDir(), profile.Dependencies, false)
	if err != nil {
		return nil, err
	}
	b.includes = append(slices.Clone(profile.Includes), depIncludes...)
	return b, nil
}

func (b *Builder) Profile() *config.Profile { return b.profile }

func (b *Builder) tempDir() string { return filepath.Join(b.basedir, TempDir) }

func (b *Builder) depsDir() string { return filepath.Join(b.tempDir(), depsDir) }

// CacheDir is where objects are kept
func (b *Builder) CacheDir() string {
	switch {
	case b.opts.CacheDir == "":
		return filepath.Join(b.tempDir(), OutputsDir)
	case filepath.IsAbs(b.opts.CacheDir):
		return b.opts.CacheDir
	default:
		return filepath.Join(b.basedir, b.opts.CacheDir)
	}
}

// Artifact is the path of the linked output
func (b *Builder) Artifact() string {
	return filepath.Join(b.tempDir(), b.profile.Output)
}

// IncludeDirs is the include search order used for compiling and fingerprinting
func (b *Builder) IncludeDirs() []string { return b.includes }

func (b *Builder) jobs() int {
	if b.opts.Jobs > 0 {
		return b.opts.Jobs
	}
	return DefaultJobs()
}

func (b *Builder) compileRequest(src, out string) toolchain.CompileRequest {
	return toolchain.CompileRequest{
		Compiler: b.compiler,
		Source:   src,
		Output:   out,
		Defines:  b.profile.Defines,
		Includes: b.includes,
		Cflags:   b.profile.Cflags,
		Shared:   b.profile.Shared,
	}
}

// prepare runs the build script and prebuild commands, fetches dependencies
// and creates the output directories
func (b *Builder) prepare(ctx context.Context) error {
	p := b.profile
	msg.Step("Using build profile %s", p.Name)

	if err := p.RunScript(b.env); err != nil {
		return err
	}

	for _, command := range p.Prebuild {
		msg.Step("Run command: %s", command)
		status, err := b.tc.Shell(ctx, b.basedir, command)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if err != nil {
			msg.Warn("prebuild command %q could not run: %v", command, err)
		} else if status != 0 {
			msg.Warn("prebuild command %q exited with status %d", command, status)
		}
	}

	if err := os.MkdirAll(b.tempDir(), 0o755); err != nil {
		return err
	}

	if len(p.Dependencies) > 0 {
		if err := os.MkdirAll(b.depsDir(), 0o755); err != nil {
			return err
		}
		depIncludes, err := dependencyIncludeDirs(b.basedir, b.depsDir(), p.Dependencies, true)
		if err != nil {
			return err
		}
		b.includes = append(slices.Clone(p.Includes), depIncludes...)
	}

	msg.Log.Debug("include dirs", "dirs", strings.Join(b.includes, ", "))
	msg.Log.Debug("defines", "defines", strings.Join(p.Defines, ", "))
	if b.compiler == "" {
		msg.Warn("no C compiler found, set CC or the profile's compiler")
	} else {
		msg.Step("C compiler: %s", b.compiler)
	}
	return nil
}

// Fingerprint fingerprints one unit according to the profile's mode
func (b *Builder) Fingerprint(ctx context.Context, unit string) (fingerprint.Result, error) {
	if b.profile.Fingerprint != config.FingerprintCompiler {
		return fingerprint.Of(unit, b.includes)
	}

	out, err := b.tc.Preprocess(ctx, b.compileRequest(unit, ""))
	if err != nil {
		return fingerprint.Result{}, err
	}
	return fingerprint.Result{
		Fingerprint: fingerprint.Sum(out),
		Touched:     []string{filepath.Dir(fingerprint.Normalize(unit))},
	}, nil
}

// scan discovers the units and fingerprints them in parallel
func (b *Builder) scan(ctx context.Context) ([]string, []fingerprint.Fingerprint, error) {
	msg.Step("Enumerate and hash files")
	units, err := Discover(b.profile.Sources, b.profile.Extension)
	if err != nil {
		return nil, nil, err
	}
	if len(units) == 0 {
		msg.Warn("no %s files found in %s", b.profile.Extension, strings.Join(b.profile.Sources, ", "))
	}

	fps := make([]fingerprint.Fingerprint, len(units))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(b.jobs())
	for i, unit := range units {
		eg.Go(func() error {
			res, err := b.Fingerprint(gctx, unit)
			if err != nil {
				return fmt.Errorf("failed to fingerprint %s: %w", unit, err)
			}
			msg.Log.Debug("fingerprint", "unit", unit, "fingerprint", res.Fingerprint.Short())
			fps[i] = res.Fingerprint
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	return units, fps, nil
}

// Build runs the whole pipeline. The report is returned even on failure when
// the build got far enough to produce one.
func (b *Builder) Build(ctx context.Context) (*Report, error) {
	if err := b.prepare(ctx); err != nil {
		return nil, err
	}

	cache, err := objcache.New(b.CacheDir(), b.opts.Verify)
	if err != nil {
		return nil, err
	}

	units, fps, err := b.scan(ctx)
	if err != nil {
		return nil, err
	}

	if b.opts.Generator == GeneratorNinja {
		return b.buildNinja(ctx, cache, units, fps)
	}

	report := &Report{Artifact: b.Artifact()}
	if err := b.compileAll(ctx, cache, units, fps, report); err != nil {
		return report, err
	}
	return report, b.link(ctx, cache, fps, report)
}

// compileAll builds every cache miss. The first compile failure cancels the
// group: no further unit starts and running compilers are killed.
func (b *Builder) compileAll(ctx context.Context, cache *objcache.Cache, units []string, fps []fingerprint.Fingerprint, report *Report) error {
	msg.Step("Build items")
	report.Units = make([]UnitResult, len(units))
	total := len(units)

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(b.jobs())
	for i, unit := range units {
		if gctx.Err() != nil {
			break
		}
		fp := fps[i]
		eg.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			status, err := cache.Build(fp, func(tmpPath string) error {
				msg.Progress(i+1, total, "Building", unit)
				st, err := b.tc.Compile(gctx, b.compileRequest(unit, tmpPath))
				if err != nil {
					return err
				}
				if st != 0 {
					return &CompileError{Unit: unit, Status: st}
				}
				return nil
			})
			if err != nil {
				return err
			}
			report.Units[i] = UnitResult{Unit: unit, Fingerprint: fp, Status: status}

			switch status {
			case objcache.Hit:
				msg.Progress(i+1, total, "Skipping", unit)
			case objcache.Joined:
				msg.Progress(i+1, total, "Sharing", unit)
			}
			return nil
		})
	}

	err := eg.Wait()
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		report.Outcome = BuildFailed
		report.Units = slices.DeleteFunc(report.Units, func(res UnitResult) bool {
			return res.Unit == "" // failed or never started
		})
		var compileErr *CompileError
		if errors.As(err, &compileErr) {
			report.Failed = compileErr
			msg.Error("failed to build %q", compileErr.Unit)
		}
		return err
	}

	for _, res := range report.Units {
		if res.Status == objcache.Built {
			report.Compiled++
		}
	}
	return nil
}

// link always runs, even when every object was cached, so that a deleted
// artifact comes back
func (b *Builder) link(ctx context.Context, cache *objcache.Cache, fps []fingerprint.Fingerprint, report *Report) error {
	objects := make([]string, len(fps))
	for i, fp := range fps {
		objects[i] = cache.ObjectPath(fp)
	}

	msg.Step("Linking binary")
	status, err := b.tc.Link(ctx, toolchain.LinkRequest{
		Compiler: b.compiler,
		Objects:  objects,
		Links:    b.profile.Links,
		Ldflags:  b.profile.Ldflags,
		Output:   report.Artifact,
		Shared:   b.profile.Shared,
	})
	if err != nil {
		report.Outcome = LinkFailed
		return fmt.Errorf("failed to run linker: %w", err)
	}

	report.LinkStatus = status
	if status != 0 {
		report.Outcome = LinkFailed
		msg.Error("failed to link binary (status %d)", status)
		if b.opts.StrictLink {
			return &LinkError{Output: report.Artifact, Status: status}
		}
		return nil
	}

	if report.Compiled == 0 {
		report.Outcome = AllCached
	} else {
		report.Outcome = BuiltSomeLinkedOk
	}
	msg.Info("%s (%d compiled, %d cached)", report.Artifact, report.Compiled, len(fps)-report.Compiled)
	return nil
}

// runNinja is swapped out in tests
var runNinja = gen.Invoke

func (b *Builder) ninjaGen(cache *objcache.Cache, units []string, fps []fingerprint.Fingerprint) *gen.NinjaGen {
	var cflags []string
	cflags = append(cflags, b.profile.Cflags...)
	for _, define := range b.profile.Defines {
		cflags = append(cflags, "-D"+define)
	}
	for _, include := range b.includes {
		cflags = append(cflags, "-I"+include)
	}

	g := gen.NewNinjaGen(b.compiler)
	g.SetFlags(cflags, b.profile.Ldflags, b.profile.Links, b.profile.Shared)
	for i, unit := range units {
		obj, err := filepath.Rel(b.tempDir(), cache.ObjectPath(fps[i]))
		if err != nil {
			obj = cache.ObjectPath(fps[i])
		}
		g.AddUnit(unit, obj)
	}
	g.SetOutput(b.profile.Output)
	return g
}

// NinjaFile writes build.ninja for the units and returns its path. Objects are
// named by fingerprint inside the cache directory.
func (b *Builder) NinjaFile(cache *objcache.Cache, units []string, fps []fingerprint.Fingerprint) (string, error) {
	return b.ninjaGen(cache, units, fps).Write(b.tempDir())
}

// Generate prepares the project and writes build.ninja without building
func (b *Builder) Generate(ctx context.Context) (string, error) {
	if err := b.prepare(ctx); err != nil {
		return "", err
	}
	cache, err := objcache.New(b.CacheDir(), b.opts.Verify)
	if err != nil {
		return "", err
	}
	units, fps, err := b.scan(ctx)
	if err != nil {
		return "", err
	}
	for _, fp := range fps {
		cache.Has(fp) // drops corrupt entries so ninja rebuilds them
	}
	return b.NinjaFile(cache, units, fps)
}

// buildNinja lets ninja compile the missing objects and then links in-process,
// so link failures and exit statuses behave as in a regular build
func (b *Builder) buildNinja(ctx context.Context, cache *objcache.Cache, units []string, fps []fingerprint.Fingerprint) (*Report, error) {
	report := &Report{Artifact: b.Artifact(), Units: make([]UnitResult, len(units))}
	for i, fp := range fps {
		status := objcache.Built
		if cache.Has(fp) {
			status = objcache.Hit
		} else {
			// a marker without an object belongs to an interrupted run
			cache.Remove(fp)
		}
		os.Remove(cache.ObjectPath(fp) + gen.StatusExt)
		report.Units[i] = UnitResult{Unit: units[i], Fingerprint: fp, Status: status}
	}

	g := b.ninjaGen(cache, units, fps)
	path, err := g.Write(b.tempDir())
	if err != nil {
		return nil, err
	}

	if objects := g.Objects(); len(objects) > 0 {
		msg.Step("Run ninja: %s", path)
		if err := runNinja(ctx, b.tempDir(), objects...); err != nil {
			report.Outcome = BuildFailed
			report.Units = b.builtUnits(cache, report.Units)
			if ctx.Err() != nil {
				return report, context.Cause(ctx)
			}
			if errors.Is(err, gen.ErrNinjaNotFound) {
				return report, err
			}
			if compileErr := b.ninjaFailure(cache, units, fps, err); compileErr != nil {
				report.Failed = compileErr
				msg.Error("failed to build %q", compileErr.Unit)
				return report, compileErr
			}
			return report, err
		}
	}

	for _, res := range report.Units {
		if err := cache.Adopt(res.Fingerprint); errors.Is(err, objcache.ErrCorrupt) {
			msg.Warn("cache entry %s does not match its integrity marker", res.Fingerprint.Short())
		} else if err != nil {
			return report, fmt.Errorf("ninja left no object for %s: %w", res.Unit, err)
		}
		if res.Status == objcache.Built {
			report.Compiled++
		}
	}
	return report, b.link(ctx, cache, fps, report)
}

// builtUnits keeps the results whose object exists
func (b *Builder) builtUnits(cache *objcache.Cache, results []UnitResult) []UnitResult {
	var kept []UnitResult
	for _, res := range results {
		if _, err := os.Stat(cache.ObjectPath(res.Fingerprint)); err == nil {
			kept = append(kept, res)
		}
	}
	return kept
}

// ninjaFailure finds the unit whose compile failed under ninja. The compile
// rule leaves the compiler's status next to the object; without it the first
// unit still missing its object is blamed with ninja's own status.
func (b *Builder) ninjaFailure(cache *objcache.Cache, units []string, fps []fingerprint.Fingerprint, err error) *CompileError {
	status := 1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		status = exitErr.ExitCode()
	}

	missing := -1
	for i, fp := range fps {
		obj := cache.ObjectPath(fp)
		if _, statErr := os.Stat(obj); statErr == nil {
			continue
		}
		data, readErr := os.ReadFile(obj + gen.StatusExt)
		if readErr != nil {
			if missing < 0 {
				missing = i
			}
			continue
		}
		os.Remove(obj + gen.StatusExt)
		if st, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil && st > 0 {
			status = st
		}
		return &CompileError{Unit: units[i], Status: status}
	}
	if missing >= 0 {
		return &CompileError{Unit: units[missing], Status: status}
	}
	return nil
}

// BuildAndRun builds and then executes the artifact with args
func (b *Builder) BuildAndRun(ctx context.Context, args []string) error {
	if b.profile.Shared {
		return errCantRunLib
	}

	report, err := b.Build(ctx)
	if err != nil {
		return err
	}
	if report.Outcome == LinkFailed {
		return &LinkError{Output: report.Artifact, Status: report.LinkStatus}
	}

	cmd := exec.CommandContext(ctx, report.Artifact, args...)
	cmd.Dir = b.basedir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
