package wrapper

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/compcache/compcache/pkg/filesys"
	"github.com/compcache/compcache/pkg/sys"
)

// maxResponseDepth bounds recursive response-file expansion so that a
// self-referencing file fails instead of looping.
const maxResponseDepth = 16

// GCC is the wrapper for GCC and Clang family C/C++ compilers.
type GCC struct {
	inv  Invocation
	opts options

	mode     CompatMode
	resolved []string

	implicit      []string
	implicitKnown bool

	programID string
}

// NewGCC creates a GCC/Clang family wrapper for the invocation.
func NewGCC(inv Invocation, opts ...Option) *GCC {
	g := &GCC{inv: inv}
	for _, opt := range opts {
		opt(&g.opts)
	}
	return g
}

// CanHandleCommand reports whether args[0] names a GCC or Clang family
// compiler driver. Tool drivers with incompatible flag dialects (clang-cl,
// clang-tidy, ...) are rejected.
func (g *GCC) CanHandleCommand() bool {
	name := programName(g.inv.Program())
	if name == "" {
		return false
	}
	if strings.Contains(name, "clang") {
		for _, tool := range []string{"clang-cl", "clang-tidy", "clang-format", "clang-check"} {
			if strings.Contains(name, tool) {
				return false
			}
		}
		return true
	}
	if strings.Contains(name, "gcc") || strings.Contains(name, "g++") {
		return true
	}
	return name == "cc" || name == "c++"
}

// Capabilities implements the Wrapper contract.
func (g *GCC) Capabilities() []string {
	return []string{CapPreprocessSource, CapDirectMode}
}

// UsesDefinesInPreprocess reports whether command-line macro definitions are
// consumed into the preprocessed output. GCC's -fdirectives-only carries -D
// flags into the output text, so a preprocessed-source digest already covers
// them; Clang's -frewrite-includes does not.
func (g *GCC) UsesDefinesInPreprocess() bool {
	return g.mode == CompatGcc
}

// ResolveArgs expands response files and fixes the compatibility mode. It
// must be called exactly once, before any query method.
func (g *GCC) ResolveArgs() error {
	if g.mode != CompatNotSpecified {
		return errors.New("invocation is already resolved")
	}
	if len(g.inv.Args()) == 0 {
		return errors.New("empty invocation")
	}

	mode := g.detectCompatMode()

	args := g.inv.Args()
	resolved := []string{args[0]}
	for _, arg := range args[1:] {
		expanded, err := expandArg(arg, 0)
		if err != nil {
			return err
		}
		resolved = append(resolved, expanded...)
	}

	// An explicit driver mode override always means the Clang driver.
	for _, arg := range resolved[1:] {
		if strings.HasPrefix(arg, "--driver-mode=") {
			mode = CompatClang
			break
		}
	}

	g.resolved = resolved
	g.mode = mode
	log.Debug().Stringer("compat_mode", mode).Int("args", len(resolved)).Msg("resolved compiler invocation")
	return nil
}

// detectCompatMode classifies the compiler dialect from the program name.
func (g *GCC) detectCompatMode() CompatMode {
	if strings.Contains(programName(g.inv.Program()), "clang") {
		return CompatClang
	}
	return CompatGcc
}

// programName returns the lower-cased file part of a compiler path, without
// a Windows executable extension.
func programName(prog string) string {
	name := strings.ToLower(filesys.FilePart(prog))
	return strings.TrimSuffix(name, ".exe")
}

// expandArg expands a single argument token, recursively substituting
// response-file references.
func expandArg(arg string, depth int) ([]string, error) {
	if !strings.HasPrefix(arg, "@") {
		return []string{arg}, nil
	}
	return parseResponseFile(strings.TrimPrefix(arg, "@"), depth)
}

// parseResponseFile reads a response file, tokenizes it with shell quoting
// rules and recursively expands nested response-file references. Any failure
// is a ParseError that aborts key derivation for the whole invocation.
func parseResponseFile(file string, depth int) ([]string, error) {
	if depth >= maxResponseDepth {
		return nil, &ParseError{File: file, Cause: errors.New("response files nested too deeply")}
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, &ParseError{File: file, Cause: err}
	}

	tokens, err := shlex.Split(string(data))
	if err != nil {
		return nil, &ParseError{File: file, Cause: err}
	}

	var expanded []string
	for _, token := range tokens {
		nested, err := expandArg(token, depth+1)
		if err != nil {
			return nil, err
		}
		expanded = append(expanded, nested...)
	}
	return expanded, nil
}

// argKind classifies a resolved argument.
type argKind int

const (
	// argRelevant tokens affect compiled output and belong in the cache key.
	argRelevant argKind = iota
	// argDefine tokens are -D macro definitions; their key relevance depends
	// on the preprocess mode.
	argDefine
	// argInput tokens name source files.
	argInput
	// argIgnored tokens only affect local filesystem paths or build
	// metadata (-o, -MF, ...) and never belong in the cache key.
	argIgnored
)

// argEntry is one classified argument, possibly spanning two tokens
// (e.g. "-o out.o").
type argEntry struct {
	tokens []string
	kind   argKind
}

// parsedArgs is the result of classifying a resolved argument list.
type parsedArgs struct {
	entries    []argEntry
	inputs     []string
	objectPath string
	depPath    string
	depEnabled bool
	coverage   bool
	hasCompile bool
}

// twoTokenRelevant lists flags whose value is a separate token and whose
// value affects compiled output.
var twoTokenRelevant = map[string]bool{
	"-I": true, "-isystem": true, "-iquote": true, "-idirafter": true,
	"-include": true, "-imacros": true, "-isysroot": true, "-iprefix": true,
	"--sysroot": true, "-x": true, "-arch": true, "--target": true,
}

// parseArgs walks the resolved argument list in order and classifies every
// token. It is a pure function of its input.
func parseArgs(args []string) parsedArgs {
	var p parsedArgs
	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := func() string {
			if i+1 < len(args) {
				i++
				return args[i]
			}
			return ""
		}

		switch {
		case arg == "-o":
			p.objectPath = next()
			p.entries = append(p.entries, argEntry{tokens: []string{arg, p.objectPath}, kind: argIgnored})
		case strings.HasPrefix(arg, "-o"):
			p.objectPath = arg[2:]
			p.entries = append(p.entries, argEntry{tokens: []string{arg}, kind: argIgnored})
		case arg == "-MF":
			p.depPath = next()
			p.entries = append(p.entries, argEntry{tokens: []string{arg, p.depPath}, kind: argIgnored})
		case strings.HasPrefix(arg, "-MF"):
			p.depPath = arg[3:]
			p.entries = append(p.entries, argEntry{tokens: []string{arg}, kind: argIgnored})
		case arg == "-MT" || arg == "-MQ":
			v := next()
			p.entries = append(p.entries, argEntry{tokens: []string{arg, v}, kind: argIgnored})
		case strings.HasPrefix(arg, "-MT") || strings.HasPrefix(arg, "-MQ"):
			p.entries = append(p.entries, argEntry{tokens: []string{arg}, kind: argIgnored})
		case arg == "-MD" || arg == "-MMD":
			p.depEnabled = true
			p.entries = append(p.entries, argEntry{tokens: []string{arg}, kind: argIgnored})
		case arg == "-D":
			v := next()
			p.entries = append(p.entries, argEntry{tokens: []string{arg, v}, kind: argDefine})
		case strings.HasPrefix(arg, "-D"):
			p.entries = append(p.entries, argEntry{tokens: []string{arg}, kind: argDefine})
		case arg == "-c":
			p.hasCompile = true
			p.entries = append(p.entries, argEntry{tokens: []string{arg}, kind: argRelevant})
		case arg == "--coverage" || arg == "-ftest-coverage" || arg == "-fprofile-arcs":
			p.coverage = true
			p.entries = append(p.entries, argEntry{tokens: []string{arg}, kind: argRelevant})
		case twoTokenRelevant[arg]:
			v := next()
			p.entries = append(p.entries, argEntry{tokens: []string{arg, v}, kind: argRelevant})
		case strings.HasPrefix(arg, "-"):
			p.entries = append(p.entries, argEntry{tokens: []string{arg}, kind: argRelevant})
		default:
			p.inputs = append(p.inputs, arg)
			p.entries = append(p.entries, argEntry{tokens: []string{arg}, kind: argInput})
		}
	}
	return p
}

// RelevantArguments implements the Wrapper contract. Argument order is
// preserved and part of the key, matching compiler semantics where flag order
// can matter. When a preprocessed-source digest participates in the key and
// this family consumes defines during preprocessing, -D flags are dropped to
// avoid double-counting; macro-value changes are still detected through the
// preprocessed text.
func (g *GCC) RelevantArguments() ([]string, error) {
	if g.mode == CompatNotSpecified {
		return nil, ErrNotResolved
	}

	excludeDefines := g.opts.preprocessHash && g.UsesDefinesInPreprocess()

	relevant := []string{}
	for _, entry := range parseArgs(g.resolved[1:]).entries {
		switch entry.kind {
		case argRelevant:
			relevant = append(relevant, entry.tokens...)
		case argDefine:
			if !excludeDefines {
				relevant = append(relevant, entry.tokens...)
			}
		}
	}
	return relevant, nil
}

// gccRelevantEnv lists environment variables the GCC/Clang family consults
// in ways that can change compiled output.
var gccRelevantEnv = []string{
	"CPATH",
	"C_INCLUDE_PATH",
	"CPLUS_INCLUDE_PATH",
	"OBJC_INCLUDE_PATH",
	"GCC_EXEC_PREFIX",
	"COMPILER_PATH",
	"LIBRARY_PATH",
	"SOURCE_DATE_EPOCH",
}

// RelevantEnvVars implements the Wrapper contract.
func (g *GCC) RelevantEnvVars() (map[string]string, error) {
	if g.mode == CompatNotSpecified {
		return nil, ErrNotResolved
	}

	vars := make(map[string]string)
	for _, name := range gccRelevantEnv {
		if value, ok := g.inv.Env(name); ok {
			vars[name] = value
		}
	}
	return vars, nil
}

// InputFiles implements the Wrapper contract.
func (g *GCC) InputFiles() ([]string, error) {
	if g.mode == CompatNotSpecified {
		return nil, ErrNotResolved
	}
	return parseArgs(g.resolved[1:]).inputs, nil
}

// BuildFiles implements the Wrapper contract. Only single-source compile
// (-c) invocations produce cacheable artifacts; anything else is reported as
// an error so the driver falls back to direct execution.
func (g *GCC) BuildFiles() (map[string]BuildFile, error) {
	if g.mode == CompatNotSpecified {
		return nil, ErrNotResolved
	}

	p := parseArgs(g.resolved[1:])
	if !p.hasCompile {
		return nil, errors.New("only compile (-c) invocations are cacheable")
	}
	if len(p.inputs) != 1 {
		return nil, errors.Errorf("expected a single source file, got %d", len(p.inputs))
	}

	object := p.objectPath
	if object == "" {
		object = replaceExtension(filesys.FilePart(p.inputs[0]), ".o")
	}

	files := map[string]BuildFile{
		"object": {Path: object, Required: true},
	}
	if p.depEnabled {
		dep := p.depPath
		if dep == "" {
			dep = replaceExtension(object, ".d")
		}
		files["dep"] = BuildFile{Path: dep}
	}
	if p.coverage {
		files["gcno"] = BuildFile{Path: replaceExtension(object, ".gcno")}
	}
	return files, nil
}

// replaceExtension swaps the final extension of a path (or appends, for
// extension-less paths).
func replaceExtension(path, ext string) string {
	return strings.TrimSuffix(path, filesys.Extension(path)) + ext
}

// ProgramID implements the Wrapper contract. The identity combines the
// resolved absolute compiler path with the version the binary reports, so
// upgrading the compiler in place invalidates prior cache entries.
func (g *GCC) ProgramID(ctx context.Context) (string, error) {
	if g.mode == CompatNotSpecified {
		return "", ErrNotResolved
	}
	if g.programID != "" {
		return g.programID, nil
	}

	prog := g.inv.Program()
	path := prog
	if !strings.ContainsAny(prog, `/\`) {
		resolved, err := exec.LookPath(prog)
		if err != nil {
			return "", errors.Wrapf(err, "unable to locate compiler %s", prog)
		}
		path = resolved
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "unable to resolve compiler path %s", path)
	}
	abs = filesys.CanonicalizePath(abs)

	result, err := sys.Run(ctx, []string{abs, "--version"}, sys.RunOptions{Quiet: true})
	if err != nil {
		return "", errors.Wrap(err, "unable to query the compiler version")
	}
	if result.ExitCode != 0 {
		return "", errors.Errorf("compiler version query failed with exit code %d", result.ExitCode)
	}

	version := result.Stdout
	if i := strings.IndexByte(version, '\n'); i >= 0 {
		version = version[:i]
	}
	g.programID = abs + " " + strings.TrimSpace(version)
	return g.programID, nil
}

// PreprocessSource implements the Wrapper contract. It runs the compiler in
// preprocess-only mode into a staged temporary file and captures implicit
// input files from the include trace on stderr.
func (g *GCC) PreprocessSource(ctx context.Context) (string, error) {
	if g.mode == CompatNotSpecified {
		return "", ErrNotResolved
	}

	tmp, err := filesys.NewTempEntry(filesys.AppendPath(os.TempDir(), "compcache-pp-"), ".i")
	if err != nil {
		return "", err
	}
	defer tmp.Cleanup()

	cmd := g.makePreprocessorCmd(tmp.Path())
	result, err := sys.Run(ctx, cmd, sys.RunOptions{Quiet: true})
	if err != nil {
		return "", errors.Wrap(err, "unable to run the preprocessor")
	}
	if result.ExitCode != 0 {
		return "", errors.Errorf("preprocessing failed with exit code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	data, err := os.ReadFile(tmp.Path())
	if err != nil {
		return "", errors.Wrap(err, "unable to read the preprocessed source")
	}

	g.implicit = parseIncludeTrace(result.Stderr)
	g.implicitKnown = true
	return string(data), nil
}

// stripOutputFlags returns the resolved command with the compile flag and all
// output-path and dependency-file flags removed.
func (g *GCC) stripOutputFlags() []string {
	cmd := []string{g.resolved[0]}
	args := g.resolved[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-c" || arg == "-MD" || arg == "-MMD":
			// Dropped.
		case arg == "-o" || arg == "-MF" || arg == "-MT" || arg == "-MQ":
			i++
		case strings.HasPrefix(arg, "-o"),
			strings.HasPrefix(arg, "-MF"), strings.HasPrefix(arg, "-MT"), strings.HasPrefix(arg, "-MQ"):
			// Dropped.
		default:
			cmd = append(cmd, arg)
		}
	}
	return cmd
}

// makePreprocessorCmd derives a preprocess-only command from the resolved
// invocation: output-path and dependency-file flags are stripped, the
// mode-specific preprocess spelling is appended (GCC and Clang differ here)
// and -H enables the include trace used for implicit input discovery.
func (g *GCC) makePreprocessorCmd(outPath string) []string {
	cmd := g.stripOutputFlags()
	if g.mode == CompatClang {
		cmd = append(cmd, "-frewrite-includes")
	} else {
		cmd = append(cmd, "-fdirectives-only")
	}
	return append(cmd, "-H", "-E", "-o", outPath)
}

// makeDependencyCmd derives a dependency-generation command from the resolved
// invocation. It feeds implicit input discovery when no preprocessor run has
// captured an include trace.
func (g *GCC) makeDependencyCmd(depPath string) []string {
	return append(g.stripOutputFlags(), "-M", "-MF", depPath)
}

// includeTracePatterns recognizes one header path per diagnostic line. The
// table is deliberately extensible: include-trace formats vary between
// compiler versions, and new formats get a new entry here.
var includeTracePatterns = []*regexp.Regexp{
	// GCC/Clang -H: a dot per include depth, a space, then the header path.
	regexp.MustCompile(`^\.+ (.+)$`),
}

// parseIncludeTrace extracts the ordered, de-duplicated list of header paths
// from captured include-trace diagnostic text. Unrecognized lines are
// ignored; lines that look like trace output but match no pattern are logged
// as a coverage gap rather than silently dropped.
func parseIncludeTrace(trace string) []string {
	var files []string
	seen := make(map[string]struct{})

	for _, line := range strings.Split(trace, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		matched := false
		for _, pattern := range includeTracePatterns {
			m := pattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			matched = true
			file := strings.TrimSpace(m[1])
			if _, dup := seen[file]; !dup {
				seen[file] = struct{}{}
				files = append(files, file)
			}
			break
		}
		if !matched && strings.HasPrefix(line, ".") {
			log.Debug().Str("line", line).Msg("unrecognized include trace line")
		}
	}
	return files
}

// ImplicitInputFiles implements the Wrapper contract. A preprocessor run
// captures the list as a side effect; without one, a dependency-generation
// pass discovers the headers so that direct-mode keys still cover them.
func (g *GCC) ImplicitInputFiles(ctx context.Context) ([]string, error) {
	if g.mode == CompatNotSpecified {
		return nil, ErrNotResolved
	}
	if !g.implicitKnown {
		if err := g.discoverImplicitInputs(ctx); err != nil {
			return nil, err
		}
	}
	return append([]string(nil), g.implicit...), nil
}

// discoverImplicitInputs runs the compiler in dependency-generation mode into
// a staged temporary file and extracts the header paths from the make rule.
func (g *GCC) discoverImplicitInputs(ctx context.Context) error {
	tmp, err := filesys.NewTempEntry(filesys.AppendPath(os.TempDir(), "compcache-dep-"), ".d")
	if err != nil {
		return err
	}
	defer tmp.Cleanup()

	cmd := g.makeDependencyCmd(tmp.Path())
	result, err := sys.Run(ctx, cmd, sys.RunOptions{Quiet: true})
	if err != nil {
		return errors.Wrap(err, "unable to run dependency generation")
	}
	if result.ExitCode != 0 {
		return errors.Errorf("dependency generation failed with exit code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	data, err := os.ReadFile(tmp.Path())
	if err != nil {
		return errors.Wrap(err, "unable to read the dependency file")
	}

	g.implicit = parseDepFile(string(data), parseArgs(g.resolved[1:]).inputs)
	g.implicitKnown = true
	return nil
}

// parseDepFile extracts dependency paths from a make-rule dependency file.
// Backslash-newline continuations are joined, "\ " escapes inside paths are
// honored and the sources named on the command line are excluded, leaving the
// implicit inputs.
func parseDepFile(content string, explicit []string) []string {
	content = strings.ReplaceAll(content, "\\\r\n", " ")
	content = strings.ReplaceAll(content, "\\\n", " ")
	if i := strings.IndexByte(content, ':'); i >= 0 {
		content = content[i+1:]
	}

	named := make(map[string]struct{}, len(explicit))
	for _, in := range explicit {
		named[in] = struct{}{}
	}

	var files []string
	seen := make(map[string]struct{})
	var token strings.Builder
	flush := func() {
		if token.Len() == 0 {
			return
		}
		file := token.String()
		token.Reset()
		if _, dup := seen[file]; dup {
			return
		}
		if _, src := named[file]; src {
			return
		}
		seen[file] = struct{}{}
		files = append(files, file)
	}
	for i := 0; i < len(content); i++ {
		c := content[i]
		switch {
		case c == '\\' && i+1 < len(content) && content[i+1] == ' ':
			token.WriteByte(' ')
			i++
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		default:
			token.WriteByte(c)
		}
	}
	flush()
	return files
}
