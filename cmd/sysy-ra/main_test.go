package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
)

const sumSrc = `func main
entry:
  li vi1, 1
  li vi2, 2
  add vi3, vi1, vi2
  mv a0, vi3
  ret a0
end
`

const pressureSrc = `func main
entry:
  li vi1, 1
  li vi2, 2
  li vi3, 3
  add vi4, vi1, vi2
  add vi5, vi4, vi3
  mv a0, vi5
  ret a0
end
`

func resetFlags() {
	dLive = false
	dInterf = false
	dAlloc = false
	dSlots = false
	dConv = false
	dAsm = false
	configPath = ""
	jobs = 0
	dumpDir = ""
	noCoalesce = false
	verify = false
}

func writeInput(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

// execute runs the command the way main does and returns stdout, stderr and
// the error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(normalizeFlags(args))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, version)
}

func TestDebugFlagsExist(t *testing.T) {
	cmd := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	for _, name := range append(debugFlagNames, "config", "jobs", "dump-dir", "no-coalesce", "verify") {
		assert.NotNil(t, cmd.Flags().Lookup(name), "--%s", name)
	}
}

func TestNormalizeFlags(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{"single-dash dalloc", []string{"-dalloc", "a.ir"}, []string{"--dalloc", "a.ir"}},
		{"double dash kept", []string{"--dconv", "a.ir"}, []string{"--dconv", "a.ir"}},
		{"other flags kept", []string{"-j", "2", "-dasm"}, []string{"-j", "2", "--dasm"}},
		{"unknown single dash kept", []string{"-dfoo"}, []string{"-dfoo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeFlags(tt.input))
		})
	}
}

func TestOutputFilename(t *testing.T) {
	assert.Equal(t, "dir/a.alloc", outputFilename("dir/a.ir", ".alloc"))
	assert.Equal(t, "a.txt.live", outputFilename("a.txt", ".live"))
}

func TestNoArgsPrintsHelp(t *testing.T) {
	out, _, err := execute(t)
	require.NoError(t, err)
	assert.Contains(t, out, "sysy-ra")
}

func TestCompilePrintsProgram(t *testing.T) {
	in := writeInput(t, "sum.ir", sumSrc)
	out, _, err := execute(t, "--verify", in)
	require.NoError(t, err)

	prog, err := lir.ParseString(out)
	require.NoError(t, err)
	require.Len(t, prog.Functions, 1)
	assert.Empty(t, prog.Functions[0].VirtualRegs())
	assert.Contains(t, out, "ret a0")
}

func TestDumpsWriteFiles(t *testing.T) {
	in := writeInput(t, "sum.ir", sumSrc)
	out, _, err := execute(t, "-dlive", "-dinterf", "-dalloc", "-dslots", "-dconv", "-dasm", in)
	require.NoError(t, err)

	for _, ext := range []string{".live", ".interf", ".alloc", ".slots", ".conv", ".asm"} {
		data, err := os.ReadFile(strings.TrimSuffix(in, ".ir") + ext)
		require.NoError(t, err, ext)
		assert.Contains(t, out, string(data), ext)
	}
	assert.Contains(t, out, "general:")
	assert.Contains(t, out, "vi1: {vi2}")
	assert.Contains(t, out, "func main (leaf)")
	assert.Contains(t, out, "spill area 0")
}

func TestConfigMachineForcesSpill(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ra.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`[machine]
general = ["a0", "a1"]
`), 0o644))
	in := writeInput(t, "pressure.ir", pressureSrc)

	out, _, err := execute(t, "--config", cfgPath, "--verify", in)
	require.NoError(t, err)
	assert.Contains(t, out, "sd.s ")
	assert.Contains(t, out, "ld.s ")
	assert.Contains(t, out, "addi sp, sp, -16")
	assert.NotContains(t, out, "vi")
}

func TestDumpDir(t *testing.T) {
	in := writeInput(t, "sum.ir", sumSrc)
	dumps := filepath.Join(t.TempDir(), "traces")
	_, _, err := execute(t, "--dump-dir", dumps, "--jobs", "1", in)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dumps, "main.ra.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "baseline:")
}

func TestNoCoalesceKeepsRegisters(t *testing.T) {
	in := writeInput(t, "sum.ir", sumSrc)
	out, _, err := execute(t, "--no-coalesce", "-dalloc", in)
	require.NoError(t, err)
	assert.Contains(t, out, "r3 -> ", "vi3 is not merged into a0")
}

func TestUnderscoreFlags(t *testing.T) {
	in := writeInput(t, "sum.ir", sumSrc)
	out, _, err := execute(t, "--no_coalesce", "-dalloc", in)
	require.NoError(t, err)
	assert.Contains(t, out, "r3 -> ")
}

func TestErrors(t *testing.T) {
	bad := writeInput(t, "bad.ir", "func main\nentry:\n  j nowhere\nend\n")
	badCfg := writeInput(t, "bad.toml", "[alloc]\njobs = 0\n")
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing file", []string{filepath.Join(t.TempDir(), "none.ir")}, "reading input"},
		{"parse error", []string{bad}, "bad.ir"},
		{"bad config", []string{"--config", badCfg, bad}, "jobs must be at least 1"},
		{"bad jobs flag", []string{"--jobs", "0", bad}, "jobs must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errOut, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, errOut, "sysy-ra: ")
			assert.Contains(t, errOut, tt.want)
		})
	}
}
