package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/jung-kurt/gofpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dancode-188/pdfsync/server/internal/auth"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCmd_Executes(t *testing.T) {
	originalVersion := version
	version = "test-version-1.0.0"
	defer func() { version = originalVersion }()

	out, err := execute(t, "version")
	assert.NoError(t, err)
	assert.Contains(t, out, "pdfsync version test-version-1.0.0")
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	var names []string
	for _, cmd := range rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"serve", "render", "token", "discover", "version"} {
		assert.Contains(t, names, want)
	}
}

func writeFixture(t *testing.T, dir string, pages int) string {
	t.Helper()
	pdf := gofpdf.New("P", "pt", "Letter", "")
	pdf.SetFont("Helvetica", "", 12)
	for i := 0; i < pages; i++ {
		pdf.AddPage()
		pdf.Text(72, 72, "fixture")
	}
	path := filepath.Join(dir, "in.pdf")
	require.NoError(t, pdf.OutputFileAndClose(path))
	return path
}

func TestRenderCmd(t *testing.T) {
	dir := t.TempDir()
	input := writeFixture(t, dir, 3)
	anns := filepath.Join(dir, "anns.json")
	require.NoError(t, os.WriteFile(anns, []byte(`[
		{"id":"a","type":"text","page":1,"x":72,"y":100,"text":"Approved"},
		{"id":"b","type":"rect","page":3,"x":10,"y":10,"width":50,"height":20}
	]`), 0o600))
	output := filepath.Join(dir, "out.pdf")

	out, err := execute(t, "render", input, "--annotations", anns, "--delete", "2", "--output", output)
	require.NoError(t, err)
	assert.Contains(t, out, "(2 pages)")
	assert.Contains(t, out, "dropped 1 annotation(s)")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}

func TestRenderCmd_InvalidAnnotations(t *testing.T) {
	dir := t.TempDir()
	input := writeFixture(t, dir, 1)
	anns := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(anns, []byte(`[{"type":"text"}]`), 0o600))

	_, err := execute(t, "render", input, "--annotations", anns, "--output", filepath.Join(dir, "x.pdf"))
	assert.Error(t, err)
}

func TestTokenCmd(t *testing.T) {
	secret := "this-is-a-test-secret-that-is-at-least-32-chars"
	t.Setenv("JWT_SECRET", secret)

	out, err := execute(t, "token", "user-9", "--read", "doc-1,doc-2", "--write", "doc-1")
	require.NoError(t, err)

	payload, err := auth.VerifyToken(string(bytes.TrimSpace([]byte(out))), secret)
	require.NoError(t, err)
	assert.Equal(t, "user-9", payload.UserID)
	assert.True(t, auth.CanWriteDocument(payload, "doc-1"))
	assert.False(t, auth.CanWriteDocument(payload, "doc-2"))
	assert.True(t, auth.CanReadDocument(payload, "doc-2"))
}
