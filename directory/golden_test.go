package directory

import (
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"

	"github.com/saferwall/pecore/patch"
)

// parseExportFixture reads a txtar archive describing an export
// directory's expected DLL name and function list, in the format
// written by testdata/export_fixture.txtar.
func parseExportFixture(path string) (*Export, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	archive := txtar.Parse(raw)

	exp := &Export{OrdinalBase: 1}
	for _, f := range archive.Files {
		switch f.Name {
		case "dll_name.txt":
			exp.DLLName = strings.TrimSpace(string(f.Data))
		case "functions.txt":
			for _, line := range strings.Split(strings.TrimSpace(string(f.Data)), "\n") {
				fields := strings.Fields(line)
				ord, _ := strconv.ParseUint(fields[1], 10, 16)
				rva, _ := strconv.ParseUint(fields[2], 10, 32)
				exp.Functions = append(exp.Functions, ExportFunction{
					Name: fields[0], Ordinal: uint16(ord), FunctionRVA: uint32(rva),
				})
			}
		}
	}
	return exp, nil
}

func TestExportGoldenFixture(t *testing.T) {
	_, sec := setup(t)
	exp, err := parseExportFixture("testdata/export_fixture.txtar")
	require.NoError(t, err)
	require.Equal(t, "sample.dll", exp.DLLName)
	require.Len(t, exp.Functions, 2)

	res, err := exp.SerializeInto(&Context{Graph: patch.NewGraph(), Target: sec})
	require.NoError(t, err)
	require.NotZero(t, res.Size)
}
