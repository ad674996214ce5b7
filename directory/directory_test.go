package directory

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saferwall/pecore/patch"
	"github.com/saferwall/pecore/section"
)

func setup(t *testing.T) (*section.Manager, *section.Section) {
	t.Helper()
	m := section.NewManager(0x1000)
	rdata := section.New(".rdata", 0)
	m.AddSection(rdata)
	return m, rdata
}

func TestRawPayloadInSectionSpaceWrites(t *testing.T) {
	_, sec := setup(t)
	p := &RawPayload{Bytes: []byte{1, 2, 3, 4}, InSectionSpace: true}

	res, err := p.SerializeInto(&Context{Target: sec})
	require.NoError(t, err)
	require.Equal(t, uint32(4), res.Size)

	got, err := sec.ReadAt(0, 4)
	require.NoError(t, err)
	require.Equal(t, p.Bytes, got)
}

func TestRawPayloadFileSpaceIsNoop(t *testing.T) {
	_, sec := setup(t)
	p := &RawPayload{Bytes: []byte{1, 2, 3}, InSectionSpace: false}

	res, err := p.SerializeInto(&Context{Target: sec})
	require.NoError(t, err)
	require.Zero(t, res)
	require.Equal(t, uint32(0), sec.Span())
}

func TestExportSerializeIntoRoundTrips(t *testing.T) {
	m, sec := setup(t)
	exp := &Export{
		DLLName:     "sample.dll",
		OrdinalBase: 1,
		Functions: []ExportFunction{
			{Name: "Foo", Ordinal: 1, FunctionRVA: 0x1000},
			{Name: "Bar", Ordinal: 2, FunctionRVA: 0x2000},
		},
	}

	res, err := exp.SerializeInto(&Context{Manager: m, Graph: patch.NewGraph(), Target: sec})
	require.NoError(t, err)
	require.NotZero(t, res.Size)

	header, err := sec.ReadAt(res.RVA-sec.VAddr(), 40)
	require.NoError(t, err)
	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(header[20:24]))
	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(header[24:28]))
}

func TestImportSerializeIntoRegistersNamePatches(t *testing.T) {
	m, sec := setup(t)
	g := patch.NewGraph()
	imp := &Import{
		Modules: []ImportModule{
			{
				Name: "kernel32.dll",
				Functions: []ImportedFunction{
					{Name: "CreateFileW", ByName: true},
					{Ordinal: 7, ByName: false},
				},
			},
		},
	}

	res, err := imp.SerializeInto(&Context{Manager: m, Graph: g, Target: sec})
	require.NoError(t, err)
	require.NotZero(t, res.Size)
	require.Len(t, g.Live(), 1, "one by-name thunk should register a patch")

	require.NoError(t, g.Write(0x10000000))
}

func TestResourceSerializeIntoBuildsTreeAndPatchesData(t *testing.T) {
	m, sec := setup(t)
	g := patch.NewGraph()
	tree := &Resource{
		Root: &ResourceNode{
			Children: []*ResourceNode{
				{
					ID: 1,
					Children: []*ResourceNode{
						{ID: 0x409, Data: &ResourceDataEntry{Data: []byte("hello"), CodePage: 0}},
					},
				},
			},
		},
	}

	res, err := tree.SerializeInto(&Context{Manager: m, Graph: g, Target: sec})
	require.NoError(t, err)
	require.NotZero(t, res.Size)
	require.Len(t, g.Live(), 1)
	require.NoError(t, g.Write(0x10000000))
}
