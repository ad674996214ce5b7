package directory

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionInfoBuildResourceDataLayout(t *testing.T) {
	v := &VersionInfo{
		FileVersion:    [4]uint16{1, 2, 3, 4},
		ProductVersion: [4]uint16{1, 0, 0, 0},
		LangID:         0x0409,
		CodePage:       1200,
		Strings: map[string]string{
			"CompanyName":     "Example Corp",
			"ProductName":     "Sample",
			"FileDescription": "Sample module",
		},
	}

	entry, err := v.BuildResourceData()
	require.NoError(t, err)
	require.NotEmpty(t, entry.Data)

	total := binary.LittleEndian.Uint16(entry.Data[0:2])
	require.Equal(t, int(total), len(entry.Data))

	valLen := binary.LittleEndian.Uint16(entry.Data[2:4])
	require.Equal(t, uint16(52), valLen, "VS_FIXEDFILEINFO is always 52 bytes")

	wType := binary.LittleEndian.Uint16(entry.Data[4:6])
	require.Equal(t, uint16(0), wType, "binary payload type")

	// The 52-byte VS_FIXEDFILEINFO block starts right after the
	// dword-aligned "VS_VERSION_INFO\0" name field.
	sigOffset := 6 + 2*len("VS_VERSION_INFO") + 2
	for sigOffset%4 != 0 {
		sigOffset++
	}
	sig := binary.LittleEndian.Uint32(entry.Data[sigOffset : sigOffset+4])
	require.Equal(t, uint32(0xFEEF04BD), sig)

	fileVersionMS := binary.LittleEndian.Uint32(entry.Data[sigOffset+8 : sigOffset+12])
	require.Equal(t, uint32(1)<<16|2, fileVersionMS)
}

func TestVersionInfoBuildResourceDataDeterministicOrdering(t *testing.T) {
	v := &VersionInfo{
		LangID:   0x0409,
		CodePage: 1200,
		Strings: map[string]string{
			"Zeta":  "z",
			"Alpha": "a",
		},
	}

	first, err := v.BuildResourceData()
	require.NoError(t, err)
	second, err := v.BuildResourceData()
	require.NoError(t, err)
	require.Equal(t, first.Data, second.Data, "key ordering must be stable across calls")
}

func TestIconGroupBuildResourceDataEncodesEntries(t *testing.T) {
	g := &IconGroup{
		Images: []IconImage{
			{Width: 16, Height: 16, ColorCount: 0, Planes: 1, BitCount: 32, ID: 1, Data: make([]byte, 1128)},
			{Width: 32, Height: 32, ColorCount: 0, Planes: 1, BitCount: 32, ID: 2, Data: make([]byte, 4264)},
		},
	}

	entry := g.BuildResourceData()
	require.Len(t, entry.Data, 6+14*2)

	count := binary.LittleEndian.Uint16(entry.Data[4:6])
	require.Equal(t, uint16(2), count)

	firstEntry := entry.Data[6:20]
	require.Equal(t, uint8(16), firstEntry[0])
	require.Equal(t, uint8(16), firstEntry[1])
	require.Equal(t, uint16(32), binary.LittleEndian.Uint16(firstEntry[6:8]))
	require.Equal(t, uint32(1128), binary.LittleEndian.Uint32(firstEntry[8:12]))
	require.Equal(t, uint16(1), binary.LittleEndian.Uint16(firstEntry[12:14]))
}
