package rtpjpeg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rtspjpeg/rtpcore"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	p := Packet{
		Header: rtpcore.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    PayloadType,
			SequenceNumber: 100,
			Timestamp:      4000,
			SSRC:           0xcafebabe,
		},
		JPEGType: 1,
		QTable:   2,
		Width:    40,
		Height:   30,
		Payload:  []byte{0x10, 0x20, 0xFF, 0xD9},
	}

	data, err := Marshal(p)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, p.Header.SequenceNumber, got.Header.SequenceNumber)
	require.Equal(t, p.JPEGType, got.JPEGType)
	require.Equal(t, p.QTable, got.QTable)
	require.Equal(t, p.Width, got.Width)
	require.Equal(t, p.Height, got.Height)
	require.Equal(t, p.Payload, got.Payload)
	require.True(t, EndsWithJPEGEOI(got.Payload))
}

func TestMarshalRejectsCSRCMismatch(t *testing.T) {
	p := Packet{
		Header: rtpcore.Header{Version: 2, CSRCCount: 1},
	}
	_, err := Marshal(p)
	require.Error(t, err)
}

func TestMarshalRejectsOversizeFragmentOffset(t *testing.T) {
	p := Packet{
		Header:         rtpcore.Header{Version: 2},
		FragmentOffset: 1 << 24,
	}
	_, err := Marshal(p)
	require.Error(t, err)
}

func TestUnmarshalRejectsShortTail(t *testing.T) {
	h := rtpcore.Header{Version: 2, PayloadType: PayloadType}
	data, err := rtpcore.Marshal(h, []byte{1, 2, 3})
	require.NoError(t, err)
	_, err = Unmarshal(data)
	require.Error(t, err)
}

func TestTimestampDerivation(t *testing.T) {
	require.EqualValues(t, 0, Timestamp(0, 40))
	require.EqualValues(t, 3600, Timestamp(1, 40))
	require.EqualValues(t, 36000, Timestamp(10, 40))
}

func TestEndsWithJPEGEOI(t *testing.T) {
	require.True(t, EndsWithJPEGEOI([]byte{0x01, 0xFF, 0xD9}))
	require.False(t, EndsWithJPEGEOI([]byte{0x01, 0xD9, 0xFF}))
	require.False(t, EndsWithJPEGEOI([]byte{0x01}))
}
