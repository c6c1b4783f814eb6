package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeKind(t *testing.T) {
	tests := []struct {
		kind    Kind
		typ     string
		content string
	}{
		{Text("hi"), TypeText, "hi"},
		{AttributedText("bold"), TypeAttributedText, "bold"},
		{Emoji("👍"), TypeEmoji, "👍"},
		{Photo{URL: "u"}, TypePhoto, "u"},
		{Video{URL: "u"}, TypeVideo, "u"},
		{Audio{URL: "u"}, TypeAudio, "u"},
		{Location{Latitude: 1.5, Longitude: -2}, TypeLocation, "1.5,-2"},
		{Contact{Name: "Grace"}, TypeContact, "Grace"},
		{LinkPreview{URL: "u"}, TypeLinkPreview, "u"},
	}
	for _, tt := range tests {
		typ, content, err := EncodeKind(tt.kind)
		require.NoError(t, err)
		require.Equal(t, tt.typ, typ)
		require.Equal(t, tt.content, content)
		require.Equal(t, tt.kind, DecodeKind(typ, content))
	}
}

func TestEncodeKind_Errors(t *testing.T) {
	_, _, err := EncodeKind(Custom{Payload: map[string]int{"a": 1}})
	require.ErrorIs(t, err, ErrUnsupportedKind)

	_, _, err = EncodeKind(nil)
	require.ErrorIs(t, err, ErrUnsupportedKind)

	_, _, err = EncodeKind(Photo{})
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDecodeKind_FallsBackToText(t *testing.T) {
	require.Equal(t, Text("x"), DecodeKind("", "x"))
	require.Equal(t, Text("x"), DecodeKind("sticker", "x"))
	require.Equal(t, Text("nowhere"), DecodeKind(TypeLocation, "nowhere"))
}

func TestPreview(t *testing.T) {
	for k, want := range map[Kind]string{
		Text("hi"):                 "hi",
		Emoji("🎉"):                 "🎉",
		Photo{URL: "u"}:            "Photo",
		Location{Latitude: 1}:      "Location",
		Contact{Name: "Grace"}:     "Contact: Grace",
		LinkPreview{URL: "u.test"}: "u.test",
	} {
		got, err := Preview(k)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := Preview(Custom{})
	require.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestDateFormatter(t *testing.T) {
	f := NewDateFormatter()
	at := time.Date(2021, 12, 2, 15, 4, 5, 0, time.UTC)

	s := f.Format(at)
	require.Equal(t, "Dec 2, 2021 at 3:04:05 PM UTC", s)

	got, ok := f.Parse(s)
	require.True(t, ok)
	require.True(t, at.Equal(got))

	_, ok = f.Parse("not a date")
	require.False(t, ok)

	var zero DateFormatter
	require.Equal(t, s, zero.Format(at.In(time.FixedZone("EST", -5*3600))))
}

func TestDecodeDoc_RejectsWrongTypes(t *testing.T) {
	_, err := decodeDirectoryEntry(map[string]any{"uid": "u", "name": "n", "email": true})
	require.ErrorIs(t, err, ErrMalformedRecord)

	_, err = decodeDirectoryEntry([]any{"u"})
	require.ErrorIs(t, err, ErrMalformedRecord)

	e, err := decodeDirectoryEntry(map[string]any{"uid": "u", "name": "", "email": "e", "extra": 1})
	require.NoError(t, err)
	require.Equal(t, DirectoryEntry{UID: "u", Name: "", Email: "e"}, e)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(TypeLocation, "51.5,-0.12")
	require.NoError(t, err)
	require.Equal(t, Location{Latitude: 51.5, Longitude: -0.12}, k)

	k, err = ParseKind(TypePhoto, "https://example.com/p.jpg")
	require.NoError(t, err)
	require.Equal(t, Photo{URL: "https://example.com/p.jpg"}, k)

	_, err = ParseKind(TypeLocation, "abc")
	require.ErrorIs(t, err, ErrMalformedRecord)

	_, err = ParseKind("sticker", "x")
	require.ErrorIs(t, err, ErrMalformedRecord)

	_, err = ParseKind(TypePhoto, "")
	require.ErrorIs(t, err, ErrMalformedRecord)
}
