package data

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the payload of a message. The set of variants is closed: each
// one maps to a wire type and a content string, and the mapping is total.
type Kind interface {
	wireType() string
	wireContent() (string, error)
}

// Wire types stored in a message's "type" field.
const (
	TypeText           = "text"
	TypeAttributedText = "attributed_text"
	TypeEmoji          = "emoji"
	TypePhoto          = "photo"
	TypeVideo          = "video"
	TypeAudio          = "audio"
	TypeLocation       = "location"
	TypeContact        = "contact"
	TypeLinkPreview    = "link_preview"
	TypeCustom         = "custom"
)

type (
	// Text is a plain text message.
	Text string
	// AttributedText is styled text; only the characters are stored.
	AttributedText string
	// Emoji is an emoji-only message.
	Emoji string
	// Photo references an image by URL.
	Photo struct{ URL string }
	// Video references a video by URL.
	Video struct{ URL string }
	// Audio references a recording by URL.
	Audio struct{ URL string }
	// Location is a point on the map.
	Location struct{ Latitude, Longitude float64 }
	// Contact shares a contact by display name.
	Contact struct{ Name string }
	// LinkPreview shares a URL.
	LinkPreview struct{ URL string }
	// Custom carries application data with no wire representation.
	Custom struct{ Payload any }
)

func (Text) wireType() string { return TypeText }
func (k Text) wireContent() (string, error) { return string(k), nil }
func (AttributedText) wireType() string { return TypeAttributedText }
func (k AttributedText) wireContent() (string, error) { return string(k), nil }
func (Emoji) wireType() string { return TypeEmoji }
func (k Emoji) wireContent() (string, error) { return string(k), nil }
func (Photo) wireType() string { return TypePhoto }
func (k Photo) wireContent() (string, error) { return requireContent(TypePhoto, k.URL) }
func (Video) wireType() string { return TypeVideo }
func (k Video) wireContent() (string, error) { return requireContent(TypeVideo, k.URL) }
func (Audio) wireType() string { return TypeAudio }
func (k Audio) wireContent() (string, error) { return requireContent(TypeAudio, k.URL) }
func (Contact) wireType() string { return TypeContact }
func (k Contact) wireContent() (string, error) { return requireContent(TypeContact, k.Name) }
func (LinkPreview) wireType() string { return TypeLinkPreview }
func (k LinkPreview) wireContent() (string, error) { return requireContent(TypeLinkPreview, k.URL) }
func (Custom) wireType() string { return TypeCustom }
func (Custom) wireContent() (string, error) { return "", ErrUnsupportedKind }

func (Location) wireType() string { return TypeLocation }
func (k Location) wireContent() (string, error) {
	return strconv.FormatFloat(k.Latitude, 'f', -1, 64) + "," +
		strconv.FormatFloat(k.Longitude, 'f', -1, 64), nil
}

func requireContent(typ, s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty %s", ErrMalformedRecord, typ)
	}
	return s, nil
}

// EncodeKind returns the wire type and content for k.
func EncodeKind(k Kind) (typ, content string, err error) {
	if k == nil {
		return "", "", fmt.Errorf("%w: nil kind", ErrUnsupportedKind)
	}
	content, err = k.wireContent()
	if err != nil {
		return "", "", err
	}
	return k.wireType(), content, nil
}

// DecodeKind rebuilds a Kind from its wire form. Unknown types, and records
// written before types were materialized, come back as Text.
func DecodeKind(typ, content string) Kind {
	switch typ {
	case TypeAttributedText:
		return AttributedText(content)
	case TypeEmoji:
		return Emoji(content)
	case TypePhoto:
		return Photo{URL: content}
	case TypeVideo:
		return Video{URL: content}
	case TypeAudio:
		return Audio{URL: content}
	case TypeContact:
		return Contact{Name: content}
	case TypeLinkPreview:
		return LinkPreview{URL: content}
	case TypeLocation:
		if lat, lng, ok := strings.Cut(content, ","); ok {
			la, err1 := strconv.ParseFloat(lat, 64)
			ln, err2 := strconv.ParseFloat(lng, 64)
			if err1 == nil && err2 == nil {
				return Location{Latitude: la, Longitude: ln}
			}
		}
	}
	return Text(content)
}

// ParseKind is the strict form of DecodeKind for user input: content that
// does not fit typ is an error instead of becoming Text.
func ParseKind(typ, content string) (Kind, error) {
	k := DecodeKind(typ, content)
	got, _, err := EncodeKind(k)
	if err != nil {
		return nil, err
	}
	if got != typ {
		return nil, fmt.Errorf("%w: %q is not %s content", ErrMalformedRecord, content, typ)
	}
	return k, nil
}

// Preview is the text shown as a conversation's latest message.
func Preview(k Kind) (string, error) {
	_, content, err := EncodeKind(k)
	if err != nil {
		return "", err
	}
	switch k.(type) {
	case Text, AttributedText, Emoji:
		return content, nil
	case Photo:
		return "Photo", nil
	case Video:
		return "Video", nil
	case Audio:
		return "Audio", nil
	case Location:
		return "Location", nil
	case Contact:
		return "Contact: " + content, nil
	}
	return content, nil
}
