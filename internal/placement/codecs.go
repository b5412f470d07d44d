package placement

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// canonicalCodecs maps the codec spellings that show up in registrations and
// stream descriptors (bare names, mime types, mixed case) onto the WebRTC
// mime types used for comparison.
var canonicalCodecs = map[string]string{
	"opus":       webrtc.MimeTypeOpus,
	"pcmu":       webrtc.MimeTypePCMU,
	"pcma":       webrtc.MimeTypePCMA,
	"g722":       webrtc.MimeTypeG722,
	"vp8":        webrtc.MimeTypeVP8,
	"vp9":        webrtc.MimeTypeVP9,
	"h264":       webrtc.MimeTypeH264,
	"h265":       webrtc.MimeTypeH265,
	"av1":        webrtc.MimeTypeAV1,
	"audio/opus": webrtc.MimeTypeOpus,
	"audio/pcmu": webrtc.MimeTypePCMU,
	"audio/pcma": webrtc.MimeTypePCMA,
	"audio/g722": webrtc.MimeTypeG722,
	"video/vp8":  webrtc.MimeTypeVP8,
	"video/vp9":  webrtc.MimeTypeVP9,
	"video/h264": webrtc.MimeTypeH264,
	"video/h265": webrtc.MimeTypeH265,
	"video/av1":  webrtc.MimeTypeAV1,
}

// NormalizeCodec maps a codec identifier to its canonical mime type. Unknown
// identifiers are lower-cased and compared as-is, so novel codecs still match
// between a request and a recorder that spell them the same way.
func NormalizeCodec(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := canonicalCodecs[key]; ok {
		return canonical
	}
	return key
}

// normalizeSet maps a codec list to a canonical set.
func normalizeSet(codecs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codecs))
	for _, c := range codecs {
		set[NormalizeCodec(c)] = struct{}{}
	}
	return set
}

// supportsAll reports whether the recorder's codec set covers every requested codec.
func supportsAll(supported []string, requested []string) bool {
	if len(requested) == 0 {
		return true
	}
	set := normalizeSet(supported)
	for _, c := range requested {
		if _, ok := set[NormalizeCodec(c)]; !ok {
			return false
		}
	}
	return true
}
