package parser

import (
	"sort"
	"strings"

	"github.com/mohaanymo/sealdash/internal/models"
)

// candidate is one representation considered for extraction.
type candidate struct {
	info models.Representation
	// flagged is true when the manifest explicitly marks it audio.
	flagged bool
	// excluded is true for video, text and muxed audio+video entries.
	excluded bool

	as  *AdaptationSet
	rep *Representation
}

func newDASHCandidate(as *AdaptationSet, rep *Representation) candidate {
	c := candidate{
		info: models.Representation{
			ID:        rep.ID,
			Codecs:    firstNonEmpty(rep.Codecs, as.Codecs),
			MimeType:  firstNonEmpty(rep.MimeType, as.MimeType),
			Bandwidth: rep.Bandwidth,
			Language:  as.Lang,
		},
		as:  as,
		rep: rep,
	}
	if len(as.Labels) > 0 {
		c.info.Label = strings.TrimSpace(as.Labels[0])
	}
	classify(&c, as.ContentType)
	return c
}

// classify marks a candidate as flagged audio, unflagged or excluded.
func classify(c *candidate, contentType string) {
	kind := strings.ToLower(contentType)
	mime := strings.ToLower(c.info.MimeType)
	videoCodec := models.HasVideoCodec(c.info.Codecs)

	switch {
	case kind == "video" || kind == "text" || kind == "image",
		strings.HasPrefix(mime, "video/"), strings.HasPrefix(mime, "text/"),
		videoCodec:
		c.excluded = true
	case kind == "audio", strings.HasPrefix(mime, "audio/"):
		c.flagged = true
	default:
		// Unflagged: acceptable only with an audio codec and no video tag.
		c.excluded = !models.HasAudioCodec(c.info.Codecs)
	}
}

// selectRepresentation picks the audio-only representation to extract.
// Explicitly flagged audio wins over codec-inferred audio; within a group
// the preferred label, then language, then the highest bandwidth wins.
func selectRepresentation(all []candidate, opts Options) (candidate, error) {
	var flagged, inferred []candidate
	for _, c := range all {
		switch {
		case c.excluded:
		case c.flagged:
			flagged = append(flagged, c)
		default:
			inferred = append(inferred, c)
		}
	}

	pool := flagged
	if len(pool) == 0 {
		pool = inferred
	}
	if len(pool) == 0 {
		return candidate{}, &models.ParseError{Reason: "no audio-only representation"}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i].info, pool[j].info
		if la, lb := labelMatches(a.Label, opts.PreferredLabel), labelMatches(b.Label, opts.PreferredLabel); la != lb {
			return la
		}
		if la, lb := languageMatches(a.Language, opts.PreferredLanguage), languageMatches(b.Language, opts.PreferredLanguage); la != lb {
			return la
		}
		return a.Bandwidth > b.Bandwidth
	})
	return pool[0], nil
}

func labelMatches(label, want string) bool {
	return want != "" && strings.EqualFold(strings.TrimSpace(label), strings.TrimSpace(want))
}

// languageAliases maps ISO 639-2 codes and English names to ISO 639-1.
var languageAliases = map[string]string{
	"eng": "en", "english": "en",
	"ita": "it", "italian": "it",
	"fra": "fr", "fre": "fr", "french": "fr",
	"deu": "de", "ger": "de", "german": "de",
	"spa": "es", "spanish": "es",
	"por": "pt", "portuguese": "pt",
	"ara": "ar", "arb": "ar", "arabic": "ar",
	"jpn": "ja", "japanese": "ja",
	"zho": "zh", "chi": "zh", "chinese": "zh",
	"tur": "tr", "turkish": "tr",
}

// normalizeLanguage lowercases, drops region subtags and maps aliases.
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if short, ok := languageAliases[lang]; ok {
		return short
	}
	return lang
}

func languageMatches(trackLang, want string) bool {
	if want == "" || trackLang == "" {
		return false
	}
	return normalizeLanguage(trackLang) == normalizeLanguage(want)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
