package parser

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mohaanymo/sealdash/internal/decryptor"
	"github.com/mohaanymo/sealdash/internal/models"
	"github.com/pkg/errors"
)

// SEANamespace is the MPEG-DASH segment encryption and authentication schema.
const SEANamespace = "urn:mpeg:dash:schema:sea:2012"

// DASHParser parses DASH (mpd) manifests.
type DASHParser struct{}

// NewDASHParser creates a new DASH parser.
func NewDASHParser() *DASHParser {
	return &DASHParser{}
}

// CanParse checks if the body is an MPD document.
func (p *DASHParser) CanParse(body []byte, contentType string) bool {
	head := sniff(body)
	if bytes.Contains(head, []byte("<MPD")) {
		return true
	}
	return bytes.HasPrefix(head, []byte("<")) && strings.Contains(strings.ToLower(contentType), "dash+xml")
}

// Parse parses a DASH manifest and selects its audio representation.
func (p *DASHParser) Parse(body []byte, manifestURL string, opts Options) (*models.Manifest, error) {
	var mpd MPD
	if err := xml.Unmarshal(body, &mpd); err != nil {
		return nil, &models.ParseError{Reason: "malformed MPD", Err: err}
	}
	if strings.EqualFold(mpd.Type, "dynamic") {
		return nil, &models.ParseError{Reason: "dynamic (live) MPD is not supported"}
	}
	if len(mpd.Periods) == 0 {
		return nil, &models.ParseError{Reason: "no Period in MPD"}
	}

	baseURL, err := url.Parse(manifestURL)
	if err != nil {
		return nil, &models.ParseError{Reason: "invalid manifest URL", Err: err}
	}
	return p.convertMPD(&mpd, baseURL, opts)
}

// DASH MPD XML structures

type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	Type                      string   `xml:"type,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	Periods                   []Period `xml:"Period"`
	BaseURL                   string   `xml:"BaseURL"`
}

type Period struct {
	ID             string          `xml:"id,attr"`
	Duration       string          `xml:"duration,attr"`
	AdaptationSets []AdaptationSet `xml:"AdaptationSet"`
	BaseURL        string          `xml:"BaseURL"`
}

type AdaptationSet struct {
	ID                 string              `xml:"id,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	ContentType        string              `xml:"contentType,attr"`
	Lang               string              `xml:"lang,attr"`
	Codecs             string              `xml:"codecs,attr"`
	Labels             []string            `xml:"Label"`
	Representations    []Representation    `xml:"Representation"`
	ContentProtections []ContentProtection `xml:"ContentProtection"`
	SegmentTemplate    *SegmentTemplate    `xml:"SegmentTemplate"`
	BaseURL            string              `xml:"BaseURL"`
}

type Representation struct {
	ID                 string              `xml:"id,attr"`
	Bandwidth          int64               `xml:"bandwidth,attr"`
	Codecs             string              `xml:"codecs,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	ContentProtections []ContentProtection `xml:"ContentProtection"`
	SegmentTemplate    *SegmentTemplate    `xml:"SegmentTemplate"`
	SegmentList        *SegmentList        `xml:"SegmentList"`
	BaseURL            string              `xml:"BaseURL"`
}

type SegmentTemplate struct {
	Media          string    `xml:"media,attr"`
	Initialization string    `xml:"initialization,attr"`
	Timescale      int64     `xml:"timescale,attr"`
	Duration       int64     `xml:"duration,attr"`
	StartNumber    *int      `xml:"startNumber,attr"`
	EndNumber      *int      `xml:"endNumber,attr"`
	Timeline       *Timeline `xml:"SegmentTimeline"`
}

type Timeline struct {
	S []SegmentTime `xml:"S"`
}

type SegmentTime struct {
	T *int64 `xml:"t,attr"`
	D int64  `xml:"d,attr"`
	R int64  `xml:"r,attr"`
}

type SegmentList struct {
	Timescale      int64     `xml:"timescale,attr"`
	Duration       int64     `xml:"duration,attr"`
	Initialization *URLType  `xml:"Initialization"`
	Segments       []URLType `xml:"SegmentURL"`
}

type URLType struct {
	SourceURL string `xml:"sourceURL,attr"`
	Media     string `xml:"media,attr"`
}

type ContentProtection struct {
	SchemeIdUri  string         `xml:"schemeIdUri,attr"`
	Value        string         `xml:"value,attr"`
	CryptoPeriod []CryptoPeriod `xml:"CryptoPeriod"`
}

// CryptoPeriod is the SEA element carrying the key URI and IV.
type CryptoPeriod struct {
	IV             string `xml:"IV,attr"`
	KeyURITemplate string `xml:"keyUriTemplate,attr"`
}

// convertMPD selects the audio representation of the first period and
// builds the manifest model.
func (p *DASHParser) convertMPD(mpd *MPD, baseURL *url.URL, opts Options) (*models.Manifest, error) {
	period := mpd.Periods[0]

	total, err := parseDuration(period.Duration)
	if err != nil {
		return nil, &models.ParseError{Reason: "invalid Period@duration", Err: err}
	}
	if total == 0 {
		if total, err = parseDuration(mpd.MediaPresentationDuration); err != nil {
			return nil, &models.ParseError{Reason: "invalid MPD@mediaPresentationDuration", Err: err}
		}
	}

	var candidates []candidate
	for ai := range period.AdaptationSets {
		as := &period.AdaptationSets[ai]
		for ri := range as.Representations {
			candidates = append(candidates, newDASHCandidate(as, &as.Representations[ri]))
		}
	}

	chosen, err := selectRepresentation(candidates, opts)
	if err != nil {
		return nil, err
	}
	as, rep := chosen.as, chosen.rep

	repBase, err := resolveBase(baseURL, mpd.BaseURL, period.BaseURL, as.BaseURL, rep.BaseURL)
	if err != nil {
		return nil, &models.ParseError{Reason: "invalid BaseURL", Err: err}
	}

	m := &models.Manifest{
		URL:            baseURL.String(),
		Type:           models.ManifestDASH,
		Representation: chosen.info,
		Duration:       total,
	}

	switch {
	case rep.SegmentTemplate != nil || as.SegmentTemplate != nil:
		tmpl := mergeTemplates(as.SegmentTemplate, rep.SegmentTemplate)
		if err := p.applyTemplate(m, tmpl, rep, repBase, total); err != nil {
			return nil, err
		}
	case rep.SegmentList != nil:
		if err := p.applyList(m, rep.SegmentList, repBase); err != nil {
			return nil, err
		}
	default:
		return nil, &models.ParseError{Reason: "representation " + rep.ID + " is not segmented"}
	}

	cp, ok := findCryptoPeriod(rep.ContentProtections, as.ContentProtections)
	if !ok {
		return nil, &models.ParseError{Reason: "no SEA CryptoPeriod for representation " + rep.ID}
	}
	if err := applyCryptoPeriod(m, cp); err != nil {
		return nil, err
	}
	return m, nil
}

// mergeTemplates lets a Representation-level template override the
// AdaptationSet-level one attribute by attribute.
func mergeTemplates(parent, child *SegmentTemplate) SegmentTemplate {
	var out SegmentTemplate
	if parent != nil {
		out = *parent
	}
	if child == nil {
		return out
	}
	if child.Media != "" {
		out.Media = child.Media
	}
	if child.Initialization != "" {
		out.Initialization = child.Initialization
	}
	if child.Timescale != 0 {
		out.Timescale = child.Timescale
	}
	if child.Duration != 0 {
		out.Duration = child.Duration
	}
	if child.StartNumber != nil {
		out.StartNumber = child.StartNumber
	}
	if child.EndNumber != nil {
		out.EndNumber = child.EndNumber
	}
	if child.Timeline != nil {
		out.Timeline = child.Timeline
	}
	return out
}

// applyTemplate fills segment addressing and count from a SegmentTemplate.
func (p *DASHParser) applyTemplate(m *models.Manifest, tmpl SegmentTemplate, rep *Representation, base *url.URL, total time.Duration) error {
	if tmpl.Media == "" {
		return &models.ParseError{Reason: "SegmentTemplate without @media"}
	}
	timescale := tmpl.Timescale
	if timescale <= 0 {
		timescale = 1
	}
	start := 1
	if tmpl.StartNumber != nil {
		start = *tmpl.StartNumber
	}
	if start < 0 {
		return &models.ParseError{Reason: "negative startNumber"}
	}

	m.Template = models.SegmentTemplate{
		Media:            tmpl.Media,
		Base:             base,
		RepresentationID: rep.ID,
		Bandwidth:        rep.Bandwidth,
		StartNumber:      start,
	}
	m.IV.BaseSequence = uint64(start)

	switch {
	case tmpl.Timeline != nil && len(tmpl.Timeline.S) > 0:
		times, durations, err := expandTimeline(tmpl.Timeline.S, total, timescale)
		if err != nil {
			return err
		}
		m.SegmentCount = len(times)
		if m.Template.UsesTime() {
			m.Template.Times = times
		}
		var sum int64
		for _, d := range durations {
			sum += d
		}
		m.SegmentDuration = ticksToDuration(sum/int64(len(durations)), timescale)
		if m.Duration == 0 {
			m.Duration = ticksToDuration(sum, timescale)
		}

	case tmpl.EndNumber != nil:
		if *tmpl.EndNumber < start {
			return &models.ParseError{Reason: "endNumber before startNumber"}
		}
		m.SegmentCount = *tmpl.EndNumber - start + 1
		if m.SegmentCount > models.MaxSegments {
			return &models.ParseError{Reason: "endNumber exceeds " + strconv.Itoa(models.MaxSegments) + " segments"}
		}
		m.SegmentDuration = ticksToDuration(tmpl.Duration, timescale)

	case tmpl.Duration > 0:
		if total <= 0 {
			return &models.ParseError{Reason: "cannot derive segment count: presentation duration unknown"}
		}
		m.SegmentCount = segmentCount(total, tmpl.Duration, timescale)
		if m.SegmentCount > models.MaxSegments {
			return &models.ParseError{Reason: "SegmentTemplate@duration yields more than " + strconv.Itoa(models.MaxSegments) + " segments"}
		}
		m.SegmentDuration = ticksToDuration(tmpl.Duration, timescale)

	default:
		return &models.ParseError{Reason: "SegmentTemplate has neither SegmentTimeline nor @duration"}
	}

	if m.Template.UsesTime() && len(m.Template.Times) == 0 {
		return &models.ParseError{Reason: "$Time$ addressing without SegmentTimeline"}
	}

	if tmpl.Initialization != "" {
		initPath, err := models.ExpandTemplate(tmpl.Initialization, models.TemplateVars{
			RepresentationID: rep.ID,
			Bandwidth:        rep.Bandwidth,
		})
		if err != nil {
			return &models.ParseError{Reason: "invalid initialization template", Err: err}
		}
		initURL, err := resolveBase(base, initPath)
		if err != nil {
			return &models.ParseError{Reason: "invalid initialization URL", Err: err}
		}
		m.InitURL = initURL.String()
		m.InitEncrypted = true
	}
	return nil
}

// applyList fills segment addressing from an explicit SegmentList.
func (p *DASHParser) applyList(m *models.Manifest, list *SegmentList, base *url.URL) error {
	if len(list.Segments) == 0 {
		return &models.ParseError{Reason: "empty SegmentList"}
	}
	if len(list.Segments) > models.MaxSegments {
		return &models.ParseError{Reason: "SegmentList exceeds " + strconv.Itoa(models.MaxSegments) + " segments"}
	}
	urls := make([]string, len(list.Segments))
	for i, s := range list.Segments {
		if s.Media == "" {
			return &models.ParseError{Reason: "SegmentURL " + strconv.Itoa(i) + " without @media"}
		}
		urls[i] = s.Media
	}
	m.Template = models.SegmentTemplate{Base: base, URLs: urls}
	m.SegmentCount = len(urls)
	m.IV.BaseSequence = 1

	timescale := list.Timescale
	if timescale <= 0 {
		timescale = 1
	}
	m.SegmentDuration = ticksToDuration(list.Duration, timescale)

	if list.Initialization != nil && list.Initialization.SourceURL != "" {
		initURL, err := resolveBase(base, list.Initialization.SourceURL)
		if err != nil {
			return &models.ParseError{Reason: "invalid initialization URL", Err: err}
		}
		m.InitURL = initURL.String()
		m.InitEncrypted = true
	}
	return nil
}

// expandTimeline returns the start time and duration of every segment.
// A negative repeat count repeats until the end of the period, measured from
// the first entry's start.
func expandTimeline(entries []SegmentTime, total time.Duration, timescale int64) ([]int64, []int64, error) {
	var times, durations []int64
	var current, end int64
	if entries[0].T != nil {
		current = *entries[0].T
	}
	if total > 0 {
		end = current + durationToTicks(total, timescale)
	}

	for i, s := range entries {
		if s.D <= 0 {
			return nil, nil, &models.ParseError{Reason: "SegmentTimeline S@d must be positive"}
		}
		if s.T != nil {
			current = *s.T
		}

		repeat := s.R
		if repeat < 0 {
			var until int64
			switch {
			case i+1 < len(entries) && entries[i+1].T != nil:
				until = *entries[i+1].T
			case end > 0:
				until = end
			default:
				return nil, nil, &models.ParseError{Reason: "open-ended S@r without a known period end"}
			}
			repeat = ceilDiv(until-current, s.D) - 1
			if repeat < 0 {
				repeat = 0
			}
		}
		if repeat >= models.MaxSegments || int64(len(times))+repeat+1 > models.MaxSegments {
			return nil, nil, &models.ParseError{Reason: "SegmentTimeline exceeds " + strconv.Itoa(models.MaxSegments) + " segments"}
		}
		// The last segment may straddle the period end; none may start a
		// full segment after it.
		if end > 0 && (current > end || repeat > (end-current)/s.D+1) {
			return nil, nil, &models.ParseError{Reason: "SegmentTimeline runs past the period end"}
		}

		for j := int64(0); j <= repeat; j++ {
			times = append(times, current)
			durations = append(durations, s.D)
			current += s.D
		}
	}
	return times, durations, nil
}

func findCryptoPeriod(lists ...[]ContentProtection) (CryptoPeriod, bool) {
	for _, list := range lists {
		for _, cp := range list {
			if len(cp.CryptoPeriod) > 0 {
				return cp.CryptoPeriod[0], true
			}
		}
	}
	return CryptoPeriod{}, false
}

// applyCryptoPeriod sets the key reference and IV scheme.
func applyCryptoPeriod(m *models.Manifest, cp CryptoPeriod) error {
	keyURI := strings.TrimSpace(cp.KeyURITemplate)
	if keyURI == "" {
		return &models.ParseError{Reason: "CryptoPeriod without keyUriTemplate"}
	}

	if inline, ok := dataURIPayload(keyURI); ok {
		m.KeyRef = models.KeyReference{Inline: inline}
	} else {
		ref, err := resolveBase(m.Template.Base, keyURI)
		if err != nil {
			return &models.ParseError{Reason: "invalid key URI", Err: err}
		}
		m.KeyRef = models.KeyReference{URI: ref.String()}
	}

	// An absent IV means the all-zero IV for every segment.
	if strings.TrimSpace(cp.IV) == "" {
		m.IV.Mode = models.IVFixed
		m.IV.Fixed = make([]byte, 16)
		return nil
	}
	iv, err := decryptor.ParseIV(cp.IV)
	if err != nil {
		return &models.ParseError{Reason: "invalid CryptoPeriod@IV", Err: err}
	}
	m.IV.Mode = models.IVFixed
	m.IV.Fixed = iv
	return nil
}

// dataURIPayload extracts base64 material from a data: URI.
func dataURIPayload(uri string) (string, bool) {
	if !strings.HasPrefix(strings.ToLower(uri), "data:") {
		return "", false
	}
	meta, payload, ok := strings.Cut(uri[len("data:"):], ",")
	if !ok || !strings.HasSuffix(strings.ToLower(meta), ";base64") {
		return "", false
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		if _, err := base64.RawStdEncoding.DecodeString(payload); err != nil {
			return "", false
		}
	}
	return payload, true
}

// parseDuration parses an ISO 8601 duration such as PT1H2M3.5S or P1DT2H.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.HasPrefix(s, "P") {
		return 0, errors.Errorf("duration %q must start with P", s)
	}
	s = s[1:]

	var total float64
	inTime := false
	for len(s) > 0 {
		if s[0] == 'T' {
			inTime = true
			s = s[1:]
			continue
		}
		i := 0
		for i < len(s) && (s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, errors.Errorf("malformed duration component %q", s)
		}
		v, err := strconv.ParseFloat(s[:i], 64)
		if err != nil {
			return 0, errors.Wrap(err, "parse duration")
		}
		unit := s[i]
		s = s[i+1:]

		switch {
		case unit == 'D' && !inTime:
			total += v * 86400
		case unit == 'H' && inTime:
			total += v * 3600
		case unit == 'M' && inTime:
			total += v * 60
		case unit == 'S' && inTime:
			total += v
		default:
			return 0, errors.Errorf("unsupported duration unit %q", unit)
		}
	}
	return time.Duration(total * float64(time.Second)), nil
}

// segmentCount returns ceil(total / (duration/timescale)) using integer
// microsecond arithmetic.
func segmentCount(total time.Duration, duration, timescale int64) int {
	num := total.Microseconds() * timescale
	den := duration * 1_000_000
	return int(ceilDiv(num, den))
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func durationToTicks(d time.Duration, timescale int64) int64 {
	return d.Microseconds() * timescale / 1_000_000
}

func ticksToDuration(ticks, timescale int64) time.Duration {
	if timescale <= 0 {
		return 0
	}
	return time.Duration(float64(ticks) / float64(timescale) * float64(time.Second))
}
